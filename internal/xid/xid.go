// Package xid generates push-style record ids: time-prefixed so that ledger
// appends sort chronologically, with random padding for uniqueness across
// devices appending offline-recorded documents concurrently.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%020d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%020d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
