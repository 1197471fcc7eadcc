package httpapi

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/ledger"
	ledgermem "chainpos/backend/internal/ledger/memory"
	storemem "chainpos/backend/internal/localstore/memory"
)

const testSecret = "a-test-secret-of-at-least-32-characters"

func seedAccount(remote *ledgermem.Ledger, shopID string, password string, hash bool) {
	stored := password
	if hash {
		hashed, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		stored = string(hashed)
	}
	remote.Seed(ledger.AccountPath(shopID), domain.ShopAccount{
		Username:  shopID,
		Password:  stored,
		Role:      "admin",
		ShopName:  "Downtown",
		ShortName: "DT",
	})
}

func TestLoginIssuesParsableToken(t *testing.T) {
	remote := ledgermem.New()
	seedAccount(remote, "shop-a", "secret123", true)
	auth := NewAuthManager(testSecret, time.Hour, storemem.New(), remote)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "secret123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" || resp.ShortName != "DT" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.ShopID != "shop-a" || actor.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	remote := ledgermem.New()
	seedAccount(remote, "shop-a", "secret123", true)
	auth := NewAuthManager(testSecret, time.Hour, storemem.New(), remote)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "wrong"}); err == nil {
		t.Fatalf("expected login rejection")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "unknown", Password: "secret123"}); err == nil {
		t.Fatalf("expected login rejection for unknown shop")
	}
}

func TestLoginWorksOfflineAfterFirstSuccess(t *testing.T) {
	remote := ledgermem.New()
	seedAccount(remote, "shop-a", "secret123", true)
	local := storemem.New()
	auth := NewAuthManager(testSecret, time.Hour, local, remote)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "secret123"}); err != nil {
		t.Fatalf("online login: %v", err)
	}

	remote.SetOnline(false)
	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "secret123"})
	if err != nil {
		t.Fatalf("offline login from cache: %v", err)
	}
	if resp.Role != "admin" {
		t.Fatalf("unexpected offline login response: %+v", resp)
	}
}

func TestLoginFailsOfflineWithoutCache(t *testing.T) {
	remote := ledgermem.New()
	seedAccount(remote, "shop-a", "secret123", true)
	remote.SetOnline(false)
	auth := NewAuthManager(testSecret, time.Hour, storemem.New(), remote)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "secret123"}); err == nil {
		t.Fatalf("expected offline login without cache to fail")
	}
}

func TestLoginUpgradesLegacyPlainTextPassword(t *testing.T) {
	remote := ledgermem.New()
	seedAccount(remote, "shop-a", "secret123", false)
	auth := NewAuthManager(testSecret, time.Hour, storemem.New(), remote)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "secret123"}); err != nil {
		t.Fatalf("legacy login: %v", err)
	}

	raw, ok := remote.Node(ledger.AccountPath("shop-a"))
	if !ok {
		t.Fatalf("account node missing")
	}
	var stored domain.ShopAccount
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode stored account: %v", err)
	}
	if !isPasswordHash(stored.Password) {
		t.Fatalf("expected stored password upgraded to a bcrypt hash, got %q", stored.Password)
	}

	// The credential still works after the upgrade.
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "shop-a", Password: "secret123"}); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, storemem.New(), ledgermem.New())

	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatalf("expected garbage token rejection")
	}

	other := NewAuthManager("another-secret-that-is-also-32-chars!!", time.Hour, storemem.New(), ledgermem.New())
	token, err := other.sign("shop-a", "admin", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected foreign-secret token rejection")
	}
}
