package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/localstore"
)

// AuthManager authenticates shop accounts. Credentials live on the ledger at
// users/{shopId}; a verified copy is cached locally so a shop that already
// logged in once can still sign in while the ledger is unreachable.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	local    localstore.Store
	remote   ledger.Ledger
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, local localstore.Store, remote ledger.Ledger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		local:    local,
		remote:   remote,
	}
}

// Login verifies the shop's credentials. The username is the shop id. The
// ledger copy is authoritative when reachable; legacy plain-text passwords
// found there are upgraded to bcrypt hashes on first successful login.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	shopID := strings.ToLower(strings.TrimSpace(req.Username))
	if shopID == "" || strings.TrimSpace(req.Password) == "" {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	account, fromLedger, err := a.lookupAccount(ctx, shopID)
	if err != nil {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	if !a.verify(ctx, shopID, &account, req.Password, fromLedger) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	if fromLedger {
		a.cacheAccount(ctx, shopID, account)
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(shopID, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ShopName:    account.ShopName,
		ShortName:   account.ShortName,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) lookupAccount(ctx context.Context, shopID string) (domain.ShopAccount, bool, error) {
	if a.remote.IsOnline() {
		raw, err := a.remote.Read(ctx, ledger.AccountPath(shopID))
		switch {
		case err == nil:
			var account domain.ShopAccount
			if jerr := json.Unmarshal(raw, &account); jerr == nil {
				return account, true, nil
			}
		case errors.Is(err, ledger.ErrNotFound):
			return domain.ShopAccount{}, false, err
		default:
			// Connectivity failure mid-request: fall through to the cache.
		}
	}

	raw, ok, err := a.local.Get(ctx, localstore.AccountKey(shopID))
	if err != nil || !ok {
		return domain.ShopAccount{}, false, localstore.ErrNotFound
	}
	var account domain.ShopAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return domain.ShopAccount{}, false, err
	}
	return account, false, nil
}

func (a *AuthManager) verify(ctx context.Context, shopID string, account *domain.ShopAccount, password string, fromLedger bool) bool {
	if isPasswordHash(account.Password) {
		return bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(password)) == nil
	}
	if account.Password != password {
		return false
	}
	// Legacy plain-text credential: hash it and write the upgrade back.
	if hashed, err := hashPassword(password); err == nil {
		account.Password = hashed
		if fromLedger {
			if werr := a.remote.Write(ctx, ledger.AccountPath(shopID), account); werr != nil {
				// Upgrade failure is not a login failure.
				log.Printf("[auth] WARN: password upgrade for %s failed: %v", shopID, werr)
			}
		}
	}
	return true
}

func (a *AuthManager) cacheAccount(ctx context.Context, shopID string, account domain.ShopAccount) {
	raw, err := json.Marshal(account)
	if err != nil {
		return
	}
	_ = a.local.Set(ctx, localstore.AccountKey(shopID), raw)
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{ShopID: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(shopID, role string, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   shopID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "chainpos",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}
