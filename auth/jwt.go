package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtstd "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultTokenExpire = 24 * time.Hour

type claims struct {
	Admin bool `json:"admin"`
	jwtstd.RegisteredClaims
}

// TokenManager issues and verifies HS256 bearer tokens.
type TokenManager struct {
	key []byte
}

func NewTokenManager(key string) *TokenManager {
	return &TokenManager{key: []byte(key)}
}

func (m *TokenManager) Issue(id Identity, expire time.Duration) (string, error) {
	if len(m.key) == 0 {
		return "", errors.New("cannot sign token without a secret")
	}
	if id.UserID == "" {
		return "", errors.New("token subject is required")
	}
	if expire <= 0 {
		expire = DefaultTokenExpire
	}

	now := time.Now()
	t := jwtstd.NewWithClaims(jwtstd.SigningMethodHS256, claims{
		Admin: id.Admin,
		RegisteredClaims: jwtstd.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			IssuedAt:  jwtstd.NewNumericDate(now),
			ExpiresAt: jwtstd.NewNumericDate(now.Add(expire)),
		},
	})
	return t.SignedString(m.key)
}

func (m *TokenManager) Verify(token string) (Identity, error) {
	var c claims
	_, err := jwtstd.ParseWithClaims(token, &c, func(t *jwtstd.Token) (any, error) {
		return m.key, nil
	}, jwtstd.WithValidMethods([]string{jwtstd.SigningMethodHS256.Alg()}), jwtstd.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Identity{UserID: c.Subject, Admin: c.Admin}, nil
}

// Authenticate reads an "Authorization: Bearer" header.
func (m *TokenManager) Authenticate(r *http.Request) (Identity, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || len(m.key) == 0 {
		return Identity{}, ErrUnauthenticated
	}
	return m.Verify(strings.TrimSpace(token))
}
