package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

const (
	CapAPIUse = "API_USE"
	// CapAdmin grants every capability.
	CapAdmin = "PERMISSION_CONFIG"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are issued by the external auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64    `json:"uid"`
	Perms  []string `json:"perms"`
}

type Principal struct {
	UserID int64
	perms  map[string]struct{}
}

func (p Principal) Can(capability string) bool {
	if _, ok := p.perms[CapAdmin]; ok {
		return true
	}
	_, ok := p.perms[capability]
	return ok
}

type principalKey struct{}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// ParseToken verifies an HS256 token and resolves its principal.
func ParseToken(raw, secret string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID <= 0 {
		return Principal{}, fmt.Errorf("%w: missing uid", ErrInvalidToken)
	}

	p := Principal{UserID: claims.UserID, perms: make(map[string]struct{}, len(claims.Perms))}
	for _, perm := range claims.Perms {
		p.perms[strings.ToUpper(strings.TrimSpace(perm))] = struct{}{}
	}
	return p, nil
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeErrorString(w, r, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			p, err := ParseToken(strings.TrimSpace(raw), secret)
			if err != nil {
				writeErrorString(w, r, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// RequireCapabilities admits principals holding every listed capability.
func RequireCapabilities(caps ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeErrorString(w, r, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			for _, c := range caps {
				if !p.Can(c) {
					writeErrorString(w, r, http.StatusForbidden, "missing capability "+c)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
