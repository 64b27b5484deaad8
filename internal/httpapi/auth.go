package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrAdminDisabled = errors.New("admin secret not configured")

// AdminAuth checks the shared admin secret. Only its bcrypt hash is kept in
// memory.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth prefers a precomputed hash and otherwise hashes the plain
// secret once at start-up. With neither set every admin request is refused.
func NewAdminAuth(secret, hash string) (*AdminAuth, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, err
		}
		return &AdminAuth{hash: []byte(hash)}, nil
	}
	if secret == "" {
		return &AdminAuth{}, nil
	}
	generated, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminAuth{hash: generated}, nil
}

func (a *AdminAuth) Enabled() bool {
	return a != nil && len(a.hash) > 0
}

func (a *AdminAuth) Check(secret string) error {
	if !a.Enabled() {
		return ErrAdminDisabled
	}
	if secret == "" {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(secret))
}

func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := adminSecretFromRequest(r)
		if secret == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing admin secret")
			return
		}
		if err := a.Check(secret); err != nil {
			if errors.Is(err, ErrAdminDisabled) {
				writeError(w, requestIDFromRequest(r), http.StatusForbidden, "admin_disabled", "admin access is not configured")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid admin secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminSecretFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Secret"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
