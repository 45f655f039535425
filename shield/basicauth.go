package shield

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/redeemcheck/kit"
)

// Credentials is the single operator account. PasswordHash is a bcrypt hash.
type Credentials struct {
	Username     string
	PasswordHash []byte
}

// NewCredentials builds Credentials from a plain password or an existing
// bcrypt hash. hash wins when both are set.
func NewCredentials(username, password, hash string) (Credentials, error) {
	if username == "" {
		return Credentials{}, errors.New("shield: username required")
	}
	switch {
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return Credentials{}, errors.New("shield: password hash is not bcrypt")
		}
		return Credentials{Username: username, PasswordHash: []byte(hash)}, nil
	case password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return Credentials{}, err
		}
		return Credentials{Username: username, PasswordHash: h}, nil
	}
	return Credentials{}, errors.New("shield: password or password hash required")
}

// BasicAuth rejects requests without the operator's credentials with a 401.
// Authenticated requests carry the username under kit.UserIDKey.
func BasicAuth(c Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) != 1 ||
				bcrypt.CompareHashAndPassword(c.PasswordHash, []byte(pass)) != nil {
				GetLogger(r.Context()).Warn("shield: authentication failed", "user", user)
				w.Header().Set("WWW-Authenticate", `Basic realm="redeemcheck"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), user)))
		})
	}
}
