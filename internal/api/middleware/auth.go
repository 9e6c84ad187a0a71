package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/wardrobe/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader carries the operator token checked by AdminToken.
const AdminTokenHeader = "X-Admin-Token"

// Auth validates HS256 bearer tokens whose subject is the user's id.
type Auth struct {
	secret []byte
}

// NewAuth creates a new Auth middleware.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Authenticate rejects requests without a valid bearer token and sets the
// user id in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			response.Unauthorized(w, "Missing or invalid Authorization header")
			return
		}

		userID, err := a.parse(raw)
		if err != nil {
			slog.Debug("rejected bearer token", "error", err, "path", r.URL.Path)
			response.Unauthorized(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUserID(r.Context(), userID)))
	})
}

func (a *Auth) parse(raw string) (uuid.UUID, error) {
	claims := new(jwt.RegisteredClaims)
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("subject %q is not a user id: %w", claims.Subject, err)
	}
	return id, nil
}

// IssueToken signs a bearer token for userID that Authenticate accepts.
func IssueToken(secret string, userID uuid.UUID, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AdminToken guards operator routes with a token compared against a bcrypt hash.
// An empty hash disables the routes entirely.
func AdminToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Admin routes are disabled", nil)
				return
			}
			token := r.Header.Get(AdminTokenHeader)
			if token == "" {
				response.Unauthorized(w, "Missing "+AdminTokenHeader+" header")
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				response.Error(w, http.StatusForbidden, "FORBIDDEN", "Invalid admin token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
