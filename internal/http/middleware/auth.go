// Package middleware resolves the caller of an API request.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

const roleAdmin = "admin"

// Claims are carried by the bearer token. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type ctxKey struct{}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Handler rejects requests without a valid token and stores the actor in the
// request context.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.authenticate(r.Header.Get("Authorization"))
		if err != nil {
			slog.Debug("rejected request", "path", r.URL.Path, "error", err)
			unauthorized(w)

			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func (a *Authenticator) authenticate(header string) (engagement.Actor, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return engagement.Actor{}, jwt.ErrTokenMalformed
	}

	var claims Claims

	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return engagement.Actor{}, err
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return engagement.Actor{}, jwt.ErrTokenInvalidSubject
	}

	return engagement.Actor{ID: id, Admin: claims.Role == roleAdmin}, nil
}

// Issue signs a token for userID. Used by tooling and tests.
func (a *Authenticator) Issue(userID uuid.UUID, admin bool, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	if admin {
		claims.Role = roleAdmin
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func WithActor(ctx context.Context, actor engagement.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

func ActorFrom(ctx context.Context) (engagement.Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(engagement.Actor)
	return actor, ok
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="gigflow"`)
	w.WriteHeader(http.StatusUnauthorized)

	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": "unauthorized", "code": "UNAUTHORIZED", "message": "missing or invalid bearer token"},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
