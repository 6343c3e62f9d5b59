// Package auth verifies bearer tokens issued by the portal and exposes the
// resulting caller to handlers.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the portal session claims. Subject holds the user id.
type Claims struct {
	Role     string `json:"role"`
	ClientID string `json:"client_id,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Caller is the authenticated principal of a request. The zero value is an
// anonymous caller.
type Caller struct {
	Authenticated bool
	UserID        uuid.UUID
	Name          string
	Role          string
	ClientID      *uuid.UUID
}

func (c Caller) IsAdmin() bool { return c.Authenticated && c.Role == RoleAdmin }

// Verifier validates HMAC-signed tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a signing secret is configured.
func (v *Verifier) Enabled() bool { return v != nil && len(v.secret) > 0 }

// Issue signs a token for the given caller. Used by tooling and tests.
func (v *Verifier) Issue(c Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: c.Role,
		Name: c.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if c.ClientID != nil {
		claims.ClientID = c.ClientID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses tokenString and maps its claims to a Caller.
func (v *Verifier) Verify(tokenString string) (Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Caller{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Caller{}, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Caller{}, errors.Join(ErrInvalidToken, errors.New("subject is not a user id"))
	}
	caller := Caller{Authenticated: true, UserID: userID, Name: claims.Name, Role: strings.ToLower(claims.Role)}
	if claims.ClientID != "" {
		id, err := uuid.Parse(claims.ClientID)
		if err != nil {
			return Caller{}, errors.Join(ErrInvalidToken, errors.New("client_id is not a uuid"))
		}
		caller.ClientID = &id
	}
	return caller, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}

type ctxKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller stored by the middleware, or an anonymous one.
func FromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(ctxKey{}).(Caller)
	return c
}

// Optional attaches the caller when a bearer token is present. A malformed
// or invalid token is rejected; no token means anonymous.
func (v *Verifier) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if errors.Is(err, ErrMissingToken) || !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}
		caller, err := v.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// RequireAdmin rejects requests without a valid admin token.
func (v *Verifier) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			writeError(w, http.StatusUnauthorized, "authentication is not configured")
			return
		}
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		caller, err := v.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !caller.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
