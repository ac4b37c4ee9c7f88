package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeySubject contextKey = "auth_subject"
	contextKeyRole    contextKey = "auth_role"
)

// Roles accepted on campaign management endpoints.
const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
)

// Role represents an authorized persona on the management API.
type Role string

var allowedRoles = map[Role]struct{}{
	RoleOwner:    {},
	RoleOperator: {},
}

// Authenticator verifies HS256 bearer tokens on management endpoints. The
// public redemption endpoint is deliberately unauthenticated; possession of
// a credential is the authorization.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator builds an authenticator from the shared auth secret.
func NewAuthenticator(secret []byte) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("server: auth secret is required")
	}
	return &Authenticator{secret: secret, now: time.Now}, nil
}

// SetNowFunc overrides the clock used for token validation. For tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		a.now = time.Now
		return
	}
	a.now = now
}

func (a *Authenticator) parse(raw string) (subject string, role Role, err error) {
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	subject, _ = claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return "", "", errors.New("missing subject")
	}
	roleClaim, _ := claims["role"].(string)
	role = Role(strings.ToLower(strings.TrimSpace(roleClaim)))
	if _, ok := allowedRoles[role]; !ok {
		return "", "", fmt.Errorf("role %q not permitted", roleClaim)
	}
	return subject, role, nil
}

// Middleware authenticates the request and stores the subject and role on
// the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, role, err := a.parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySubject, subject)
		ctx = context.WithValue(ctx, contextKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}

// RoleFromContext returns the authenticated role, if any.
func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(contextKeyRole).(Role)
	return role
}
