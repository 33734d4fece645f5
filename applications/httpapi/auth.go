package httpapi

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erasure-engine/engine/infrastructure/serviceauth"
)

// Role is one of the four actor roles §6 checks against (compliance
// officers file requests, legal counsel authorizes overrides, auditors
// and system admins get read/operational access).
type Role string

const (
	RoleComplianceOfficer Role = "compliance_officer"
	RoleLegalCounsel      Role = "legal_counsel"
	RoleAuditor           Role = "auditor"
	RoleSystemAdmin       Role = "system_admin"
)

type ctxKey string

const (
	ctxUserKey ctxKey = "httpapi.user"
	ctxRoleKey ctxKey = "httpapi.role"
)

var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/livez":   {},
}

// UserClaims is the RS256 bearer token's claim set for end-user (as
// opposed to service-to-service, see infrastructure/serviceauth)
// requests against the erasure API.
type UserClaims struct {
	UserID       string `json:"userId"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator abstracts bearer-token verification so handler wiring
// doesn't depend on a concrete key source.
type JWTValidator interface {
	Validate(token string) (*UserClaims, error)
}

// RSAValidator verifies RS256 tokens against a single configured public
// key, mirroring infrastructure/serviceauth's key-parsing helper so the
// PEM-handling logic is written once.
type RSAValidator struct {
	publicKey *rsa.PublicKey
}

func NewRSAValidator(publicKeyPEM []byte) (*RSAValidator, error) {
	key, err := serviceauth.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("httpapi: parse auth public key: %w", err)
	}
	return &RSAValidator{publicKey: key}, nil
}

func (v *RSAValidator) Validate(token string) (*UserClaims, error) {
	claims := &UserClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// staticTokenValidator authenticates a fixed operator token set as the
// system_admin role — useful for CLI/ops scripts that don't carry a
// user JWT. A nil or empty set disables this path.
type staticTokenValidator struct {
	tokens map[string]struct{}
}

func newStaticTokenValidator(tokens []string) *staticTokenValidator {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &staticTokenValidator{tokens: set}
}

func (v *staticTokenValidator) authenticate(token string) bool {
	if v == nil {
		return false
	}
	for known := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(known)) == 1 {
			return true
		}
	}
	return false
}

// wrapWithAuth enforces bearer authentication on every path except
// publicPaths, preferring a static operator token match over JWT
// validation (a static token always maps to system_admin).
func wrapWithAuth(next http.Handler, tokens *staticTokenValidator, validator JWTValidator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			unauthorized(w)
			return
		}
		if tokens.authenticate(token) {
			ctx := context.WithValue(r.Context(), ctxUserKey, "operator")
			ctx = context.WithValue(ctx, ctxRoleKey, string(RoleSystemAdmin))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if validator != nil {
			if claims, err := validator.Validate(token); err == nil {
				ctx := context.WithValue(r.Context(), ctxUserKey, claims.UserID)
				ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		unauthorized(w)
	})
}

// requireRole rejects the request with 403 unless the authenticated
// caller holds one of allowed. Call after wrapWithAuth has populated
// ctxRoleKey.
func requireRole(next http.HandlerFunc, allowed ...Role) http.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		set[string(r)] = struct{}{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRoleKey).(string)
		if _, ok := set[role]; !ok {
			writeError(w, http.StatusForbidden, fmt.Errorf("role %q is not permitted to perform this action", role))
			return
		}
		next(w, r)
	}
}

func roleFromCtx(ctx context.Context) string {
	role, _ := ctx.Value(ctxRoleKey).(string)
	return role
}

func userFromCtx(ctx context.Context) string {
	user, _ := ctx.Value(ctxUserKey).(string)
	return user
}

func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
}
