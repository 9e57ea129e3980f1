/*
auth.go - Bearer token authentication

PURPOSE:
  Turns the Authorization header into an engine.Principal and stores it in
  the request context. Handlers pass that principal to every engine call;
  the permission gate in the engine makes the actual decision.

TOKEN FORMAT (HS256 JWT):
  {
    "sub":    "u-42",
    "role":   "vendor",
    "grants": [{"company_id": "acme", "module": "deliverables", "operate": true}],
    "exp":    1767225600
  }

MODES:
  - Secret configured: signature, expiry and (optional) issuer are verified.
  - Insecure (auth.insecure, no secret): the signature is NOT verified
    (trusted proxy mode). Expiry and issuer still are.
  - No secret and not insecure: every token is rejected.

  Missing or invalid tokens are rejected with 401.

SEE ALSO:
  - engine/permission.go: Authorize
  - cmd/server/token.go: token subcommand mints development tokens
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/warp/deliverables-engine/engine"
)

// GrantClaim is the token form of engine.Grant.
type GrantClaim struct {
	CompanyID string `json:"company_id,omitempty"`
	Module    string `json:"module"`
	Operate   bool   `json:"operate,omitempty"`
	Authorize bool   `json:"authorize,omitempty"`
}

// PrincipalClaims are the JWT claims carrying a principal.
type PrincipalClaims struct {
	Role   string       `json:"role"`
	Grants []GrantClaim `json:"grants,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts the claims to an engine principal.
func (c PrincipalClaims) Principal() engine.Principal {
	p := engine.Principal{
		ID:   engine.PrincipalID(c.Subject),
		Role: engine.Role(c.Role),
	}
	for _, g := range c.Grants {
		p.Grants = append(p.Grants, engine.Grant{
			CompanyID: engine.CompanyID(g.CompanyID),
			Module:    engine.Module(g.Module),
			Operate:   g.Operate,
			Authorize: g.Authorize,
		})
	}
	return p
}

// ClaimsFor builds the claims of a principal.
func ClaimsFor(p engine.Principal, issuer string, ttl time.Duration, now time.Time) PrincipalClaims {
	c := PrincipalClaims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.ID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, g := range p.Grants {
		c.Grants = append(c.Grants, GrantClaim{
			CompanyID: string(g.CompanyID),
			Module:    string(g.Module),
			Operate:   g.Operate,
			Authorize: g.Authorize,
		})
	}
	return c
}

// IssueToken signs an HS256 token for p.
func IssueToken(secret string, p engine.Principal, issuer string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required to sign tokens")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ClaimsFor(p, issuer, ttl, time.Now()))
	return token.SignedString([]byte(secret))
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// Authenticator verifies bearer tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	insecure bool
	logger   *zap.Logger
}

// NewAuthenticator creates an authenticator that verifies HS256 signatures.
// With an empty secret every token is rejected.
func NewAuthenticator(secret, issuer string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if secret == "" {
		logger.Warn("no jwt secret configured, all bearer tokens will be rejected")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, logger: logger}
}

// NewInsecureAuthenticator trusts token claims without checking the
// signature, for deployments behind a proxy that already verified them.
// Expiry and issuer are still enforced.
func NewInsecureAuthenticator(issuer string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("auth.insecure is set, bearer token signatures are not verified")
	return &Authenticator{issuer: issuer, insecure: true, logger: logger}
}

// Parse extracts the principal from a raw token.
func (a *Authenticator) Parse(tokenString string) (engine.Principal, error) {
	var opts []jwt.ParserOption
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &PrincipalClaims{}
	switch {
	case a.insecure:
		if _, _, err := jwt.NewParser(opts...).ParseUnverified(tokenString, claims); err != nil {
			return engine.Principal{}, fmt.Errorf("jwt parse error: %w", err)
		}
		if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
			return engine.Principal{}, fmt.Errorf("jwt claims rejected: %w", err)
		}
	case len(a.secret) == 0:
		return engine.Principal{}, errors.New("no jwt secret configured")
	default:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, opts...)
		if err != nil {
			return engine.Principal{}, fmt.Errorf("jwt parse error: %w", err)
		}
	}

	if claims.Subject == "" {
		return engine.Principal{}, errors.New("token has no subject")
	}
	return claims.Principal(), nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		p, err := a.Parse(token)
		if err != nil {
			a.logger.Debug("rejected bearer token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "Invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// =============================================================================
// CONTEXT
// =============================================================================

type principalKey struct{}

// WithPrincipal stores the acting principal in ctx.
func WithPrincipal(ctx context.Context, p engine.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the acting principal. The zero principal is denied
// by the permission gate.
func PrincipalFrom(ctx context.Context) engine.Principal {
	p, _ := ctx.Value(principalKey{}).(engine.Principal)
	return p
}
