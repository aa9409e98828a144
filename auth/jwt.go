package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT gate. Exactly one of HMACSecret and
// PublicKey must be set.
type JWTConfig struct {
	// HMACSecret verifies HS256 tokens.
	HMACSecret []byte
	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Audience, when set, must appear in the aud claim.
	Audience string
	// Scope is the required scope (default intentions:submit).
	Scope string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Claims are the claims accepted by the JWT gate. Scope is a
// space-separated list as in OAuth 2.0.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// JWT authorizes signed bearer tokens.
type JWT struct {
	config  JWTConfig
	key     any
	methods []string
}

// NewJWT creates a JWT gate.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	g := &JWT{config: cfg}
	switch {
	case len(cfg.HMACSecret) > 0 && cfg.PublicKey != nil:
		return nil, errors.New("jwt gate: set either an HMAC secret or a public key, not both")
	case len(cfg.HMACSecret) > 0:
		if len(cfg.HMACSecret) < 32 {
			return nil, errors.New("jwt gate: HMAC secret must be at least 32 bytes")
		}
		g.key = cfg.HMACSecret
		g.methods = []string{jwt.SigningMethodHS256.Alg()}
	case cfg.PublicKey != nil:
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("jwt gate: invalid ed25519 public key")
		}
		g.key = cfg.PublicKey
		g.methods = []string{jwt.SigningMethodEdDSA.Alg()}
	default:
		return nil, errors.New("jwt gate: an HMAC secret or public key is required")
	}
	if g.config.Scope == "" {
		g.config.Scope = ScopeSubmit
	}
	return g, nil
}

// Authorize implements Gate.
func (g *JWT) Authorize(_ context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(g.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(g.config.Leeway),
	}
	if g.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.config.Issuer))
	}
	if g.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(g.config.Audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	scopes := strings.Fields(claims.Scope)
	if !slices.Contains(scopes, g.config.Scope) {
		return Principal{}, fmt.Errorf("%w: token lacks scope %q", ErrUnauthorized, g.config.Scope)
	}
	return Principal{Subject: claims.Subject, Method: "jwt", Scopes: scopes}, nil
}

var _ Gate = (*JWT)(nil)
