// Package auth gates intention submission behind a credential check.
//
// A Gate maps a bearer credential to a Principal or fails with an error
// wrapping ErrUnauthorized. Three gates are provided: None for development,
// StaticTokens for pre-shared tokens, and JWT for signed tokens carrying
// the submit scope.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/pithecene-io/cairn/types"
)

// ScopeSubmit is the scope required to submit intentions.
const ScopeSubmit = "intentions:submit"

// ErrUnauthorized is returned for missing, malformed or rejected credentials.
var ErrUnauthorized = types.ErrUnauthorized

// Principal is an authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Method  string   `json:"method"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Gate authorizes a credential.
type Gate interface {
	Authorize(ctx context.Context, credential string) (Principal, error)
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// None authorizes every caller as "anonymous".
type None struct{}

// Authorize implements Gate.
func (None) Authorize(context.Context, string) (Principal, error) {
	return Principal{Subject: "anonymous", Method: "none", Scopes: []string{ScopeSubmit}}, nil
}

// HashToken returns the hex sha256 of a token, the form StaticTokens stores.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StaticToken is a pre-shared token identified by its sha256 hash.
type StaticToken struct {
	Subject string `yaml:"subject"`
	SHA256  string `yaml:"sha256"`
}

// StaticTokens authorizes callers presenting one of a fixed set of tokens.
// Only token hashes are held in memory.
type StaticTokens struct {
	tokens []StaticToken
}

// NewStaticTokens creates a gate from token hashes.
func NewStaticTokens(tokens []StaticToken) (*StaticTokens, error) {
	if len(tokens) == 0 {
		return nil, errors.New("static token gate requires at least one token")
	}
	out := make([]StaticToken, 0, len(tokens))
	for i, tk := range tokens {
		h := strings.ToLower(strings.TrimSpace(tk.SHA256))
		if raw, err := hex.DecodeString(h); err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("token %d: sha256 must be %d hex-encoded bytes", i, sha256.Size)
		}
		if tk.Subject == "" {
			return nil, fmt.Errorf("token %d: subject is required", i)
		}
		out = append(out, StaticToken{Subject: tk.Subject, SHA256: h})
	}
	return &StaticTokens{tokens: out}, nil
}

// Authorize implements Gate.
func (g *StaticTokens) Authorize(_ context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	got := []byte(HashToken(credential))
	for _, tk := range g.tokens {
		if subtle.ConstantTimeCompare(got, []byte(tk.SHA256)) == 1 {
			return Principal{Subject: tk.Subject, Method: "token", Scopes: []string{ScopeSubmit}}, nil
		}
	}
	return Principal{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
}

var (
	_ Gate = None{}
	_ Gate = (*StaticTokens)(nil)
)
