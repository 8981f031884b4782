// Package auth authenticates admin API callers by bearer token and checks
// their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the admin API. A ":rw" scope implies the matching
// ":ro" scope.
const (
	ScopeAll             = "*"
	ScopeSettlementsRead = "settlements:ro"
	ScopeJobsRead        = "jobs:ro"
	ScopeJobsWrite       = "jobs:rw"
	ScopeEventsRead      = "events:ro"
)

// AdminName names the principal authenticated by the single admin key.
const AdminName = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrBadScheme    = errors.New("authorization scheme must be Bearer")
)

// TokenConfig is a bearer token with a set of scopes. Name labels the token
// in logs; the token itself is never logged.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// Allows reports whether p holds "*" or any of required. No required scopes
// means any principal is allowed.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}

	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Authenticate matches a presented bearer token against the admin key and
// the configured tokens. The admin key grants "*".
func Authenticate(presented, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	digest := blake3.Sum256([]byte(presented))

	if tokenMatches(digest, adminKey) {
		return Principal{
			Name:   AdminName,
			scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for i, t := range tokens {
		if !tokenMatches(digest, t.Token) {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token[%d]", i)
		}
		return Principal{Name: name, scopes: expandScopes(t.Scopes)}, true
	}
	return Principal{}, false
}

// tokenMatches compares fixed-size digests so timing does not depend on the
// configured token's length.
func tokenMatches(presented [32]byte, configured string) bool {
	if configured == "" {
		return false
	}
	want := blake3.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(presented[:], want[:]) == 1
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if resource, ok := strings.CutSuffix(s, ":rw"); ok {
			out[resource+":ro"] = struct{}{}
		}
	}
	return out
}
