// Package auth resolves bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies its ":ro" twin.
const (
	ScopeAll      = "*"
	ScopeUnitsRO  = "units:ro"
	ScopeUnitsRW  = "units:rw"
	ScopeEventsRO = "events:ro"
	ScopeStatsRO  = "stats:ro"
)

var knownScopes = map[string]bool{
	ScopeAll:      true,
	ScopeUnitsRO:  true,
	ScopeUnitsRW:  true,
	ScopeEventsRO: true,
	ScopeStatsRO:  true,
}

// KnownScope reports whether s is a scope the API checks for.
func KnownScope(s string) bool {
	return knownScopes[strings.TrimSpace(s)]
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Name identifies the credential in
// logs without exposing it.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement, or the
// "*" scope, always allows.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
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

// ExtractBearerToken reads "Authorization: Bearer <token>".
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || scheme != "Bearer" {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

// Authenticate matches presented against the admin key, then each scoped
// token. Empty credentials never match.
func Authenticate(presented string, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if matches(presented, adminKey) {
		return Principal{Name: "admin", Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for i, t := range tokens {
		if matches(presented, t.Token) {
			return Principal{Name: fmt.Sprintf("token[%d]", i), Scopes: expandScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func matches(presented, want string) bool {
	if presented == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
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

// HasAnyScope is p.Allows(required...).
func HasAnyScope(p Principal, required ...string) bool {
	return p.Allows(required...)
}
