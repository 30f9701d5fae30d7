// Package auth implements bearer-token authentication with scopes for the
// HTTP API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scope names an API permission as "<resource>:<ro|rw>".
type Scope string

const (
	ScopeAll          Scope = "*"
	ScopeLinkRead     Scope = "link:ro"
	ScopeLinkWrite    Scope = "link:rw"
	ScopeTargetsRead  Scope = "targets:ro"
	ScopeTargetsWrite Scope = "targets:rw"
	ScopeOverrideRead Scope = "override:ro"
	ScopeOverride     Scope = "override:rw"
	ScopeEventsRead   Scope = "events:ro"
	ScopeEventsWrite  Scope = "events:rw"
)

// implied lists what each write scope grants on top of itself.
var implied = map[Scope]Scope{
	ScopeLinkWrite:    ScopeLinkRead,
	ScopeTargetsWrite: ScopeTargetsRead,
	ScopeOverride:     ScopeOverrideRead,
	ScopeEventsWrite:  ScopeEventsRead,
}

// KnownScope reports whether s grants anything.
func KnownScope(s string) bool {
	sc := Scope(s)
	if sc == ScopeAll {
		return true
	}
	if _, ok := implied[sc]; ok {
		return true
	}
	for _, ro := range implied {
		if sc == ro {
			return true
		}
	}
	return false
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrBadScheme    = errors.New("authorization scheme must be Bearer")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	// Admin is set for the single full-access api_key.
	Admin  bool
	scopes map[Scope]bool
}

// Can reports whether p holds any of the scopes. No scopes means any
// authenticated caller.
func (p Principal) Can(scopes ...Scope) bool {
	if len(scopes) == 0 || p.Admin || p.scopes[ScopeAll] {
		return true
	}
	for _, s := range scopes {
		if p.scopes[s] {
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

type entry struct {
	token []byte
	p     Principal
}

// Keyring resolves presented tokens to principals.
type Keyring struct {
	entries []entry
}

// NewKeyring builds a keyring from the full-access apiKey (may be empty)
// and scoped tokens. Empty tokens are skipped.
func NewKeyring(apiKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if apiKey != "" {
		k.entries = append(k.entries, entry{token: []byte(apiKey), p: Principal{Admin: true}})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.entries = append(k.entries, entry{token: []byte(t.Token), p: Principal{scopes: expand(t.Scopes)}})
	}
	return k
}

// Authenticate returns the principal for a presented token. Every entry is
// compared so timing does not reveal which one matched.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare([]byte(presented), e.token) == 1 && !ok {
			found, ok = e.p, true
		}
	}
	return found, ok
}

// Request authenticates the bearer token on r.
func (k *Keyring) Request(r *http.Request) (Principal, error) {
	token, err := BearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	p, ok := k.Authenticate(token)
	if !ok {
		return Principal{}, errors.New("invalid API key")
	}
	return p, nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	token, found := strings.CutPrefix(h, "Bearer ")
	if !found {
		return "", ErrBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func expand(scopes []string) map[Scope]bool {
	out := make(map[Scope]bool, len(scopes)*2)
	for _, s := range scopes {
		sc := Scope(strings.TrimSpace(s))
		if sc == "" {
			continue
		}
		out[sc] = true
		if ro, ok := implied[sc]; ok {
			out[ro] = true
		}
	}
	return out
}
