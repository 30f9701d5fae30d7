package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "padded", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: ErrMissingToken},
		{name: "wrong scheme", header: "Basic abc", wantErr: ErrBadScheme},
		{name: "empty token", header: "Bearer   ", wantErr: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyring_Authenticate(t *testing.T) {
	k := NewKeyring("admin-key", []TokenConfig{
		{Token: "viewer", Scopes: []string{"targets:ro", " events:ro "}},
		{Token: "operator", Scopes: []string{"link:rw", "override:rw"}},
		{Token: "", Scopes: []string{"*"}},
	})

	p, ok := k.Authenticate("admin-key")
	require.True(t, ok)
	assert.True(t, p.Admin)
	assert.True(t, p.Can(ScopeOverride))

	p, ok = k.Authenticate("viewer")
	require.True(t, ok)
	assert.True(t, p.Can(ScopeTargetsRead))
	assert.True(t, p.Can(ScopeEventsRead))
	assert.False(t, p.Can(ScopeOverride))
	assert.False(t, p.Can(ScopeLinkRead))
	assert.True(t, p.Can(ScopeLinkRead, ScopeEventsRead), "any of")

	p, ok = k.Authenticate("operator")
	require.True(t, ok)
	assert.True(t, p.Can(ScopeLinkRead), "rw implies ro")
	assert.True(t, p.Can(ScopeOverrideRead))
	assert.False(t, p.Can(ScopeTargetsRead))

	_, ok = k.Authenticate("nope")
	assert.False(t, ok)
	_, ok = k.Authenticate("")
	assert.False(t, ok, "empty tokens are never registered")

	_, ok = NewKeyring("", nil).Authenticate("")
	assert.False(t, ok)
}

func TestKeyring_Request(t *testing.T) {
	k := NewKeyring("", []TokenConfig{{Token: "t1", Scopes: []string{"*"}}})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer t1")
	p, err := k.Request(r)
	require.NoError(t, err)
	assert.True(t, p.Can(ScopeLinkWrite))

	r.Header.Set("Authorization", "Bearer t2")
	_, err = k.Request(r)
	assert.Error(t, err)
}

func TestKnownScope(t *testing.T) {
	for _, s := range []string{"*", "link:ro", "link:rw", "targets:ro", "override:ro", "override:rw", "events:ro", "events:rw"} {
		assert.True(t, KnownScope(s), s)
	}
	for _, s := range []string{"plugin:ro", "jobs:rw", "link", ""} {
		assert.False(t, KnownScope(s), s)
	}
}
