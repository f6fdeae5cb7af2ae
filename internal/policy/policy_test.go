package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radlabs/rad-crawler/internal/ingest"
)

func TestAllowed_Precedence(t *testing.T) {
	t.Parallel()

	p := ingest.Policy{
		Allowlist: []string{"example.com"},
		Denylist:  []string{"evil.example.com"},
	}

	require.True(t, Allowed("https://sub.example.com/x", p))
	require.True(t, Allowed("https://example.com/", p))
	require.False(t, Allowed("https://other.com", p))
	require.False(t, Allowed("https://evil.example.com", p))
	require.False(t, Allowed("https://deep.evil.example.com/page", p))
}

func TestAllowed_EmptyAllowlistPermitsAnyHost(t *testing.T) {
	t.Parallel()

	p := ingest.Policy{Denylist: []string{"blocked.org"}}

	require.True(t, Allowed("https://anything.net/page", p))
	require.False(t, Allowed("https://blocked.org/page", p))
}

func TestAllowed_WildcardDenyMatchesHostAndPath(t *testing.T) {
	t.Parallel()

	p := ingest.Policy{
		Denylist: []string{"example.com/private*"},
	}

	require.False(t, Allowed("https://example.com/private/area", p))
	require.True(t, Allowed("https://example.com/public", p))
}

func TestAllowed_WildcardAllowPattern(t *testing.T) {
	t.Parallel()

	p := ingest.Policy{Allowlist: []string{"*.docs.example.com"}}

	require.True(t, Allowed("https://api.docs.example.com/ref", p))
	require.False(t, Allowed("https://example.com/", p))
}

func TestAllowed_FailsClosedOnBadURL(t *testing.T) {
	t.Parallel()

	p := ingest.Policy{}
	require.False(t, Allowed("://not-a-url", p))
	require.False(t, Allowed("relative/path", p))
}
