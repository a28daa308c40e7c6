package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityIsStableAndOrderIndependent(t *testing.T) {
	a := NewURL("http://example.com/")
	b := NewURL("http://example.com/")
	assert.Equal(t, a.Identity(), b.Identity())

	c := NewHTTPRequest("http://example.com/", "POST", "a=1")
	d := NewHTTPRequest("http://example.com/", "POST", "a=1")
	assert.Equal(t, c.Identity(), d.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())
}

func TestLinkIsBidirectionalAndIdempotent(t *testing.T) {
	a := NewDomain("example.com")
	b := NewURL("http://example.com/")

	Link(a, b)
	Link(a, b)

	assert.Contains(t, a.Links(), b.Identity())
	assert.Contains(t, b.Links(), a.Identity())
	assert.Len(t, a.Links(), 1)
}

func TestMergeIsCommutativeAndIdempotent(t *testing.T) {
	base := func() (*Item, *Item) {
		a := NewURL("http://example.com/")
		a.Attrs["tags"] = []string{"x"}
		a.Attrs["title"] = "first"

		b := NewURL("http://example.com/")
		b.Attrs["tags"] = []string{"y"}
		b.Attrs["title"] = "second"
		return a, b
	}

	a1, b1 := base()
	merged1 := Merge(a1, b1)

	a2, b2 := base()
	merged2 := Merge(b2, a2)

	gotTags1 := merged1.Attrs["tags"].([]string)
	gotTags2 := merged2.Attrs["tags"].([]string)
	assert.ElementsMatch(t, gotTags1, gotTags2)

	// last-wins: merged1 took b1's title since b1 was merged into a1.
	assert.Equal(t, "second", merged1.Attrs["title"])
	assert.Equal(t, "first", merged2.Attrs["title"])

	// idempotent: merging again doesn't grow the set.
	reMerged := Merge(merged1, b1)
	assert.Len(t, reMerged.Attrs["tags"].([]string), 2)
}

func TestRegistryRoundTrips(t *testing.T) {
	reg := NewRegistry()
	original := NewDomain("example.com")

	decoded, err := reg.Decode(original.Tag(), original.identityFields, original.Attrs)
	require.NoError(t, err)
	assert.Equal(t, original.Identity(), decoded.Identity())
}

func TestNewAuditName(t *testing.T) {
	ts := time.Date(2026, 7, 30, 1, 2, 3, 0, time.UTC)
	assert.Equal(t, "audit-2026-07-30-01_02_03", NewAuditName("audit", ts))
}

func TestMatchesEmptyAcceptsAll(t *testing.T) {
	it := NewURL("http://example.com/")
	assert.True(t, it.Matches(nil))
	assert.True(t, it.Matches([]Tag{{Kind: KindResource, Subtype: SubtypeURL}}))
	assert.False(t, it.Matches([]Tag{{Kind: KindVulnerability, Subtype: "generic"}}))
}
