package auditdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftsec/auditcore/internal/data"
)

func TestMemoryStoreAddReportsInsertedThenMerged(t *testing.T) {
	s := NewMemoryStore()
	item := data.NewDomain("example.com")

	result, err := s.Add(item)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	result, err = s.Add(data.NewDomain("example.com"))
	require.NoError(t, err)
	assert.Equal(t, Merged, result)
}

func TestMemoryStoreGetAndHas(t *testing.T) {
	s := NewMemoryStore()
	item := data.NewDomain("example.com")
	_, err := s.Add(item)
	require.NoError(t, err)

	has, err := s.Has(item.Identity())
	require.NoError(t, err)
	assert.True(t, has)

	got, ok, err := s.Get(item.Identity())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item.Identity(), got.Identity())

	has, err = s.Has("nonexistent")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemoryStoreStageProgress(t *testing.T) {
	s := NewMemoryStore()
	a := data.NewDomain("a.example.com")
	b := data.NewDomain("b.example.com")
	_, err := s.Add(a)
	require.NoError(t, err)
	_, err = s.Add(b)
	require.NoError(t, err)

	pending, err := s.GetPending(0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.Identity(), b.Identity()}, pending)

	require.NoError(t, s.MarkStageFinished(a.Identity(), 0))

	pending, err = s.GetPending(0)
	require.NoError(t, err)
	assert.Equal(t, []string{b.Identity()}, pending)
}

func TestMemoryStorePluginProgress(t *testing.T) {
	s := NewMemoryStore()
	item := data.NewDomain("example.com")
	_, err := s.Add(item)
	require.NoError(t, err)

	done, err := s.HasPluginFinished(item.Identity(), "testing/dns_resolver")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkPluginFinished(item.Identity(), "testing/dns_resolver"))

	done, err = s.HasPluginFinished(item.Identity(), "testing/dns_resolver")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMemoryStoreCompactAndCloseAreNoops(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Compact())
	assert.NoError(t, s.Close())
}
