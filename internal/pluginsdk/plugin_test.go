package pluginsdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftsec/auditcore/internal/data"
)

type noopPlugin struct {
	BasePlugin
}

func TestBasePluginDefaultsAreHarmless(t *testing.T) {
	p := &noopPlugin{BasePlugin{Name: "testing/noop"}}

	items, err := p.RecvInfo(nil, data.NewDomain("example.com"))
	require.NoError(t, err)
	assert.Nil(t, items)

	assert.Nil(t, p.GetAcceptedInfo())
	assert.Contains(t, p.DisplayHelp(), "testing/noop")
}

func TestContextWarnAccumulatesAndCopiesOnRead(t *testing.T) {
	ctx := &Context{}
	assert.Empty(t, ctx.Warnings())

	ctx.Warn("first")
	ctx.Warn("second")
	got := ctx.Warnings()
	assert.Equal(t, []string{"first", "second"}, got)

	got[0] = "mutated"
	assert.Equal(t, []string{"first", "second"}, ctx.Warnings(), "Warnings must return a copy, not the live slice")
}

func TestScratchIsIsolatedPerInstance(t *testing.T) {
	a := NewScratch()
	b := NewScratch()

	a.Set("key", "value")
	_, ok := b.Get("key")
	assert.False(t, ok, "a fresh Scratch must not see another instance's writes")

	v, ok := a.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestRegisterAndLookup(t *testing.T) {
	Register("testing/fixture", func() Plugin { return &noopPlugin{BasePlugin{Name: "testing/fixture"}} })

	factory, ok := Lookup("testing/fixture")
	require.True(t, ok)
	assert.NotNil(t, factory())

	_, ok = Lookup("testing/does-not-exist")
	assert.False(t, ok)
}
