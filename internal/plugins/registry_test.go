package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/pluginsdk"
)

type fixturePlugin struct {
	pluginsdk.BasePlugin
	accepted []data.Tag
}

func (f *fixturePlugin) GetAcceptedInfo() []data.Tag { return f.accepted }

func writeDescriptor(t *testing.T, dir, category, relName, stage, deps string) {
	t.Helper()
	full := filepath.Join(dir, category, relName+".golismero")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))

	content := "[Core]\nName = " + relName + "\nModule = plugin.go\n"
	if stage != "" {
		content += "Stage = " + stage + "\n"
	}
	if deps != "" {
		content += "Dependencies = " + deps + "\n"
	}
	content += "\n[Documentation]\nDescription = fixture\n"
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestLoadParsesDescriptorsAndAppliesStageOrder(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "testing", "second", "scan", "")
	writeDescriptor(t, dir, "testing", "first", "recon", "")

	pluginsdk.Register("testing/first", func() pluginsdk.Plugin { return &fixturePlugin{} })
	pluginsdk.Register("testing/second", func() pluginsdk.Plugin { return &fixturePlugin{} })

	r := NewRegistry()
	require.NoError(t, r.Load(dir, nil, nil))

	order := r.TestingOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "testing/first", order[0])
	assert.Equal(t, "testing/second", order[1])

	assert.Equal(t, StageRecon, r.MinStage())
	assert.Equal(t, StageScan, r.MaxStage())
}

func TestLoadRespectsDeclaredDependencies(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "testing", "dependent", "recon", "testing/base")
	writeDescriptor(t, dir, "testing", "base", "recon", "")

	pluginsdk.Register("testing/base", func() pluginsdk.Plugin { return &fixturePlugin{} })
	pluginsdk.Register("testing/dependent", func() pluginsdk.Plugin { return &fixturePlugin{} })

	r := NewRegistry()
	require.NoError(t, r.Load(dir, nil, nil))

	order := r.TestingOrder()
	baseIdx, depIdx := -1, -1
	for i, name := range order {
		if name == "testing/base" {
			baseIdx = i
		}
		if name == "testing/dependent" {
			depIdx = i
		}
	}
	assert.Less(t, baseIdx, depIdx)
}

func TestLoadDetectsDependencyCycle(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "testing", "a", "recon", "testing/b")
	writeDescriptor(t, dir, "testing", "b", "recon", "testing/a")

	pluginsdk.Register("testing/a", func() pluginsdk.Plugin { return &fixturePlugin{} })
	pluginsdk.Register("testing/b", func() pluginsdk.Plugin { return &fixturePlugin{} })

	r := NewRegistry()
	err := r.Load(dir, nil, nil)
	require.Error(t, err)
}

func TestDisableListRemovesPlugin(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "testing", "keep", "recon", "")
	writeDescriptor(t, dir, "testing", "drop", "recon", "")

	pluginsdk.Register("testing/keep", func() pluginsdk.Plugin { return &fixturePlugin{} })
	pluginsdk.Register("testing/drop", func() pluginsdk.Plugin { return &fixturePlugin{} })

	r := NewRegistry()
	require.NoError(t, r.Load(dir, nil, []string{"testing/drop"}))

	_, ok := r.GetPluginByName("testing/drop")
	assert.False(t, ok)
	_, ok = r.GetPluginByName("testing/keep")
	assert.True(t, ok)
}

func TestSearchPluginsByName(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "testing", "dns_resolver", "recon", "")
	pluginsdk.Register("testing/dns_resolver", func() pluginsdk.Plugin { return &fixturePlugin{} })

	r := NewRegistry()
	require.NoError(t, r.Load(dir, nil, nil))

	results := r.SearchPluginsByName("dns")
	require.Len(t, results, 1)
	assert.Equal(t, "testing/dns_resolver", results[0].Descriptor.Name)
}
