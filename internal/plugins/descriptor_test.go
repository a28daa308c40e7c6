package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescriptorRejectsEscapingModulePath(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "testing", "evil")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	descriptorPath := filepath.Join(pluginDir, "evil.golismero")
	content := "[Core]\nName = evil\nModule = ../../../etc/passwd\n"
	require.NoError(t, os.WriteFile(descriptorPath, []byte(content), 0o644))

	_, err := ParseDescriptor(descriptorPath, "testing/evil/evil", CategoryTesting)
	require.Error(t, err)
}

func TestParseDescriptorRejectsAbsoluteModulePath(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "testing", "evil")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	descriptorPath := filepath.Join(pluginDir, "evil.golismero")
	content := "[Core]\nName = evil\nModule = /etc/passwd\n"
	require.NoError(t, os.WriteFile(descriptorPath, []byte(content), 0o644))

	_, err := ParseDescriptor(descriptorPath, "testing/evil/evil", CategoryTesting)
	require.Error(t, err)
}

func TestParseDescriptorDefaultsAndConfiguration(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "testing", "fixture")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	descriptorPath := filepath.Join(pluginDir, "fixture.golismero")
	content := "[Core]\nName = Fixture\nModule = plugin.go\n\n[Configuration]\ntimeout = 30\nRecursive = true\n"
	require.NoError(t, os.WriteFile(descriptorPath, []byte(content), 0o644))

	d, err := ParseDescriptor(descriptorPath, "testing/fixture/fixture", CategoryTesting)
	require.NoError(t, err)

	assert.Equal(t, StageRecon, d.Stage)
	assert.Equal(t, "Anonymous", d.Author)
	assert.Equal(t, "?.?", d.Version)
	assert.Equal(t, "30", d.Configuration["timeout"])
	assert.Equal(t, "true", d.Configuration["Recursive"])
}
