package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresTargets(t *testing.T) {
	c := &AuditConfig{PluginsFolder: "./plugins", MaxProcess: 1}
	err := c.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	c := &AuditConfig{
		Targets:       []string{"example.com"},
		PluginsFolder: "./plugins",
		MaxProcess:    1,
	}
	require.NoError(t, c.Validate())
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV("a, b"))
	assert.Nil(t, splitCSV(""))
}

func TestFromFileMissingFileFallsBackToEnvDefaults(t *testing.T) {
	t.Setenv("AUDIT_TARGETS", "example.com")
	cfg, err := FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, cfg.Targets)
}

func TestFromFileOverridesEnvDefaults(t *testing.T) {
	t.Setenv("AUDIT_TARGETS", "example.com")
	t.Setenv("AUDIT_MAX_PROCESS", "4")

	path := filepath.Join(t.TempDir(), "profile.yaml")
	content := "targets:\n  - override.example\nmax_process: 8\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"override.example"}, cfg.Targets)
	assert.Equal(t, 8, cfg.MaxProcess)
}

func TestFromFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: [unterminated"), 0o644))

	_, err := FromFile(path)
	require.Error(t, err)
}
