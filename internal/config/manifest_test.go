package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadManifest_Missing(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "vm-deployer.yml"))
	assert.NoError(t, err)

	lit := m.Literals()
	assert.Equal(t, "RhodriGpu", lit.ResourceGroupName)
	assert.Equal(t, "uksouth", lit.Region)
	assert.Equal(t, "githubactions", lit.ServerName)
	assert.Equal(t, "gpuImage", lit.Image)
	assert.Equal(t, "rhodri", lit.AdminLogin)
}

func TestLoadManifest_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm-deployer.yml")
	content := `
deployment:
  serverName: gpu-02
  image: customImage
scriptDir: scripts
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadManifest(path)
	assert.NoError(t, err)
	assert.Equal(t, "scripts", m.ScriptDir)
	assert.Equal(t, "", m.ScriptName)

	lit := m.Literals()
	assert.Equal(t, "gpu-02", lit.ServerName)
	assert.Equal(t, "customImage", lit.Image)
	assert.Equal(t, "RhodriGpu", lit.ResourceGroupName)
}

func TestLoadManifest_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm-deployer.yml")
	assert.NoError(t, os.WriteFile(path, []byte("deployment: [not, a, map]"), 0o644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}

func TestEnvParameterStoreDefaults(t *testing.T) {
	store := NewEnvParameterStore("dev")

	cfg, err := store.GetConfig(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "PSA", cfg.ScriptDir)
	assert.Equal(t, "deployVM.ps1", cfg.ScriptName)
	assert.Equal(t, "pwsh", cfg.ShellBinary)
	assert.Equal(t, "vm-deployer/dev/webhook-secret", cfg.WebhookSecretName)
	assert.False(t, cfg.LockingEnabled)
}
