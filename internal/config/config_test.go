package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/orchestrator/internal/config"
)

func clearVersEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"VERS_API_KEY", "VERS_BASE_URL", "VERS_INFRA_URL", "VERS_AUTH_TOKEN"} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	clearVersEnv(t)
	t.Setenv("HOME", t.TempDir())

	_, err := config.Load("")
	assert.ErrorContains(t, err, "VERS_API_KEY")
}

func TestLoad_FromEnv(t *testing.T) {
	clearVersEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VERS_API_KEY", "test-key")
	t.Setenv("VERS_BASE_URL", "https://vers.example.com")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.VersAPIKey)
	assert.Equal(t, "https://vers.example.com", cfg.VersBaseURL)
	assert.Equal(t, 20, cfg.OutputHistoryCap)
	assert.Equal(t, 200, cfg.EventsRingCap)
	assert.Equal(t, 500, cfg.SummaryTailChars)
	assert.False(t, cfg.RegistryEnabled())
}

func TestLoad_RegistryRequiresBothURLAndToken(t *testing.T) {
	clearVersEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VERS_API_KEY", "test-key")
	t.Setenv("VERS_INFRA_URL", "https://infra.example.com")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "VERS_INFRA_URL and VERS_AUTH_TOKEN")
}

func TestLoad_RegistryEnabled(t *testing.T) {
	clearVersEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VERS_API_KEY", "test-key")
	t.Setenv("VERS_INFRA_URL", "https://infra.example.com")
	t.Setenv("VERS_AUTH_TOKEN", "infra-token")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.True(t, cfg.RegistryEnabled())
}

func TestLoad_CredentialsFallback(t *testing.T) {
	clearVersEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".vers"), 0o750))
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".vers", "keys.json"),
		[]byte(`{"keys": {"VERS_API_KEY": "from-file"}}`),
		0o600,
	))

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.VersAPIKey)
}

func TestLoad_EnvOverridesCredentialsFallback(t *testing.T) {
	clearVersEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".vers"), 0o750))
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".vers", "keys.json"),
		[]byte(`{"keys": {"VERS_API_KEY": "from-file"}}`),
		0o600,
	))
	t.Setenv("VERS_API_KEY", "from-env")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.VersAPIKey)
}

func TestLoad_ProviderKeysForwarded(t *testing.T) {
	clearVersEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VERS_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.ProviderKeys["ANTHROPIC_API_KEY"])
}

func TestLoad_CreatesDataDir(t *testing.T) {
	clearVersEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("VERS_API_KEY", "test-key")

	cfg, err := config.Load("")
	require.NoError(t, err)
	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSnapshotAndAuditLogPaths(t *testing.T) {
	clearVersEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("VERS_API_KEY", "test-key")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DataDir, "lieutenants.json"), cfg.SnapshotPath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "audit.db"), cfg.AuditLogPath())
}
