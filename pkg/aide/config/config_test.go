package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "aide", cfg.Name)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 23, cfg.Cron.Quiet.Start)
	assert.Equal(t, 7, cfg.Cron.Quiet.End)
	assert.Equal(t, 10.0, cfg.Budget.DailyUSD)
	assert.Equal(t, 300, cfg.Chat.ComposingTimeoutSec)
	assert.Equal(t, 40, cfg.Chat.HistoryMax)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrent)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: jarvis
budget:
  daily_usd: 25
channels:
  whatsapp:
    enabled: true
    owner: "5511999998888"
`))
	require.NoError(t, err)

	assert.Equal(t, "jarvis", cfg.Name)
	assert.Equal(t, 25.0, cfg.Budget.DailyUSD)
	assert.True(t, cfg.Channels.WhatsApp.Enabled)
	assert.Equal(t, "5511999998888", cfg.Channels.WhatsApp.Owner)
	// Untouched defaults survive.
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 23, cfg.Cron.Quiet.Start)
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("AIDE_TEST_OWNER", "4479000000000")

	cfg, err := Parse([]byte(`
channels:
  whatsapp:
    owner: "${AIDE_TEST_OWNER}"
`))
	require.NoError(t, err)
	assert.Equal(t, "4479000000000", cfg.Channels.WhatsApp.Owner)
}

func TestParse_UnsetVariableBecomesEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`name: "${AIDE_TEST_DEFINITELY_UNSET}"`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Name)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("name: [unclosed"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Name = "round-trip"
	cfg.Tools = map[string][]string{"weather": {"curl", "-s", "https://wttr.in"}}
	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", loaded.Name)
	assert.Equal(t, []string{"curl", "-s", "https://wttr.in"}, loaded.Tools["weather"])
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFile_DotEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("AIDE_TEST_NAME=from-dotenv\n"), 0o644))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: "${AIDE_TEST_NAME}"`), 0o644))
	t.Cleanup(func() { os.Unsetenv("AIDE_TEST_NAME") })

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Name)
}

func TestSoulText(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.SoulText(), "no soul file configured")

	cfg.SoulFile = filepath.Join(t.TempDir(), "missing.md")
	assert.Empty(t, cfg.SoulText(), "missing file tolerated")

	path := filepath.Join(t.TempDir(), "soul.md")
	require.NoError(t, os.WriteFile(path, []byte("  You are aide.\n\n"), 0o644))
	cfg.SoulFile = path
	assert.Equal(t, "You are aide.", cfg.SoulText())
}
