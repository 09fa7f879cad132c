package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "owner:\n  name: Ann\n  phone: \"+15555551234\"\n")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "/tmp/claude-assistant.sock", cfg.SocketPath)
	assert.Equal(t, "claude", cfg.AgentBinary)
}

func TestLoadRequiresOwner(t *testing.T) {
	path := writeConfig(t, "data_dir: ./somewhere\n")
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestLoadMissingFileStartsFromDefaultsPlusOverrides(t *testing.T) {
	v := viper.New()
	v.Set("owner-name", "Ann")
	v.Set("owner-phone", "+15555551234")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), v)
	require.NoError(t, err)
	assert.Equal(t, "Ann", cfg.Owner.Name)
}

func TestViperOverridesYAML(t *testing.T) {
	path := writeConfig(t, "owner:\n  name: Ann\n  phone: \"+15555551234\"\nsocket_path: /tmp/from-yaml.sock\n")
	v := viper.New()
	v.Set("socket-path", "/tmp/from-flag.sock")
	cfg, err := Load(path, v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-flag.sock", cfg.SocketPath)
}

func TestTelegramBotTokenOverride(t *testing.T) {
	path := writeConfig(t, "owner:\n  name: Ann\n  phone: \"+15555551234\"\n")
	v := viper.New()
	v.Set("telegram-bot-token", "secret-token")
	cfg, err := Load(path, v)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.TelegramBotToken)
}
