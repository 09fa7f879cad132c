// Package config loads the daemon's YAML configuration (§6), layered with
// CLI flag and environment-variable overrides via viper, mirroring the
// teacher's viper-driven profile wiring but reading YAML as the primary
// document format the spec requires.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/assistantd/internal/idlereaper"
)

// Owner identifies the daemon's principal user. Load requires both fields;
// neither is consulted when a sender's tier is resolved.
type Owner struct {
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
}

// Config is the daemon's full configuration document (§6).
type Config struct {
	Owner          Owner             `yaml:"owner"`
	DataDir        string            `yaml:"data_dir"`
	RegistryPath   string            `yaml:"registry_path"`
	SocketPath     string            `yaml:"socket_path"`
	MaxIdleMinutes int               `yaml:"max_idle_minutes"`
	MetricsAddr    string            `yaml:"metrics_addr"`
	ContactsDBPath string            `yaml:"contacts_db_path"`
	HistoryDBPath  string            `yaml:"history_db_path"`
	AgentBinary    string            `yaml:"agent_binary"`
	Tiers          map[string]string `yaml:"tiers"` // identifier -> tier name; parsed, but no component reads it

	// TelegramBotToken, when set, starts the Telegram ingress reader — a
	// stand-in test/voice-demo ingestion backend for deployments without a
	// real iMessage/Signal bridge installed.
	TelegramBotToken string `yaml:"telegram_bot_token"`
}

// Load reads a YAML config file from path, then layers viper-bound CLI
// flags and environment variables (ASSISTANTD_* prefix) on top for the
// fields applyViperOverrides binds (data dir, registry and socket paths,
// idle limit, metrics address, agent binary, owner, Telegram bot token).
// The contacts and history database paths and the tier map come only from
// the file.
func Load(path string, v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:        "./data",
		RegistryPath:   "./data/registry.json",
		SocketPath:     "/tmp/claude-assistant.sock",
		MaxIdleMinutes: int(idlereaper.DefaultMaxIdle.Minutes()),
		MetricsAddr:    ":9090",
		ContactsDBPath: "./data/contacts.db",
		HistoryDBPath:  "./data/history.db",
		AgentBinary:    "claude",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyViperOverrides(cfg, v)

	if cfg.Owner.Name == "" || cfg.Owner.Phone == "" {
		return nil, fmt.Errorf("config: owner.name and owner.phone are required")
	}
	return cfg, nil
}

func applyViperOverrides(cfg *Config, v *viper.Viper) {
	if v == nil {
		return
	}
	if s := v.GetString("data-dir"); s != "" {
		cfg.DataDir = s
	}
	if s := v.GetString("registry-path"); s != "" {
		cfg.RegistryPath = s
	}
	if s := v.GetString("socket-path"); s != "" {
		cfg.SocketPath = s
	}
	if n := v.GetInt("max-idle-minutes"); n != 0 {
		cfg.MaxIdleMinutes = n
	}
	if s := v.GetString("metrics-addr"); s != "" {
		cfg.MetricsAddr = s
	}
	if s := v.GetString("agent-binary"); s != "" {
		cfg.AgentBinary = s
	}
	if s := v.GetString("owner-name"); s != "" {
		cfg.Owner.Name = s
	}
	if s := v.GetString("owner-phone"); s != "" {
		cfg.Owner.Phone = s
	}
	if s := v.GetString("telegram-bot-token"); s != "" {
		cfg.TelegramBotToken = s
	}
}
