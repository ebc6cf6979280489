// Package rpconfig loads and atomically persists the proxy's policy configuration
// file, distinct from the process-level environment configuration in package config.
// Layout follows spec.md §6: config.json + .bak + .tmp, a sibling credentials.json
// that is never mixed with policy config.
package rpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// CacheConfig mirrors the Response Cache's persisted policy knobs. Mode
// selects the keying algorithm independent of the router's passthrough/
// complexity/cascade mode — the two subsystems are configured separately.
type CacheConfig struct {
	Enabled               bool              `json:"enabled"`
	Mode                  string            `json:"mode"` // exact|aggressive
	OnlyWhenDeterministic bool              `json:"onlyWhenDeterministic"`
	ExactTTLSeconds       int               `json:"exactTtlSeconds"`
	AggressiveTTLSeconds  int               `json:"aggressiveTtlSeconds"`
	TaskTypeTTLSeconds    map[string]int    `json:"taskTypeTtlSeconds"`
	MaxMemoryBytes        int64             `json:"maxMemoryBytes"`
}

// BudgetConfig mirrors the Budget Manager's persisted policy knobs.
type BudgetConfig struct {
	Enabled            bool           `json:"enabled"`
	DailyUSD           float64        `json:"dailyUsd"`
	HourlyUSD          float64        `json:"hourlyUsd"`
	OnBreach           string         `json:"onBreach"` // block|warn|downgrade|alert
	ThresholdsPercent  []int          `json:"thresholdsPercent"`
	DowngradeThreshold float64        `json:"downgradeThreshold"`
	DowngradeMapping   map[string]string `json:"downgradeMapping"`
}

// RoutingConfig mirrors the Router's persisted policy knobs.
type RoutingConfig struct {
	Mode           string            `json:"mode"` // passthrough|complexity|cascade
	TierModels     map[string]string `json:"tierModels"`
	CascadeModels  []string          `json:"cascadeModels"`
	MaxEscalations int               `json:"maxEscalations"`
	Overrides      map[string]string `json:"overrides"`
}

// CooldownConfig mirrors the Provider Cooldown Tracker's persisted policy knobs.
type CooldownConfig struct {
	AllowedFails    int `json:"allowedFails"`
	WindowSeconds   int `json:"windowSeconds"`
	CooldownSeconds int `json:"cooldownSeconds"`
}

// Config is the full persisted policy document at ~/.relayplane/config.json.
type Config struct {
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Cache    CacheConfig    `json:"cache"`
	Budget   BudgetConfig   `json:"budget"`
	Routing  RoutingConfig  `json:"routing"`
	Cooldown CooldownConfig `json:"cooldown"`
}

// Credentials is the sibling file holding the RelayPlane API key; it survives
// config resets and is never written alongside Config.
type Credentials struct {
	RelayPlaneAPIKey string `json:"relayplaneApiKey"`
}

// Default returns the out-of-box configuration.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 4100,
		Cache: CacheConfig{
			Enabled:               true,
			Mode:                  "exact",
			OnlyWhenDeterministic: true,
			ExactTTLSeconds:       3600,
			AggressiveTTLSeconds:  1800,
			TaskTypeTTLSeconds:    map[string]int{},
			MaxMemoryBytes:        100 * 1024 * 1024,
		},
		Budget: BudgetConfig{
			Enabled:           false,
			OnBreach:          "block",
			ThresholdsPercent: []int{50, 80, 95},
			DowngradeMapping:  map[string]string{},
		},
		Routing: RoutingConfig{
			Mode:           "passthrough",
			TierModels:     map[string]string{},
			MaxEscalations: 2,
			Overrides:      map[string]string{},
		},
		Cooldown: CooldownConfig{
			AllowedFails:    5,
			WindowSeconds:   60,
			CooldownSeconds: 120,
		},
	}
}

// Dir returns the directory config.json and its siblings live under, honoring
// RELAYPLANE_CONFIG_PATH as an override for the config.json path itself.
func Dir() (string, error) {
	if p := os.Getenv("RELAYPLANE_CONFIG_PATH"); p != "" {
		return filepath.Dir(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayplane"), nil
}

func configPath(dir string) string {
	if p := os.Getenv("RELAYPLANE_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(dir, "config.json")
}

// Load reads config.json, falling back to config.json.bak on parse/read
// failure, and to a fresh Default() (preserving any existing credentials) if
// both fail. log is used to report degraded-mode fallbacks once.
func Load(log zerolog.Logger) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return Default(), err
	}
	path := configPath(dir)

	if cfg, err := readConfig(path); err == nil {
		return cfg, nil
	}

	bakPath := path + ".bak"
	if cfg, err := readConfig(bakPath); err == nil {
		log.Warn().Str("path", path).Msg("config.json unreadable, restored from .bak")
		return cfg, nil
	}

	log.Warn().Str("path", path).Msg("no usable config found, writing default config")
	cfg := Default()
	if err := os.MkdirAll(dir, 0o700); err == nil {
		_ = Save(cfg, dir)
	}
	return cfg, nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save atomically persists cfg: write to .tmp, copy the current .json to .bak,
// then rename .tmp over .json.
func Save(cfg *Config, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := configPath(dir)
	tmpPath := path + ".tmp"
	bakPath := path + ".bak"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(bakPath, existing, 0o600)
	}

	return os.Rename(tmpPath, path)
}

// LoadCredentials reads credentials.json; a missing file is not an error, it
// simply returns an empty Credentials.
func LoadCredentials() (*Credentials, error) {
	dir, err := Dir()
	if err != nil {
		return &Credentials{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "credentials.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{}, nil
		}
		return &Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return &Credentials{}, err
	}
	return &creds, nil
}

// SaveCredentials persists credentials.json, independent of and never mixed
// with config.json.
func SaveCredentials(creds *Credentials) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "credentials.json"), data, 0o600)
}
