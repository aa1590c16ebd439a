package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

type ProviderConfig struct {
	Binary          string `json:"binary"`
	CredentialsPath string `json:"credentialsPath"`
	Disabled        bool   `json:"disabled"`
}

type CopilotConfig struct {
	BaseURL   string `json:"baseUrl"`
	TokenPath string `json:"tokenPath"`
	Disabled  bool   `json:"disabled"`
}

type Config struct {
	LogDir              string         `json:"logDir"`
	LogLevel            string         `json:"logLevel"`
	HistoryDB           string         `json:"historyDb"`
	HistoryDays         int            `json:"historyDays"`
	PollIntervalSeconds int            `json:"pollIntervalSeconds"`
	ProbeTimeoutSeconds int            `json:"probeTimeoutSeconds"`
	Claude              ProviderConfig `json:"claude"`
	Codex               ProviderConfig `json:"codex"`
	Gemini              ProviderConfig `json:"gemini"`
	Copilot             CopilotConfig  `json:"copilot"`
}

func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LogDir:              filepath.Join(home, ".quotawatch", "logs"),
		LogLevel:            "info",
		HistoryDB:           filepath.Join(home, ".quotawatch", "history.db"),
		HistoryDays:         30,
		PollIntervalSeconds: 300,
		ProbeTimeoutSeconds: 60,
		Claude:              ProviderConfig{Binary: "claude"},
		Codex:               ProviderConfig{Binary: "codex"},
		Gemini:              ProviderConfig{Binary: "gemini"},
	}
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".quotawatch", "config.json")
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// Load reads path over Defaults. A missing file is not an error; a present
// but unreadable or malformed file is.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
