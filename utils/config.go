package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"

	"chathub/crypto"
)

// Config represents the process-wide configuration. Provider credentials, the
// pricing table and the encryption key are loaded once at startup; only the
// pricing table is hot-swapped at runtime (billing.Oracle owns that copy).
type Config struct {
	ActiveProvider string                    `json:"active_provider"`
	Providers      map[string]ProviderConfig `json:"providers"`

	// DefaultSystemPrompt is used when a user has no personal prompt set.
	// Empty means no system message is sent.
	DefaultSystemPrompt string `json:"default_system_prompt,omitempty"`

	// EncryptionKey is a hex-encoded 32-byte key generated on first run.
	// Replacing it makes every previously stored profile blob unreadable;
	// there is no rotation or re-encryption path.
	EncryptionKey string `json:"encryption_key"`

	Budget BudgetConfig `json:"budget"`
	Data   DataConfig   `json:"data"`

	// OptimizerModel is the cheap classifier model used to tune request
	// options before the primary call.
	OptimizerModel string `json:"optimizer_model,omitempty"`
}

// ProviderConfig represents one LLM provider's credentials and defaults.
type ProviderConfig struct {
	APIKey       string   `json:"api_key"`
	BaseURL      string   `json:"base_url"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models,omitempty"`
	Enabled      bool     `json:"enabled"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
}

// BudgetConfig holds spend ceilings. Nil means unlimited.
type BudgetConfig struct {
	GlobalMonthlyUSD  *float64 `json:"global_monthly_usd,omitempty"`
	PerUserMonthlyUSD *float64 `json:"per_user_monthly_usd,omitempty"`
	PerUserMonthlyPts *float64 `json:"per_user_monthly_points,omitempty"`
}

// DataConfig represents storage locations.
type DataConfig struct {
	StorePath   string `json:"store_path"`
	UsageDBPath string `json:"usage_db_path"`
	MaxHistory  int    `json:"max_history"`
}

// envOverrides are applied on top of the config file, prefix CHATHUB.
type envOverrides struct {
	ActiveProvider string `envconfig:"ACTIVE_PROVIDER"`
	StorePath      string `envconfig:"STORE_PATH"`
	UsageDBPath    string `envconfig:"USAGE_DB_PATH"`
	DummyMode      bool   `envconfig:"DUMMY_MODE"`
}

// LoadConfig loads configuration from file and applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("chathub", &env); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if env.ActiveProvider != "" {
		config.ActiveProvider = env.ActiveProvider
	}
	if env.StorePath != "" {
		config.Data.StorePath = env.StorePath
	}
	if env.UsageDBPath != "" {
		config.Data.UsageDBPath = env.UsageDBPath
	}
	if env.DummyMode {
		config.ActiveProvider = "dummy"
	}

	if config.Data.StorePath != "" {
		config.Data.StorePath = expandPath(config.Data.StorePath)
	}
	if config.Data.UsageDBPath != "" {
		config.Data.UsageDBPath = expandPath(config.Data.UsageDBPath)
	}
	if config.Data.MaxHistory == 0 {
		config.Data.MaxHistory = 50
	}

	return &config, nil
}

// SaveConfig saves configuration to file.
func SaveConfig(configPath string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Credentials and the encryption key live here.
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ and relative paths
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err == nil {
		return absPath
	}

	return path
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "./config/default.json"
	}

	return filepath.Join(configDir, "chathub", "config.json")
}

// EnsureDefaultConfig creates a default config file if it doesn't exist,
// generating the encryption key on first run.
func EnsureDefaultConfig() (string, error) {
	configPath := GetConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}

	defaultConfig := &Config{
		ActiveProvider: "openai",
		Providers: map[string]ProviderConfig{
			"openai": {
				APIKey:       "",
				BaseURL:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
				Models: []string{
					"gpt-4o",
					"gpt-4o-mini",
					"gpt-3.5-turbo",
				},
				Enabled: true,
			},
			"deepseek": {
				APIKey:       "",
				BaseURL:      "https://api.deepseek.com/v1",
				DefaultModel: "deepseek-chat",
				Models: []string{
					"deepseek-chat",
					"deepseek-reasoner",
				},
				Enabled: false,
			},
			"poe": {
				APIKey:       "",
				BaseURL:      "https://api.poe.com/v1",
				DefaultModel: "assistant",
				Enabled:      false,
			},
			"claude": {
				APIKey:       "",
				BaseURL:      "https://api.anthropic.com/v1",
				DefaultModel: "claude-3-5-sonnet-20241022",
				Models: []string{
					"claude-3-5-sonnet-20241022",
					"claude-3-5-haiku-20241022",
					"claude-3-opus-20240229",
				},
				MaxTokens:   4096,
				Temperature: 0.7,
				Enabled:     false,
			},
			"gemini": {
				APIKey:       "",
				BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
				DefaultModel: "gemini-1.5-flash",
				Models: []string{
					"gemini-1.5-flash",
					"gemini-1.5-pro",
					"gemini-2.0-flash-exp",
				},
				MaxTokens:   8192,
				Temperature: 0.7,
				Enabled:     false,
			},
			"dummy": {
				DefaultModel: "dummy-gpt-lite",
				Enabled:      true,
			},
		},
		EncryptionKey: key,
		Data: DataConfig{
			StorePath:   "./data/profiles.bolt",
			UsageDBPath: "./data/usage.db",
			MaxHistory:  50,
		},
		OptimizerModel: "gpt-4o-mini",
	}

	if err := SaveConfig(configPath, defaultConfig); err != nil {
		return "", err
	}

	return configPath, nil
}
