package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultSystemPrompt is the persona shown in the prompt editor on first load.
const DefaultSystemPrompt = "You are an advanced AI assistant named Jarvis, known for your intelligence, wit, and unwavering loyalty. " +
	"You communicate with a calm, polite, and respectful tone. " +
	"Your responses are efficient and precise, yet you exhibit a subtle, sophisticated sense of humor when appropriate. " +
	"You are knowledgeable in a wide range of topics, including technology, science, and day-to-day practicalities, " +
	"and you’re always ready to assist the user with insights, explanations, or problem-solving. " +
	"You prioritize the user’s needs and aim to make their life easier by providing clear, helpful, and occasionally witty responses."

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig    `mapstructure:"basic_config"`
	Provider    ProviderConfig `mapstructure:"provider"`
	Chat        ChatConfig     `mapstructure:"chat"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Redis       RedisConfig    `mapstructure:"redis"`
}

type BasicConfig struct {
	ServerAddress  string `mapstructure:"server_address"`
	DatabaseDriver string `mapstructure:"database_driver"`
	// DatabasePath is a file path for sqlite3 and a DSN for mysql.
	DatabasePath string `mapstructure:"database_path"`
}

type ProviderConfig struct {
	Name        string `mapstructure:"name"`
	BaseURL     string `mapstructure:"base_url"`
	Model       string `mapstructure:"model"`
	APIKeyEnv   string `mapstructure:"api_key_env"`
	SecretsFile string `mapstructure:"secrets_file"`
}

type ChatConfig struct {
	SystemPrompt string  `mapstructure:"system_prompt"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	TopP         float64 `mapstructure:"top_p"`
	// Rehydrate seeds the live conversation from the durable log at startup.
	Rehydrate bool `mapstructure:"rehydrate"`
}

type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ConfigurationError is fatal: the process cannot start without the missing setting.
type ConfigurationError struct {
	Setting string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Setting, e.Msg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8501")
	v.SetDefault("basic_config.database_driver", "sqlite3")
	v.SetDefault("basic_config.database_path", "chat_history.db")

	v.SetDefault("provider.name", "openai")
	v.SetDefault("provider.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("provider.model", "llama-3.2-90b-text-preview")
	v.SetDefault("provider.api_key_env", "GROQ_API_KEY")
	v.SetDefault("provider.secrets_file", ".streamlit/secrets.toml")

	v.SetDefault("chat.system_prompt", DefaultSystemPrompt)
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.max_tokens", 2048)
	v.SetDefault("chat.top_p", 1.0)
	v.SetDefault("chat.rehydrate", false)

	v.SetDefault("logging.dir", "./logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "jarvis:events")
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error; defaults, .env and JARVIS_* variables still apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JARVIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileRead := false
	v.SetConfigFile(absPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	} else {
		fileRead = true
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if fileRead && isSQLite(cfg.BasicConfig.DatabaseDriver) && !filepath.IsAbs(cfg.BasicConfig.DatabasePath) {
		cfg.BasicConfig.DatabasePath = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.DatabasePath)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BasicConfig.DatabasePath == "" {
		return &ConfigurationError{Setting: "basic_config.database_path", Msg: "must be configured"}
	}
	if c.Provider.Model == "" {
		return &ConfigurationError{Setting: "provider.model", Msg: "must be configured"}
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 1 {
		return &ConfigurationError{Setting: "chat.temperature", Msg: fmt.Sprintf("%.2f is outside [0, 1]", c.Chat.Temperature)}
	}
	if c.Chat.MaxTokens <= 0 {
		return &ConfigurationError{Setting: "chat.max_tokens", Msg: "must be positive"}
	}
	if c.Chat.TopP <= 0 || c.Chat.TopP > 1 {
		return &ConfigurationError{Setting: "chat.top_p", Msg: fmt.Sprintf("%.2f is outside (0, 1]", c.Chat.TopP)}
	}
	return nil
}

// ResolveAPIKey looks up the completion API credential: the secrets file first,
// then the environment variable named by provider.api_key_env.
func ResolveAPIKey(cfg *Config) (string, error) {
	name := cfg.Provider.APIKeyEnv
	if name == "" {
		name = "GROQ_API_KEY"
	}

	if key, err := readSecret(cfg.Provider.SecretsFile, name); err != nil {
		return "", err
	} else if key != "" {
		return key, nil
	}

	if key := strings.TrimSpace(os.Getenv(name)); key != "" {
		return key, nil
	}

	return "", &ConfigurationError{
		Setting: name,
		Msg:     "please set your LLM cloud platform API key in the environment variables or the secrets file",
	}
}

func readSecret(path, name string) (string, error) {
	if path == "" {
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat secrets file: %w", err)
	}
	sv := viper.New()
	sv.SetConfigFile(path)
	if err := sv.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read secrets file %s: %w", path, err)
	}
	return strings.TrimSpace(sv.GetString(name)), nil
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
