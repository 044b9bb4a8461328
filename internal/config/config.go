package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Completion CompletionConfig
	Ollama     OllamaConfig
	Gemini     GeminiConfig
	Storage    StorageConfig
	Server     ServerConfig
	Jobs       JobsConfig
	Log        LogConfig
}

// CompletionConfig selects the chat backend. BaseURL, Model and APIKey apply
// to the OpenAI-compatible provider.
type CompletionConfig struct {
	Provider         string
	BaseURL          string
	Model            string
	APIKey           string
	SystemPrompt     string
	MaxConversations int
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type GeminiConfig struct {
	Model  string
	APIKey string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	RedisAddr   string
	PostgresDSN string
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type JobsConfig struct {
	Concurrency int
	UseCache    bool
}

type LogConfig struct {
	Level string
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"

	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

const defaultSystemPrompt = "You are an experienced travel guide. Answer as concisely as possible."

func defaults() Config {
	return Config{
		Completion: CompletionConfig{
			Provider:         ProviderOpenAI,
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4o-mini",
			SystemPrompt:     defaultSystemPrompt,
			MaxConversations: 256,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Storage: StorageConfig{
			Driver:    DriverSQLite,
			DataDir:   defaultDataDir(),
			RedisAddr: "localhost:6379",
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Jobs: JobsConfig{
			Concurrency: 4,
			UseCache:    true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the JSON config file at
// $XDG_CONFIG_HOME/tripseed/config.json, TRIPSEED_* environment variables
// and, for secrets still unset, $XDG_DATA_HOME/tripseed/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that makes the configuration unusable.
func (c Config) Validate() error {
	switch c.Completion.Provider {
	case ProviderOpenAI:
		if c.Completion.APIKey == "" {
			return missingSecret("completion.api_key")
		}
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			return missingSecret("gemini.api_key")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown completion.provider %q (want %s)", c.Completion.Provider,
			strings.Join([]string{ProviderOpenAI, ProviderOllama, ProviderGemini}, ", "))
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverRedis:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return missingSecret("storage.postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want %s)", c.Storage.Driver,
			strings.Join([]string{DriverSQLite, DriverRedis, DriverPostgres}, ", "))
	}

	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("jobs.concurrency must be at least 1, got %d", c.Jobs.Concurrency)
	}
	if c.Completion.MaxConversations < 1 {
		return fmt.Errorf("completion.max_conversations must be at least 1, got %d", c.Completion.MaxConversations)
	}
	return nil
}

func missingSecret(key string) error {
	env := ""
	for _, s := range specs {
		if s.key == key {
			env = s.env
		}
	}
	return fmt.Errorf("missing required config: %s. Set it via environment variable %s or `tripseed config set --secret %s <value>`", key, env, key)
}
