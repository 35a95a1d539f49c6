// Package config loads node configuration from a file, AICOORD_* environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "AICOORD"

const (
	BackendMemory    = "memory"
	BackendDynamoDB  = "dynamodb"
	BackendJetStream = "jetstream"

	MatcherOpenAI  = "openai"
	MatcherKeyword = "keyword"
)

type Config struct {
	Node      NodeConfig
	HTTP      HTTPConfig
	NATS      NATSConfig
	Store     StoreConfig
	Matcher   MatcherConfig
	OpenAI    OpenAIConfig
	Catalog   CatalogConfig
	Execution ExecutionConfig
	Dispatch  DispatchConfig
	Provider  ProviderConfig
	Log       LogConfig
}

type NodeConfig struct {
	Name string
	// PrivateKey is a hex key or an ssm: parameter reference.
	PrivateKey string
}

type HTTPConfig struct {
	Listen string
}

type NATSConfig struct {
	URL string
}

type StoreConfig struct {
	Backend string
	Table   string
	Bucket  string
}

type MatcherConfig struct {
	Kind string
}

type OpenAIConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	APIKeyParam string
}

type CatalogConfig struct {
	// Path is empty for the embedded default catalog.
	Path string
}

type ExecutionConfig struct {
	Timeout     time.Duration
	MaxAttempts int
}

type DispatchConfig struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type ProviderConfig struct {
	Listen       string
	IDs          []string
	Coordinators []string
}

type LogConfig struct {
	Level string
}

// Defaults registers the default value of every key on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("node.name", "ai-coordinator")
	v.SetDefault("node.private_key", "")
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.table", "")
	v.SetDefault("store.bucket", "ai-sessions")
	v.SetDefault("matcher.kind", MatcherKeyword)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.api_key_param", "")
	v.SetDefault("catalog.path", "")
	v.SetDefault("execution.timeout", 2*time.Minute)
	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("dispatch.timeout", 10*time.Second)
	v.SetDefault("dispatch.max_retries", 2)
	v.SetDefault("dispatch.backoff", 500*time.Millisecond)
	v.SetDefault("provider.listen", ":8090")
	v.SetDefault("provider.id", []string{})
	v.SetDefault("provider.coordinators", []string{})
	v.SetDefault("log.level", "info")
}

// Load reads configuration into a Config. path may be empty; a missing file
// at an explicit path is an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		Node: NodeConfig{
			Name:       v.GetString("node.name"),
			PrivateKey: strings.TrimSpace(v.GetString("node.private_key")),
		},
		HTTP:  HTTPConfig{Listen: v.GetString("http.listen")},
		NATS:  NATSConfig{URL: v.GetString("nats.url")},
		Store: StoreConfig{Backend: strings.ToLower(v.GetString("store.backend")), Table: v.GetString("store.table"), Bucket: v.GetString("store.bucket")},
		Matcher: MatcherConfig{
			Kind: strings.ToLower(v.GetString("matcher.kind")),
		},
		OpenAI: OpenAIConfig{
			BaseURL:     v.GetString("openai.base_url"),
			Model:       v.GetString("openai.model"),
			APIKey:      v.GetString("openai.api_key"),
			APIKeyParam: v.GetString("openai.api_key_param"),
		},
		Catalog: CatalogConfig{Path: v.GetString("catalog.path")},
		Execution: ExecutionConfig{
			Timeout:     v.GetDuration("execution.timeout"),
			MaxAttempts: v.GetInt("execution.max_attempts"),
		},
		Dispatch: DispatchConfig{
			Timeout:    v.GetDuration("dispatch.timeout"),
			MaxRetries: v.GetInt("dispatch.max_retries"),
			Backoff:    v.GetDuration("dispatch.backoff"),
		},
		Provider: ProviderConfig{
			Listen:       v.GetString("provider.listen"),
			IDs:          splitList(v.GetStringSlice("provider.id")),
			Coordinators: splitList(v.GetStringSlice("provider.coordinators")),
		},
		Log: LogConfig{Level: strings.ToLower(v.GetString("log.level"))},
	}
	return cfg, nil
}

// Validate checks the settings needed to run a coordinator.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			errs = append(errs, errors.New("store.table is required for the dynamodb backend"))
		}
	case BackendJetStream:
		if strings.TrimSpace(c.Store.Bucket) == "" {
			errs = append(errs, errors.New("store.bucket is required for the jetstream backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Matcher.Kind {
	case MatcherKeyword:
	case MatcherOpenAI:
		if c.OpenAI.APIKey == "" && c.OpenAI.APIKeyParam == "" {
			errs = append(errs, errors.New("openai.api_key or openai.api_key_param is required for the openai matcher"))
		}
		if strings.TrimSpace(c.OpenAI.Model) == "" {
			errs = append(errs, errors.New("openai.model must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown matcher.kind %q", c.Matcher.Kind))
	}
	if c.Execution.Timeout <= 0 {
		errs = append(errs, errors.New("execution.timeout must be positive"))
	}
	if c.Execution.MaxAttempts <= 0 {
		errs = append(errs, errors.New("execution.max_attempts must be positive"))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return l, nil
}

// splitList accepts both list values and comma separated env values.
func splitList(in []string) []string {
	out := []string{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
