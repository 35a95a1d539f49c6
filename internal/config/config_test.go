package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, MatcherKeyword, cfg.Matcher.Kind)
	require.Equal(t, 2*time.Minute, cfg.Execution.Timeout)
	require.Equal(t, 3, cfg.Execution.MaxAttempts)
	require.Equal(t, 2, cfg.Dispatch.MaxRetries)
	require.Empty(t, cfg.Provider.IDs)
	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[node]
name = "coord-1"
private_key = "ssm:/aicoord/key"

[store]
backend = "dynamodb"
table = "sessions"

[execution]
timeout = "30s"
max_attempts = 5

[provider]
id = ["1", "2"]
`), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "coord-1", cfg.Node.Name)
	require.Equal(t, "ssm:/aicoord/key", cfg.Node.PrivateKey)
	require.Equal(t, BackendDynamoDB, cfg.Store.Backend)
	require.Equal(t, "sessions", cfg.Store.Table)
	require.Equal(t, 30*time.Second, cfg.Execution.Timeout)
	require.Equal(t, 5, cfg.Execution.MaxAttempts)
	require.Equal(t, []string{"1", "2"}, cfg.Provider.IDs)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("AICOORD_STORE_BACKEND", "JetStream")
	t.Setenv("AICOORD_NATS_URL", "nats://bus:4222")
	t.Setenv("AICOORD_PROVIDER_COORDINATORS", "0xAA, 0xbb")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, BackendJetStream, cfg.Store.Backend)
	require.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	require.Equal(t, []string{"0xAA", "0xbb"}, cfg.Provider.Coordinators)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "backend", mutate: func(c *Config) { c.Store.Backend = "redis" }, want: "store.backend"},
		{name: "table", mutate: func(c *Config) { c.Store.Backend = BackendDynamoDB; c.Store.Table = "" }, want: "store.table"},
		{name: "bucket", mutate: func(c *Config) { c.Store.Backend = BackendJetStream; c.Store.Bucket = " " }, want: "store.bucket"},
		{name: "matcher", mutate: func(c *Config) { c.Matcher.Kind = "magic" }, want: "matcher.kind"},
		{name: "openai key", mutate: func(c *Config) { c.Matcher.Kind = MatcherOpenAI }, want: "openai.api_key"},
		{name: "timeout", mutate: func(c *Config) { c.Execution.Timeout = 0 }, want: "execution.timeout"},
		{name: "attempts", mutate: func(c *Config) { c.Execution.MaxAttempts = 0 }, want: "execution.max_attempts"},
		{name: "dispatch timeout", mutate: func(c *Config) { c.Dispatch.Timeout = -time.Second }, want: "dispatch.timeout"},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(viper.New(), "")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, l)
}
