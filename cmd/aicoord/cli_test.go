package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"ai-coordinator/internal/catalog"
	"ai-coordinator/internal/config"
	"ai-coordinator/internal/matcher"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/signature"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestKeygen_WritesLoadableKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.toml")

	stdout, _, err := executeCLI(t, "keygen", "--out", path)
	require.NoError(t, err)
	address := strings.TrimSpace(stdout)
	require.True(t, strings.HasPrefix(address, "0x"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(keyFileMode), info.Mode().Perm())

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)
	w, err := signature.NewWallet(cfg.Node.PrivateKey)
	require.NoError(t, err)
	require.Equal(t, address, w.Address())
}

func TestKeygen_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))

	_, _, err := executeCLI(t, "keygen", "--out", path)
	require.ErrorContains(t, err, "already exists")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "keep", string(data))

	_, _, err = executeCLI(t, "keygen", "--out", path, "--force")
	require.NoError(t, err)
}

func TestKeygen_Stdout(t *testing.T) {
	stdout, _, err := executeCLI(t, "keygen", "--out", "-")
	require.NoError(t, err)

	var kf keyFile
	require.NoError(t, toml.Unmarshal([]byte(stdout), &kf))
	w, err := signature.NewWallet(kf.Node.PrivateKey)
	require.NoError(t, err)
	require.Equal(t, kf.Node.Address, w.Address())
}

func TestServe_InvalidConfig(t *testing.T) {
	t.Setenv("AICOORD_STORE_BACKEND", "redis")
	_, _, err := executeCLI(t, "serve")
	require.ErrorContains(t, err, "store.backend")
}

func TestProvider_MissingConfigFile(t *testing.T) {
	_, _, err := executeCLI(t, "provider", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadWallet_LiteralKey(t *testing.T) {
	w, err := signature.GenerateWallet()
	require.NoError(t, err)
	cfg := config.Config{Node: config.NodeConfig{PrivateKey: w.PrivateKeyHex()}}

	got, err := loadWallet(context.Background(), cfg, &awsDeps{}, newLogger(cfg, &bytes.Buffer{}))
	require.NoError(t, err)
	require.Equal(t, w.Address(), got.Address())
}

func TestLoadWallet_EphemeralWhenUnset(t *testing.T) {
	var logs bytes.Buffer
	cfg := config.Config{Log: config.LogConfig{Level: "info"}}
	got, err := loadWallet(context.Background(), cfg, &awsDeps{}, newLogger(cfg, &logs))
	require.NoError(t, err)
	require.NotEmpty(t, got.Address())
	require.Contains(t, logs.String(), "ephemeral")
}

func TestOpenKV_Memory(t *testing.T) {
	kv, err := openKV(context.Background(), config.Config{Store: config.StoreConfig{Backend: config.BackendMemory}}, &awsDeps{}, nil)
	require.NoError(t, err)
	require.IsType(t, &repository.MemoryKV{}, kv)
}

func TestNewMatcher_Keyword(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	m, err := newMatcher(context.Background(), config.Config{Matcher: config.MatcherConfig{Kind: config.MatcherKeyword}}, cat, &awsDeps{}, nil)
	require.NoError(t, err)
	require.IsType(t, &matcher.Keyword{}, m)
}

func TestNewMatcher_OpenAIWithLiteralKey(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	cfg := config.Config{
		Matcher: config.MatcherConfig{Kind: config.MatcherOpenAI},
		OpenAI:  config.OpenAIConfig{BaseURL: "http://127.0.0.1:1", Model: "gpt-4o-mini", APIKey: "sk-test"},
	}
	m, err := newMatcher(context.Background(), cfg, cat, &awsDeps{}, nil)
	require.NoError(t, err)
	require.IsType(t, &matcher.LLM{}, m)
}

func TestLoadCatalog_Default(t *testing.T) {
	cat, err := loadCatalog(config.Config{})
	require.NoError(t, err)
	_, ok := cat.Provider("1")
	require.True(t, ok)
}
