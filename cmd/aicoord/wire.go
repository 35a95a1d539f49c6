package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"ai-coordinator/internal/catalog"
	"ai-coordinator/internal/config"
	"ai-coordinator/internal/integrations/openai"
	"ai-coordinator/internal/integrations/paramstore"
	"ai-coordinator/internal/matcher"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/signature"
)

// awsDeps loads the AWS SDK config on first use so that local runs with the
// memory backend and literal keys never touch AWS.
type awsDeps struct {
	once   sync.Once
	cfg    aws.Config
	err    error
	params *paramstore.Client
}

func (a *awsDeps) config(ctx context.Context) (aws.Config, error) {
	a.once.Do(func() {
		a.cfg, a.err = awsconfig.LoadDefaultConfig(ctx)
		if a.err != nil {
			a.err = fmt.Errorf("load AWS config: %w", a.err)
			return
		}
		a.params, a.err = paramstore.New(awsssm.NewFromConfig(a.cfg))
	})
	return a.cfg, a.err
}

func (a *awsDeps) paramStore(ctx context.Context) (*paramstore.Client, error) {
	if _, err := a.config(ctx); err != nil {
		return nil, err
	}
	return a.params, nil
}

// loadWallet resolves node.private_key. An empty key yields an ephemeral
// wallet, which is only useful for local runs.
func loadWallet(ctx context.Context, cfg config.Config, deps *awsDeps, logger *slog.Logger) (*signature.Wallet, error) {
	key := cfg.Node.PrivateKey
	if key == "" {
		w, err := signature.GenerateWallet()
		if err != nil {
			return nil, err
		}
		logger.Warn("node.private_key not set; using an ephemeral wallet", "address", w.Address())
		return w, nil
	}
	var getter paramstore.Getter
	if paramstore.IsRef(key) {
		ps, err := deps.paramStore(ctx)
		if err != nil {
			return nil, err
		}
		getter = ps
	}
	resolved, err := paramstore.Resolve(ctx, getter, key)
	if err != nil {
		return nil, fmt.Errorf("resolve node.private_key: %w", err)
	}
	return signature.NewWallet(resolved)
}

func connectNATS(cfg config.Config, suffix string) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Node.Name+suffix), nats.NoEcho())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.NATS.URL, err)
	}
	return nc, nil
}

func openKV(ctx context.Context, cfg config.Config, deps *awsDeps, nc *nats.Conn) (repository.KV, error) {
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := deps.config(ctx)
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoKV(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.Table)
	case config.BackendJetStream:
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("open jetstream: %w", err)
		}
		return repository.OpenJetStreamKV(ctx, js, cfg.Store.Bucket)
	default:
		return repository.NewMemoryKV(), nil
	}
}

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	if strings.TrimSpace(cfg.Catalog.Path) == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.Catalog.Path)
}

func newMatcher(ctx context.Context, cfg config.Config, cat *catalog.Catalog, deps *awsDeps, logger *slog.Logger) (matcher.Matcher, error) {
	if cfg.Matcher.Kind != config.MatcherOpenAI {
		return matcher.NewKeyword(cat)
	}
	opts := []openai.Option{openai.WithBaseURL(cfg.OpenAI.BaseURL)}
	if cfg.OpenAI.APIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAI.APIKey))
	} else {
		ps, err := deps.paramStore(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, openai.WithParamStore(ps, cfg.OpenAI.APIKeyParam))
	}
	client, err := openai.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return matcher.NewLLM(client, cat, cfg.OpenAI.Model, logger)
}
