package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"ai-coordinator/handler"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	kv, err := repository.NewDynamoKV(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	store, err := repository.NewSessionStore(kv)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	// No bus connection here, so /getPeers reports an empty list.
	inspector, err := usecase.NewInspector(store, nil)
	if err != nil {
		slog.Error("failed to create inspector", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(inspector)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
