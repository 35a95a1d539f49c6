package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ai-coordinator/internal/catalog"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/integrations/openai"
)

// FlaggedContent is returned to consumers whose prompt fails moderation.
const FlaggedContent = "I am sorry, but I can't help with that request."

// LLMClient is the chat and moderation API used by LLM.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, format *openai.ResponseFormat) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// LLM matches prompts with a chat model constrained to a JSON schema.
// References the catalog does not know are dropped.
type LLM struct {
	client  LLMClient
	catalog *catalog.Catalog
	model   string
	logger  *slog.Logger
}

// NewLLM creates an LLM matcher.
func NewLLM(client LLMClient, cat *catalog.Catalog, model string, logger *slog.Logger) (*LLM, error) {
	if client == nil {
		return nil, errors.New("matcher: llm client must not be nil")
	}
	if cat == nil {
		return nil, errors.New("matcher: catalog must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("matcher: model must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{client: client, catalog: cat, model: model, logger: logger}, nil
}

func (m *LLM) Match(ctx context.Context, prompt string) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, errors.New("matcher: empty prompt")
	}

	flagged, err := m.client.Moderate(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("matcher: moderation: %w", err)
	}
	if flagged {
		return Result{Content: FlaggedContent}, nil
	}

	raw, err := m.client.Chat(ctx, m.model, buildPromptMessages(m.catalog.Describe(), prompt), openai.JSONSchema("service_match", serviceMatchSchema))
	if err != nil {
		return Result{}, fmt.Errorf("matcher: chat: %w", err)
	}
	decision, err := parseServiceMatch(raw)
	if err != nil {
		return Result{}, err
	}

	out := Result{Content: decision.Content}
	for _, ref := range decision.Providers {
		entry, ok := m.catalog.Lookup(ref.ProviderID, ref.ServiceID)
		if !ok {
			m.logger.Warn("matcher: dropping unknown service", "providerId", ref.ProviderID, "serviceId", ref.ServiceID)
			continue
		}
		out.Services = append(out.Services, catalog.Snapshot(entry))
	}
	return out, nil
}
