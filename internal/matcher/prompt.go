package matcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"ai-coordinator/internal/domain"
)

type providerRef struct {
	ProviderID string `json:"providerId"`
	ServiceID  string `json:"serviceId"`
}

type serviceMatchResponse struct {
	Content   string        `json:"content"`
	Providers []providerRef `json:"providers"`
}

var serviceMatchSchema = json.RawMessage(`{
	"type":"object",
	"additionalProperties":false,
	"properties":{
		"content":{"type":"string"},
		"providers":{
			"type":"array",
			"items":{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"providerId":{"type":"string"},
					"serviceId":{"type":"string"}
				},
				"required":["providerId","serviceId"]
			}
		}
	},
	"required":["content","providers"]
}`)

func buildPromptMessages(catalogText, query string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(catalogText)},
		{Role: "user", Content: "Query: " + normalizePromptInput(query)},
	}
}

func buildPolicyPrompt(catalogText string) string {
	return strings.Join([]string{
		"Role:",
		"You are an information specialist working for a coordinator of AI service providers.",
		"",
		"Task:",
		"Answer the query from your own knowledge, select the AI service providers that can execute it, or both.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
		"",
		"AI Service Providers:",
		catalogText,
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) For a conversational query, communicate and provide the relevant information.",
		"2) For a service execution request, select the best matching list of providers in the order they should run.",
		"3) Match the query against provider descriptions, tags and service descriptions only.",
		"4) Never invent a provider or service that is not listed.",
		"5) If nothing matches, say so and return no providers.",
		"6) If you have no knowledge about the query, say that you cannot help with it.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys content (string) and providers (array of {providerId, serviceId}). " +
		"content is the message shown to the consumer. providers may be empty."
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func parseServiceMatch(raw string) (serviceMatchResponse, error) {
	var out serviceMatchResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return serviceMatchResponse{}, fmt.Errorf("matcher: decode service match: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return serviceMatchResponse{}, errors.New("matcher: decode service match: multiple JSON values")
		}
		return serviceMatchResponse{}, fmt.Errorf("matcher: decode service match trailing data: %w", err)
	}
	if strings.TrimSpace(out.Content) == "" && len(out.Providers) == 0 {
		return serviceMatchResponse{}, errors.New("matcher: service match has neither content nor providers")
	}
	return out, nil
}
