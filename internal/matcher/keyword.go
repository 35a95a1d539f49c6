package matcher

import (
	"context"
	"errors"
	"strings"

	"ai-coordinator/internal/catalog"
)

const (
	keywordFoundContent   = "Hey User, these are the services identified for you"
	keywordMissingContent = "Hey User, I am very sorry that I don't find any services available for your request"
)

// Keyword matches prompts offline: a provider is selected when its name or
// one of its tags appears in the prompt, and all of its services are used.
type Keyword struct {
	catalog *catalog.Catalog
}

func NewKeyword(cat *catalog.Catalog) (*Keyword, error) {
	if cat == nil {
		return nil, errors.New("matcher: catalog must not be nil")
	}
	return &Keyword{catalog: cat}, nil
}

func (k *Keyword) Match(_ context.Context, prompt string) (Result, error) {
	text := strings.ToLower(prompt)
	var out Result
	for _, p := range k.catalog.Providers() {
		if !mentions(text, p) {
			continue
		}
		for _, s := range p.Services {
			out.Services = append(out.Services, catalog.Snapshot(catalog.Entry{Provider: p, Service: s}))
		}
	}
	if len(out.Services) == 0 {
		out.Content = keywordMissingContent
	} else {
		out.Content = keywordFoundContent
	}
	return out, nil
}

func mentions(text string, p catalog.Provider) bool {
	if name := strings.ToLower(strings.TrimSpace(p.ProviderName)); name != "" && strings.Contains(text, name) {
		return true
	}
	for _, tag := range p.Tags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" && strings.Contains(text, tag) {
			return true
		}
	}
	return false
}
