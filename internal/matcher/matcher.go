// Package matcher turns a consumer prompt into reply text and catalog
// services.
package matcher

import (
	"context"

	"ai-coordinator/internal/domain"
)

// Result is the outcome of matching one prompt. Services are catalog
// snapshots in suggested execution order; their ExecutionOrder is unset.
type Result struct {
	Content  string
	Services []domain.Service
}

// Matcher selects services for a prompt.
type Matcher interface {
	Match(ctx context.Context, prompt string) (Result, error)
}
