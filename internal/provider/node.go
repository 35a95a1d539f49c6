// Package provider implements a demo service provider node: it accepts
// signed execution requests over HTTP and publishes signed results on the
// shared provider response topic.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/signature"
)

const maxRequestBytes = 1 << 20

// ExecutedContent is what the demo executor reports for every call.
const ExecutedContent = "AI Provider Executed"

// Executor runs one service call.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) (map[string]any, error)
}

type ExecutorFunc func(ctx context.Context, req domain.ExecutionRequest) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req domain.ExecutionRequest) (map[string]any, error) {
	return f(ctx, req)
}

// Echo is the demo executor: it reports success and echoes the call.
func Echo(_ context.Context, req domain.ExecutionRequest) (map[string]any, error) {
	return map[string]any{
		"content":        ExecutedContent,
		"prompt":         req.Prompt,
		"executionOrder": req.ExecutionOrder,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

type Signer interface {
	Address() string
	SignEnvelope(envelope any) (string, error)
}

// Node serves execution requests. Results are published asynchronously;
// the HTTP answer only acknowledges the call.
type Node struct {
	signer       Signer
	publisher    Publisher
	executor     Executor
	logger       *slog.Logger
	now          func() time.Time
	coordinators map[string]bool
	providers    map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Node)

// WithCoordinators restricts accepted callers to the given coordinator
// addresses. By default any correctly signed caller is accepted.
func WithCoordinators(addrs ...string) Option {
	return func(n *Node) {
		for _, a := range addrs {
			if a = domain.NormalizeAddress(a); a != "" {
				n.coordinators[a] = true
			}
		}
	}
}

// WithProviders restricts the provider ids this node answers for.
func WithProviders(ids ...string) Option {
	return func(n *Node) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				n.providers[id] = true
			}
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

func New(signer Signer, pub Publisher, exec Executor, opts ...Option) (*Node, error) {
	if signer == nil {
		return nil, errors.New("provider: signer must not be nil")
	}
	if pub == nil {
		return nil, errors.New("provider: publisher must not be nil")
	}
	if exec == nil {
		return nil, errors.New("provider: executor must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		signer:       signer,
		publisher:    pub,
		executor:     exec,
		logger:       slog.Default(),
		now:          time.Now,
		coordinators: make(map[string]bool),
		providers:    make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// RegisterRoutes registers the execution endpoint.
func (n *Node) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/", n.handleExecute)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (n *Node) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT"})
		return
	}
	caller, err := signature.Authenticate(body, "nodeId")
	if err != nil {
		n.logger.Warn("provider: rejected call", "err", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "AUTHENTICATION_FAILURE"})
		return
	}
	if len(n.coordinators) > 0 && !n.coordinators[caller] {
		n.logger.Warn("provider: caller not allowed", "nodeId", caller)
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "AUTHENTICATION_FAILURE"})
		return
	}

	var req domain.ExecutionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT"})
		return
	}
	if req.SessionID == "" || req.WalletAddress == "" || req.ProviderID == "" || req.ServiceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT"})
		return
	}
	if len(n.providers) > 0 && !n.providers[req.ProviderID] {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
		return
	}

	n.wg.Add(1)
	go n.execute(req)
	writeJSON(w, http.StatusAccepted, domain.ExecutionAccepted{Execution: "started"})
}

func (n *Node) execute(req domain.ExecutionRequest) {
	defer n.wg.Done()
	data, err := n.executor.Execute(n.ctx, req)
	if err != nil {
		n.logger.Error("provider: execution failed", "sessionId", req.SessionID, "serviceId", req.ServiceID, "err", err)
		return
	}
	if err := n.publishResult(n.ctx, req, data); err != nil {
		n.logger.Error("provider: publish result", "sessionId", req.SessionID, "err", err)
	}
}

func (n *Node) publishResult(ctx context.Context, req domain.ExecutionRequest, data map[string]any) error {
	msg := domain.ProviderToCoordinatorCommunication{
		WalletAddress: n.signer.Address(),
		Signature:     signature.Sentinel,
		Nonce:         n.now().UnixMilli(),
		Data: domain.ProviderResult{
			SessionID:      req.SessionID,
			WalletAddress:  req.WalletAddress,
			ProviderID:     req.ProviderID,
			ServiceID:      req.ServiceID,
			ExecutionOrder: req.ExecutionOrder,
			Data:           data,
		},
	}
	sig, err := n.signer.SignEnvelope(msg)
	if err != nil {
		return fmt.Errorf("sign result: %w", err)
	}
	msg.Signature = sig
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return n.publisher.Publish(ctx, bus.ProviderResponseTopic, raw)
}

// Wait blocks until in-flight executions have published.
func (n *Node) Wait() {
	n.wg.Wait()
}

// Close cancels running executions and waits for them.
func (n *Node) Close() {
	n.cancel()
	n.wg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
