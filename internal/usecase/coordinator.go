package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/catalog"
	"ai-coordinator/internal/clock"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/matcher"
	"ai-coordinator/internal/signature"
)

const (
	defaultExecutionTimeout = 2 * time.Minute
	defaultMaxAttempts      = 3
)

type SessionStore interface {
	CreateSession(ctx context.Context, wallet, prompt string, userInfo map[string]any, services []domain.Service) (string, error)
	UpdateState(ctx context.Context, sessionID, wallet string, state domain.SessionState) (*domain.AISession, error)
	AppendConversation(ctx context.Context, sessionID, wallet string, entries ...domain.Conversation) (*domain.AISession, error)
	ReplaceServices(ctx context.Context, sessionID, wallet string, services []domain.Service) (*domain.AISession, error)
	AppendPeerSignature(ctx context.Context, sessionID, wallet, nodeID, signature string) (*domain.AISession, error)
	RecordServiceUsage(ctx context.Context, sessionID, wallet string, svc domain.Service) (*domain.AISession, error)
	GetSession(ctx context.Context, sessionID, wallet string) (*domain.AISession, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint string, req domain.ExecutionRequest) error
}

// Signer is the coordinator's own wallet.
type Signer interface {
	Address() string
	Sign(payload []byte) string
	SignEnvelope(envelope any) (string, error)
}

// Directory resolves catalog references.
type Directory interface {
	Provider(providerID string) (catalog.Provider, bool)
	Lookup(providerID, serviceID string) (catalog.Entry, bool)
}

// Config wires a Coordinator. Clock, Logger, ExecutionTimeout and
// MaxAttempts are optional.
type Config struct {
	Store      SessionStore
	Bus        bus.Bus
	Signer     Signer
	Directory  Directory
	Matcher    matcher.Matcher
	Dispatcher Dispatcher
	Clock      clock.Clock
	Logger     *slog.Logger

	// ExecutionTimeout is how long a dispatched service may stay in progress
	// before it is dispatched again.
	ExecutionTimeout time.Duration
	// MaxAttempts bounds dispatches per service; the session is rejected
	// when the last one times out.
	MaxAttempts int
}

type deadline struct {
	timer *clock.Timer
	seq   uint64
}

// Coordinator runs the session protocol for one coordinator node. Inbound
// messages are authenticated on the delivery goroutine and then applied
// through a per-session queue, so mutations of one session never
// interleave.
type Coordinator struct {
	store      SessionStore
	bus        bus.Bus
	signer     Signer
	directory  Directory
	matcher    matcher.Matcher
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	executionTimeout time.Duration
	maxAttempts      int
	topic            string

	queue  *sessionQueue
	cancel context.CancelFunc

	mu        sync.Mutex
	seq       uint64
	deadlines map[string]deadline
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("usecase: bus must not be nil")
	}
	if cfg.Signer == nil {
		return nil, errors.New("usecase: signer must not be nil")
	}
	if cfg.Directory == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if cfg.Matcher == nil {
		return nil, errors.New("usecase: matcher must not be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:            cfg.Store,
		bus:              cfg.Bus,
		signer:           cfg.Signer,
		directory:        cfg.Directory,
		matcher:          cfg.Matcher,
		dispatcher:       cfg.Dispatcher,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		executionTimeout: cfg.ExecutionTimeout,
		maxAttempts:      cfg.MaxAttempts,
		topic:            bus.CoordinatorTopic(cfg.Signer.Address()),
		queue:            newSessionQueue(ctx),
		cancel:           cancel,
		deadlines:        make(map[string]deadline),
	}, nil
}

// Start registers the coordinator as the bus handler and subscribes to its
// session topic and the shared provider response topic.
func (c *Coordinator) Start() error {
	if err := c.bus.SetHandler(c.HandleMessage); err != nil {
		return fmt.Errorf("usecase: register handler: %w", err)
	}
	for _, topic := range []string{c.topic, bus.ProviderResponseTopic} {
		if err := c.bus.Subscribe(topic); err != nil {
			return fmt.Errorf("usecase: subscribe %s: %w", topic, err)
		}
	}
	c.logger.Info("coordinator started", "address", c.signer.Address(), "topic", c.topic)
	return nil
}

// Topic returns the topic consumers address this coordinator on.
func (c *Coordinator) Topic() string {
	return c.topic
}

// Wait blocks until all queued session work has finished.
func (c *Coordinator) Wait() {
	c.queue.wait()
}

// Close drains queued work and cancels pending execution deadlines.
func (c *Coordinator) Close() {
	c.queue.close()
	c.mu.Lock()
	for key, d := range c.deadlines {
		d.timer.Stop()
		delete(c.deadlines, key)
	}
	c.mu.Unlock()
	c.cancel()
}

// HandleMessage is the bus handler. Invalid messages are logged and dropped;
// the sender never gets an error reply.
func (c *Coordinator) HandleMessage(ctx context.Context, topic string, data []byte) {
	switch topic {
	case c.topic:
		var msg domain.Communication
		if err := json.Unmarshal(data, &msg); err != nil {
			c.drop(newError(ErrorInvalidInput, "malformed_message", err), "topic", topic)
			return
		}
		if err := c.route(ctx, msg); err != nil {
			c.drop(err, "topic", topic, "kind", msg.Type)
		}
	case bus.ProviderResponseTopic:
		if err := c.acceptProviderResponse(data); err != nil {
			c.drop(err, "topic", topic)
		}
	default:
		c.drop(newError(ErrorInvalidInput, "unknown_topic", nil), "topic", topic)
	}
}

func (c *Coordinator) route(ctx context.Context, msg domain.Communication) error {
	if len(msg.Data) == 0 {
		return newError(ErrorInvalidInput, "missing_data", nil)
	}
	switch msg.Type {
	case domain.KindSessionCreation:
		return c.acceptCreation(ctx, msg.Data)
	case domain.KindSessionInteraction:
		return c.acceptInteraction(msg.Data)
	case domain.KindSessionConfirmation:
		return c.acceptConfirmation(msg.Data)
	case domain.KindSessionCompletion:
		return c.acceptCompletion(msg.Data)
	case domain.KindRequest:
		return c.acceptAdditionalData(msg.Data)
	default:
		return newError(ErrorInvalidInput, "unknown_kind", nil)
	}
}

func (c *Coordinator) drop(err error, attrs ...any) {
	c.logger.Warn("usecase: message dropped", append(attrs, "code", CodeOf(err), "err", err)...)
}

func queueKey(wallet, sessionID string) string {
	return wallet + "/" + sessionID
}

// enqueue schedules fn on the session's queue. Failures are logged with the
// session attributes.
func (c *Coordinator) enqueue(wallet, sessionID string, kind domain.MessageKind, fn func(ctx context.Context) error) error {
	ok := c.queue.submit(queueKey(wallet, sessionID), func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			c.drop(err, "kind", kind, "sessionId", sessionID, "walletAddress", wallet)
		}
	})
	if !ok {
		return newError(ErrorInternal, "coordinator_closed", nil)
	}
	return nil
}

// decodeSigned authenticates raw against the address in addressField and
// decodes it. The returned signer is the recovered address; callers use it
// instead of the decoded address field.
func decodeSigned[T any](raw []byte, addressField string) (T, string, error) {
	var out T
	signer, err := signature.Authenticate(raw, addressField)
	if err != nil {
		return out, "", authError(err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, "", newError(ErrorInvalidInput, "malformed_envelope", err)
	}
	return out, domain.NormalizeAddress(signer), nil
}

func (c *Coordinator) nonce() int64 {
	return c.clock.Now().UnixMilli()
}

// respond records data as a Coordinator turn and publishes it, signed, on
// the consumer's topic. Publish failures are logged only.
func (c *Coordinator) respond(ctx context.Context, kind domain.MessageKind, wallet, sessionID string, data domain.ConsumerResponseData) error {
	entry := data.Content
	if len(data.AdditionalData) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return newError(ErrorInternal, "encode_response", err)
		}
		entry = string(raw)
	}
	if _, err := c.store.AppendConversation(ctx, sessionID, wallet, domain.Conversation{Role: domain.RoleCoordinator, Content: entry}); err != nil {
		return storeError("append_conversation", err)
	}

	msg := domain.ConsumerResponse{
		NodeID:    c.signer.Address(),
		Signature: signature.Sentinel,
		Nonce:     c.nonce(),
		SessionID: sessionID,
		Data:      data,
	}
	sig, err := c.signer.SignEnvelope(msg)
	if err != nil {
		return newError(ErrorInternal, "sign_response", err)
	}
	msg.Signature = sig
	c.publish(ctx, bus.ConsumerTopic(wallet), kind, msg)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, topic string, kind domain.MessageKind, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("usecase: encode outbound message", "topic", topic, "kind", kind, "err", err)
		return
	}
	raw, err := json.Marshal(domain.Communication{Type: kind, Data: body})
	if err != nil {
		c.logger.Error("usecase: encode outbound message", "topic", topic, "kind", kind, "err", err)
		return
	}
	if err := c.bus.Publish(ctx, topic, raw); err != nil {
		c.logger.Warn("usecase: publish failed", "topic", topic, "kind", kind, "code", ErrorTransport, "err", transportError("publish", err))
	}
}
