package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/catalog"
	"ai-coordinator/internal/clock"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/matcher"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/signature"
)

type dispatchCall struct {
	endpoint string
	req      domain.ExecutionRequest
}

// fakeDispatcher records calls. errs are returned in order; once exhausted
// every call succeeds.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	errs  []error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, endpoint string, req domain.ExecutionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{endpoint: endpoint, req: req})
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeDispatcher) all() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

func (f *fakeDispatcher) last() dispatchCall {
	calls := f.all()
	if len(calls) == 0 {
		return dispatchCall{}
	}
	return calls[len(calls)-1]
}

// fakeMatcher returns results in order and repeats the last one.
type fakeMatcher struct {
	mu      sync.Mutex
	results []matcher.Result
	err     error
	prompts []string
}

func (f *fakeMatcher) Match(_ context.Context, prompt string) (matcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return matcher.Result{}, f.err
	}
	if len(f.results) == 0 {
		return matcher.Result{Content: "nothing found"}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

type received struct {
	kind     domain.MessageKind
	raw      json.RawMessage
	response domain.ConsumerResponse
}

type inbox struct {
	mu       sync.Mutex
	messages []received
}

func (in *inbox) handle(_ context.Context, _ string, data []byte) {
	var msg domain.Communication
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	var resp domain.ConsumerResponse
	_ = json.Unmarshal(msg.Data, &resp)
	in.mu.Lock()
	in.messages = append(in.messages, received{kind: msg.Type, raw: msg.Data, response: resp})
	in.mu.Unlock()
}

func (in *inbox) all() []received {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]received(nil), in.messages...)
}

func (in *inbox) last() received {
	msgs := in.all()
	if len(msgs) == 0 {
		return received{}
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	coord      *Coordinator
	store      *repository.SessionStore
	catalog    *catalog.Catalog
	clock      *clock.Fake
	dispatcher *fakeDispatcher
	matcher    *fakeMatcher
	node       *signature.Wallet
	consumer   *signature.Wallet
	provider   *signature.Wallet
	inbox      *inbox
	consumerEP *bus.Endpoint
	providerEP *bus.Endpoint
}

type harnessOption func(*harness, *Config)

func withCatalog(c *catalog.Catalog) harnessOption {
	return func(h *harness, cfg *Config) {
		h.catalog = c
		cfg.Directory = c
	}
}

func withKV(t *testing.T, kv repository.KV) harnessOption {
	return func(h *harness, cfg *Config) {
		store, err := repository.NewSessionStore(kv)
		require.NoError(t, err)
		h.store = store
		cfg.Store = store
	}
}

func withAttempts(timeout time.Duration, maxAttempts int) harnessOption {
	return func(_ *harness, cfg *Config) {
		cfg.ExecutionTimeout = timeout
		cfg.MaxAttempts = maxAttempts
	}
}

func mustWallet(t *testing.T) *signature.Wallet {
	t.Helper()
	w, err := signature.GenerateWallet()
	require.NoError(t, err)
	return w
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store, err := repository.NewSessionStore(repository.NewMemoryKV())
	require.NoError(t, err)
	cat, err := catalog.Default()
	require.NoError(t, err)

	hub := bus.NewHub()
	h := &harness{
		store:      store,
		catalog:    cat,
		clock:      clock.NewFake(time.UnixMilli(1718000000000)),
		dispatcher: &fakeDispatcher{},
		matcher:    &fakeMatcher{},
		node:       mustWallet(t),
		consumer:   mustWallet(t),
		provider:   mustWallet(t),
		inbox:      &inbox{},
		consumerEP: hub.Join("consumer"),
		providerEP: hub.Join("provider"),
	}
	cfg := Config{
		Store:            store,
		Bus:              hub.Join("coordinator"),
		Signer:           h.node,
		Directory:        cat,
		Matcher:          h.matcher,
		Dispatcher:       h.dispatcher,
		Clock:            h.clock,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		ExecutionTimeout: time.Minute,
		MaxAttempts:      3,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	coord, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, coord.Start())
	t.Cleanup(coord.Close)
	h.coord = coord

	require.NoError(t, h.consumerEP.SetHandler(h.inbox.handle))
	require.NoError(t, h.consumerEP.Subscribe(bus.ConsumerTopic(h.consumer.Address())))
	return h
}

func snapshot(t *testing.T, c *catalog.Catalog, providerID, serviceID string) domain.Service {
	t.Helper()
	e, ok := c.Lookup(providerID, serviceID)
	require.True(t, ok)
	return catalog.Snapshot(e)
}

func (h *harness) match(results ...matcher.Result) {
	h.matcher.mu.Lock()
	defer h.matcher.mu.Unlock()
	h.matcher.results = results
}

func mustSign(t *testing.T, w *signature.Wallet, envelope any) string {
	t.Helper()
	sig, err := w.SignEnvelope(envelope)
	require.NoError(t, err)
	return sig
}

// sendSession publishes a consumer message to the coordinator and waits
// until the coordinator has processed it.
func (h *harness) sendSession(t *testing.T, kind domain.MessageKind, envelope any) {
	t.Helper()
	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	raw, err := json.Marshal(domain.Communication{Type: kind, Data: data})
	require.NoError(t, err)
	require.NoError(t, h.consumerEP.Publish(context.Background(), h.coord.Topic(), raw))
	h.coord.Wait()
}

func (h *harness) signedCreation(t *testing.T, prompt string) domain.CreateAISession {
	t.Helper()
	req := domain.CreateAISession{
		NodeID:        h.consumer.Address(),
		WalletAddress: h.consumer.Address(),
		Signature:     signature.Sentinel,
		Nonce:         1,
		Prompt:        prompt,
	}
	req.Signature = mustSign(t, h.consumer, req)
	return req
}

func (h *harness) create(t *testing.T, prompt string) string {
	t.Helper()
	h.sendSession(t, domain.KindSessionCreation, h.signedCreation(t, prompt))
	return h.lastSessionID(t)
}

func (h *harness) lastSessionID(t *testing.T) string {
	t.Helper()
	idx, err := h.store.GetOpenSessions(context.Background(), h.consumer.Address())
	require.NoError(t, err)
	require.NotNil(t, idx)
	require.NotEmpty(t, idx.AISessions)
	return idx.AISessions[len(idx.AISessions)-1].AISessionID
}

func (h *harness) interact(t *testing.T, sessionID, prompt string) {
	t.Helper()
	req := domain.ConsumerInteraction{
		NodeID:        h.consumer.Address(),
		WalletAddress: h.consumer.Address(),
		Signature:     signature.Sentinel,
		Nonce:         2,
		SessionID:     sessionID,
		Prompt:        prompt,
	}
	req.Signature = mustSign(t, h.consumer, req)
	h.sendSession(t, domain.KindSessionInteraction, req)
}

func (h *harness) complete(t *testing.T, sessionID string) {
	t.Helper()
	req := domain.AISessionCompletion{
		WalletAddress: h.consumer.Address(),
		Signature:     signature.Sentinel,
		Nonce:         3,
		SessionID:     sessionID,
	}
	req.Signature = mustSign(t, h.consumer, req)
	h.sendSession(t, domain.KindSessionCompletion, req)
}

// respondAs publishes a provider result signed by w and waits for it to be
// applied.
func (h *harness) respondAs(t *testing.T, w *signature.Wallet, sessionID, providerID, serviceID string, data map[string]any) {
	t.Helper()
	h.publishResult(t, w, domain.ProviderResult{
		SessionID:     sessionID,
		WalletAddress: h.consumer.Address(),
		ProviderID:    providerID,
		ServiceID:     serviceID,
		Data:          data,
	})
}

func (h *harness) publishResult(t *testing.T, w *signature.Wallet, res domain.ProviderResult) {
	t.Helper()
	msg := domain.ProviderToCoordinatorCommunication{
		WalletAddress: w.Address(),
		Signature:     signature.Sentinel,
		Nonce:         4,
		Data:          res,
	}
	msg.Signature = mustSign(t, w, msg)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, h.providerEP.Publish(context.Background(), bus.ProviderResponseTopic, raw))
	h.coord.Wait()
}

func (h *harness) session(t *testing.T, sessionID string) *domain.AISession {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), sessionID, h.consumer.Address())
	require.NoError(t, err)
	return sess
}

// advance moves the fake clock and waits for the work it triggered.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.coord.Wait()
}

func countInProgress(sess *domain.AISession) int {
	n := 0
	for _, svc := range sess.Services {
		if svc.ExecutionState == domain.ExecutionInProgress {
			n++
		}
	}
	return n
}
