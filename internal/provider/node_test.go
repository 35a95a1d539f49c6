package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"ai-coordinator/internal/bus"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/signature"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	data   [][]byte
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.data = append(f.data, data)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func mustWallet(t *testing.T) *signature.Wallet {
	t.Helper()
	w, err := signature.GenerateWallet()
	require.NoError(t, err)
	return w
}

func newServer(t *testing.T, n *Node) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	n.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(n.Close)
	return srv
}

func signedRequest(t *testing.T, coord *signature.Wallet, providerID string) []byte {
	t.Helper()
	req := domain.ExecutionRequest{
		NodeID:         coord.Address(),
		Signature:      signature.Sentinel,
		Nonce:          1,
		SessionID:      "session-1",
		WalletAddress:  "0xconsumer",
		ProviderID:     providerID,
		ServiceID:      "1",
		ExecutionOrder: 2,
		Prompt:         "post this",
	}
	sig, err := coord.SignEnvelope(req)
	require.NoError(t, err)
	req.Signature = sig
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return raw
}

func post(t *testing.T, srv *httptest.Server, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNew_Validation(t *testing.T) {
	w := mustWallet(t)
	exec := ExecutorFunc(Echo)

	_, err := New(nil, &fakePublisher{}, exec)
	require.ErrorContains(t, err, "signer")
	_, err = New(w, nil, exec)
	require.ErrorContains(t, err, "publisher")
	_, err = New(w, &fakePublisher{}, nil)
	require.ErrorContains(t, err, "executor")
}

func TestExecute_PublishesSignedResult(t *testing.T) {
	providerWallet := mustWallet(t)
	coord := mustWallet(t)
	pub := &fakePublisher{}
	n, err := New(providerWallet, pub, ExecutorFunc(Echo), WithCoordinators(coord.Address()), WithProviders("2"))
	require.NoError(t, err)
	srv := newServer(t, n)

	resp := post(t, srv, signedRequest(t, coord, "2"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ack domain.ExecutionAccepted
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.Equal(t, "started", ack.Execution)

	n.Wait()
	require.Equal(t, 1, pub.count())
	require.Equal(t, bus.ProviderResponseTopic, pub.topics[0])

	signer, err := signature.Authenticate(pub.data[0], "walletAddress")
	require.NoError(t, err)
	require.Equal(t, providerWallet.Address(), signer)

	var msg domain.ProviderToCoordinatorCommunication
	require.NoError(t, json.Unmarshal(pub.data[0], &msg))
	require.Equal(t, "session-1", msg.Data.SessionID)
	require.Equal(t, "0xconsumer", msg.Data.WalletAddress)
	require.Equal(t, "2", msg.Data.ProviderID)
	require.Equal(t, "1", msg.Data.ServiceID)
	require.Equal(t, 2, msg.Data.ExecutionOrder)
	require.Equal(t, ExecutedContent, msg.Data.Data["content"])
	require.Equal(t, "post this", msg.Data.Data["prompt"])
}

func TestExecute_ForgedSignature(t *testing.T) {
	coord := mustWallet(t)
	pub := &fakePublisher{}
	n, err := New(mustWallet(t), pub, ExecutorFunc(Echo))
	require.NoError(t, err)
	srv := newServer(t, n)

	var req map[string]any
	require.NoError(t, json.Unmarshal(signedRequest(t, coord, "2"), &req))
	req["prompt"] = "something else"
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	resp := post(t, srv, raw)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	n.Wait()
	require.Zero(t, pub.count())
}

func TestExecute_UnknownCoordinator(t *testing.T) {
	pub := &fakePublisher{}
	n, err := New(mustWallet(t), pub, ExecutorFunc(Echo), WithCoordinators(mustWallet(t).Address()))
	require.NoError(t, err)
	srv := newServer(t, n)

	resp := post(t, srv, signedRequest(t, mustWallet(t), "2"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	n.Wait()
	require.Zero(t, pub.count())
}

func TestExecute_ProviderNotServed(t *testing.T) {
	pub := &fakePublisher{}
	n, err := New(mustWallet(t), pub, ExecutorFunc(Echo), WithProviders("1"))
	require.NoError(t, err)
	srv := newServer(t, n)

	resp := post(t, srv, signedRequest(t, mustWallet(t), "2"))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecute_MissingFields(t *testing.T) {
	coord := mustWallet(t)
	n, err := New(mustWallet(t), &fakePublisher{}, ExecutorFunc(Echo))
	require.NoError(t, err)
	srv := newServer(t, n)

	req := domain.ExecutionRequest{NodeID: coord.Address(), Signature: signature.Sentinel, SessionID: "s"}
	sig, err := coord.SignEnvelope(req)
	require.NoError(t, err)
	req.Signature = sig
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	resp := post(t, srv, raw)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecute_ExecutorErrorPublishesNothing(t *testing.T) {
	pub := &fakePublisher{}
	var got domain.ExecutionRequest
	exec := ExecutorFunc(func(_ context.Context, req domain.ExecutionRequest) (map[string]any, error) {
		got = req
		return nil, errors.New("model unavailable")
	})
	n, err := New(mustWallet(t), pub, exec)
	require.NoError(t, err)
	srv := newServer(t, n)

	resp := post(t, srv, signedRequest(t, mustWallet(t), "2"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	n.Wait()
	require.Equal(t, "session-1", got.SessionID)
	require.Zero(t, pub.count())
}

func TestExecute_ThroughHub(t *testing.T) {
	hub := bus.NewHub()
	providerBus := hub.Join("provider")
	coordBus := hub.Join("coordinator")

	var (
		mu       sync.Mutex
		received [][]byte
	)
	require.NoError(t, coordBus.SetHandler(func(_ context.Context, _ string, data []byte) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
	}))
	require.NoError(t, coordBus.Subscribe(bus.ProviderResponseTopic))

	n, err := New(mustWallet(t), providerBus, ExecutorFunc(Echo))
	require.NoError(t, err)
	srv := newServer(t, n)

	resp := post(t, srv, signedRequest(t, mustWallet(t), "3"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
}
