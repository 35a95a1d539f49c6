package usecase

import (
	"context"
	"errors"
	"strings"

	"ai-coordinator/internal/domain"
)

type SessionReader interface {
	GetSession(ctx context.Context, sessionID, wallet string) (*domain.AISession, error)
	GetOpenSessions(ctx context.Context, wallet string) (*domain.OpenSessionIndex, error)
}

// Inspector serves the read-only status surface.
type Inspector struct {
	store SessionReader
	peers func() []string
}

// NewInspector creates an Inspector. peers may be nil when the process has
// no bus connection.
func NewInspector(store SessionReader, peers func() []string) (*Inspector, error) {
	if store == nil {
		return nil, errors.New("usecase: session reader must not be nil")
	}
	return &Inspector{store: store, peers: peers}, nil
}

func (i *Inspector) Session(ctx context.Context, sessionID, wallet string) (*domain.AISession, error) {
	sessionID = strings.TrimSpace(sessionID)
	wallet = domain.NormalizeAddress(wallet)
	if sessionID == "" || wallet == "" {
		return nil, newError(ErrorInvalidInput, "missing_parameters", nil)
	}
	sess, err := i.store.GetSession(ctx, sessionID, wallet)
	if err != nil {
		return nil, storeError("get_session", err)
	}
	return sess, nil
}

// OpenSessions returns the wallet's creation-time index. The state of each
// entry is the state at creation; use Session for the current one.
func (i *Inspector) OpenSessions(ctx context.Context, wallet string) (*domain.OpenSessionIndex, error) {
	wallet = domain.NormalizeAddress(wallet)
	if wallet == "" {
		return nil, newError(ErrorInvalidInput, "missing_parameters", nil)
	}
	idx, err := i.store.GetOpenSessions(ctx, wallet)
	if err != nil {
		return nil, storeError("get_open_sessions", err)
	}
	if idx == nil {
		idx = &domain.OpenSessionIndex{WalletAddress: wallet, AISessions: []domain.OpenSessionEntry{}}
	}
	return idx, nil
}

func (i *Inspector) Peers() []string {
	if i.peers == nil {
		return []string{}
	}
	peers := i.peers()
	if peers == nil {
		return []string{}
	}
	return peers
}
