package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"ai-coordinator/internal/domain"
)

const (
	sessionKeyPrefix = "ai.session."
	openKeyPrefix    = "ai.session.open."

	defaultWriteAttempts = 5
)

// ErrInvalidKey is returned for wallet addresses or session ids that cannot
// form a storage key.
var ErrInvalidKey = errors.New("repository: invalid key")

// ErrOpenIndex is returned by CreateSession when the session record was
// written but the wallet's open-session index could not be updated. The
// returned session id is valid.
var ErrOpenIndex = errors.New("repository: open-session index not updated")

var walletPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

var newUUID = func() string { return uuid.NewString() }

// SessionStore persists AISession and OpenSessionIndex records. Every
// operation is a full read-modify-write of one record guarded by the KV
// revision; stale writes are retried a bounded number of times.
type SessionStore struct {
	kv            KV
	now           func() time.Time
	writeAttempts int
}

// NewSessionStore creates a SessionStore over kv.
func NewSessionStore(kv KV) (*SessionStore, error) {
	if kv == nil {
		return nil, errors.New("repository: kv must not be nil")
	}
	return &SessionStore{kv: kv, now: time.Now, writeAttempts: defaultWriteAttempts}, nil
}

func sessionKey(wallet, sessionID string) (string, error) {
	if !walletPattern.MatchString(wallet) {
		return "", fmt.Errorf("%w: wallet %q", ErrInvalidKey, wallet)
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("%w: session id %q", ErrInvalidKey, sessionID)
	}
	return sessionKeyPrefix + wallet + "." + sessionID, nil
}

func openKey(wallet string) (string, error) {
	if !walletPattern.MatchString(wallet) {
		return "", fmt.Errorf("%w: wallet %q", ErrInvalidKey, wallet)
	}
	return openKeyPrefix + wallet, nil
}

// CreateSession stores a new session in state created, with prompt as its
// first consumer turn, and records it in the wallet's open-session index.
// It returns the generated session id.
func (s *SessionStore) CreateSession(ctx context.Context, wallet, prompt string, userInfo map[string]any, services []domain.Service) (string, error) {
	wallet = domain.NormalizeAddress(wallet)
	id := newUUID()
	key, err := sessionKey(wallet, id)
	if err != nil {
		return "", fmt.Errorf("repository: CreateSession: %w", err)
	}
	if services == nil {
		services = []domain.Service{}
	}
	now := s.now().UnixMilli()
	session := domain.AISession{
		WalletAddress:            wallet,
		AISessionID:              id,
		UserCharacterInformation: userInfo,
		InitialPrompt:            prompt,
		Conversations:            []domain.Conversation{{Role: domain.RoleConsumer, Content: prompt, Timestamp: now}},
		Services:                 services,
		ServiceUsageTraces:       []domain.ServiceUsageTrace{},
		PeerSignatures:           []domain.PeerSignature{},
		State:                    domain.StateCreated,
		Timestamp:                now,
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("repository: CreateSession marshal: %w", err)
	}
	if _, err := s.kv.Create(ctx, key, raw); err != nil {
		return "", fmt.Errorf("repository: CreateSession: %w", err)
	}

	if err := s.appendOpenSession(ctx, wallet, domain.OpenSessionEntry{AISessionID: id, State: domain.StateCreated}); err != nil {
		return id, fmt.Errorf("%w: session %s: %v", ErrOpenIndex, id, err)
	}
	return id, nil
}

func (s *SessionStore) appendOpenSession(ctx context.Context, wallet string, entry domain.OpenSessionEntry) error {
	key, err := openKey(wallet)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < s.writeAttempts; attempt++ {
		raw, rev, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			idx := domain.OpenSessionIndex{WalletAddress: wallet, AISessions: []domain.OpenSessionEntry{entry}}
			out, err := json.Marshal(idx)
			if err != nil {
				return err
			}
			_, err = s.kv.Create(ctx, key, out)
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return err
		case err != nil:
			return err
		}

		var idx domain.OpenSessionIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return fmt.Errorf("repository: decode open sessions: %w", err)
		}
		idx.AISessions = append(idx.AISessions, entry)
		out, err := json.Marshal(idx)
		if err != nil {
			return err
		}
		_, err = s.kv.Update(ctx, key, out, rev)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return ErrConflict
}

// mutate loads the session, applies fn and writes it back at the loaded
// revision. fn may run more than once when a concurrent write wins.
func (s *SessionStore) mutate(ctx context.Context, sessionID, wallet string, fn func(*domain.AISession) error) (*domain.AISession, error) {
	key, err := sessionKey(domain.NormalizeAddress(wallet), sessionID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < s.writeAttempts; attempt++ {
		session, rev, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := fn(session); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(session)
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}
		_, err = s.kv.Update(ctx, key, raw, rev)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	return nil, ErrConflict
}

func (s *SessionStore) load(ctx context.Context, key string) (*domain.AISession, uint64, error) {
	raw, rev, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var session domain.AISession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, 0, fmt.Errorf("decode session: %w", err)
	}
	return &session, rev, nil
}

// UpdateState sets the session state.
func (s *SessionStore) UpdateState(ctx context.Context, sessionID, wallet string, state domain.SessionState) (*domain.AISession, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("repository: UpdateState: unknown state %q", state)
	}
	session, err := s.mutate(ctx, sessionID, wallet, func(a *domain.AISession) error {
		a.State = state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: UpdateState: %w", err)
	}
	return session, nil
}

// AppendConversation appends entries in order. Entries without a timestamp
// are stamped with the current time.
func (s *SessionStore) AppendConversation(ctx context.Context, sessionID, wallet string, entries ...domain.Conversation) (*domain.AISession, error) {
	now := s.now().UnixMilli()
	session, err := s.mutate(ctx, sessionID, wallet, func(a *domain.AISession) error {
		for _, e := range entries {
			if e.Timestamp == 0 {
				e.Timestamp = now
			}
			a.Conversations = append(a.Conversations, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: AppendConversation: %w", err)
	}
	return session, nil
}

// ReplaceServices overwrites the whole services list.
func (s *SessionStore) ReplaceServices(ctx context.Context, sessionID, wallet string, services []domain.Service) (*domain.AISession, error) {
	if services == nil {
		services = []domain.Service{}
	}
	session, err := s.mutate(ctx, sessionID, wallet, func(a *domain.AISession) error {
		a.Services = append([]domain.Service(nil), services...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ReplaceServices: %w", err)
	}
	return session, nil
}

// AppendPeerSignature records an attestation. Duplicates are kept.
func (s *SessionStore) AppendPeerSignature(ctx context.Context, sessionID, wallet, nodeID, signature string) (*domain.AISession, error) {
	session, err := s.mutate(ctx, sessionID, wallet, func(a *domain.AISession) error {
		a.PeerSignatures = append(a.PeerSignatures, domain.PeerSignature{NodeID: nodeID, Signature: signature})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: AppendPeerSignature: %w", err)
	}
	return session, nil
}

// RecordServiceUsage increments the usage trace for the service, creating it
// with usage 1 on first use.
func (s *SessionStore) RecordServiceUsage(ctx context.Context, sessionID, wallet string, svc domain.Service) (*domain.AISession, error) {
	session, err := s.mutate(ctx, sessionID, wallet, func(a *domain.AISession) error {
		for i := range a.ServiceUsageTraces {
			t := &a.ServiceUsageTraces[i]
			if t.ProviderID == svc.ProviderID && t.ServiceID == svc.ServiceID {
				t.Usage++
				return nil
			}
		}
		a.ServiceUsageTraces = append(a.ServiceUsageTraces, domain.ServiceUsageTrace{
			ProviderID: svc.ProviderID,
			ServiceID:  svc.ServiceID,
			Price:      svc.Price,
			Usage:      1,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: RecordServiceUsage: %w", err)
	}
	return session, nil
}

// GetSession returns the stored session or ErrNotFound.
func (s *SessionStore) GetSession(ctx context.Context, sessionID, wallet string) (*domain.AISession, error) {
	key, err := sessionKey(domain.NormalizeAddress(wallet), sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession: %w", err)
	}
	session, _, err := s.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession: %w", err)
	}
	return session, nil
}

// GetOpenSessions returns the wallet's creation-time index, or nil when the
// wallet never created a session. Entry states are not kept current.
func (s *SessionStore) GetOpenSessions(ctx context.Context, wallet string) (*domain.OpenSessionIndex, error) {
	key, err := openKey(domain.NormalizeAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("repository: GetOpenSessions: %w", err)
	}
	raw, _, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetOpenSessions: %w", err)
	}
	var idx domain.OpenSessionIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("repository: GetOpenSessions decode: %w", err)
	}
	return &idx, nil
}
