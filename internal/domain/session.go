package domain

import "strings"

// SessionState is the lifecycle state of an AISession.
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateConfirmed  SessionState = "confirmed"
	StateProcessing SessionState = "processing"
	StateCompleted  SessionState = "completed"
	StateSettled    SessionState = "settled"
	StateRejected   SessionState = "rejected"
)

// Terminal reports whether no further execution may happen in this state.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateSettled, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case StateCreated, StateConfirmed, StateProcessing, StateCompleted, StateSettled, StateRejected:
		return true
	}
	return false
}

// ExecutionState tracks one service inside a session. It only moves forward.
type ExecutionState string

const (
	ExecutionNotStarted ExecutionState = "not-started"
	ExecutionInProgress ExecutionState = "in-progress"
	ExecutionCompleted  ExecutionState = "completed"
)

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleConsumer    Role = "Consumer"
	RoleCoordinator Role = "Coordinator"
	RoleProvider    Role = "Provider"
)

// Conversation is one append-only turn of a session.
type Conversation struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Service is a catalog offering attached to a session. Descriptive fields are
// a snapshot taken at match time.
type Service struct {
	ProviderID         string         `json:"providerId"`
	ServiceID          string         `json:"serviceId"`
	Price              float64        `json:"price"`
	Description        string         `json:"description"`
	ServiceDescription string         `json:"serviceDescription"`
	TrustScore         float64        `json:"trustScore"`
	ExecutionOrder     int            `json:"executionOrder"`
	ExecutionState     ExecutionState `json:"executionState"`
	Attempts           int            `json:"attempts,omitempty"`
}

// Matches reports whether s refers to the given catalog entry.
func (s Service) Matches(providerID, serviceID string) bool {
	return s.ProviderID == providerID && s.ServiceID == serviceID
}

// ServiceUsageTrace counts completed executions of one catalog entry.
type ServiceUsageTrace struct {
	ProviderID string  `json:"providerId"`
	ServiceID  string  `json:"serviceId"`
	Price      float64 `json:"price"`
	Usage      int     `json:"usage"`
}

// PeerSignature is a co-signing attestation over a session.
type PeerSignature struct {
	NodeID    string `json:"nodeId"`
	Signature string `json:"signature"`
}

// AISession is the durable record of one consumer interaction.
type AISession struct {
	WalletAddress            string              `json:"walletAddress"`
	AISessionID              string              `json:"aiSessionId"`
	UserCharacterInformation map[string]any      `json:"userCharacterInformation"`
	InitialPrompt            string              `json:"initialPrompt"`
	Conversations            []Conversation      `json:"conversations"`
	Services                 []Service           `json:"services"`
	ServiceUsageTraces       []ServiceUsageTrace `json:"serviceUsageTraces"`
	PeerSignatures           []PeerSignature     `json:"peerSignatures"`
	State                    SessionState        `json:"state"`
	Timestamp                int64               `json:"timestamp"`
}

// InProgress returns the index of the service currently executing, or -1.
func (s *AISession) InProgress() int {
	for i, svc := range s.Services {
		if svc.ExecutionState == ExecutionInProgress {
			return i
		}
	}
	return -1
}

// NextNotStarted returns the index of the first service that has not started,
// scanning in list order, or -1.
func (s *AISession) NextNotStarted() int {
	for i, svc := range s.Services {
		if svc.ExecutionState == ExecutionNotStarted {
			return i
		}
	}
	return -1
}

// MaxExecutionOrder returns the highest executionOrder assigned so far.
func (s *AISession) MaxExecutionOrder() int {
	max := 0
	for _, svc := range s.Services {
		if svc.ExecutionOrder > max {
			max = svc.ExecutionOrder
		}
	}
	return max
}

// OpenSessionEntry is a creation-time snapshot. State is not refreshed after
// the session transitions; read the session record for the current state.
type OpenSessionEntry struct {
	AISessionID string       `json:"aiSessionId"`
	State       SessionState `json:"state"`
}

// OpenSessionIndex lists the sessions created for one wallet.
type OpenSessionIndex struct {
	WalletAddress string             `json:"walletAddress"`
	AISessions    []OpenSessionEntry `json:"aiSessions"`
}

// NormalizeAddress lower-cases and trims a wallet address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
