package domain

import "encoding/json"

// MessageKind is the "type" of a wrapped bus message.
type MessageKind string

const (
	KindSessionCreation     MessageKind = "ai-session-creation"
	KindSessionInteraction  MessageKind = "ai-session-interaction"
	KindSessionPreview      MessageKind = "ai-session-preview"
	KindSessionConfirmation MessageKind = "ai-session-confirmation"
	KindSessionCompletion   MessageKind = "ai-session-completion"
	KindRequest             MessageKind = "ai-request"
	KindResponse            MessageKind = "ai-response"
)

// Communication is the outer wrapper for consumer and coordinator traffic.
type Communication struct {
	Type MessageKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SessionOptions are planner hints sent with a creation request. The
// coordinator records them but only the auto planner is implemented.
type SessionOptions struct {
	PlannerType              string    `json:"plannerType,omitempty"`
	TrustRange               []float64 `json:"trustRange,omitempty"`
	BudgetRange              []float64 `json:"budgetRange,omitempty"`
	ExecutionEnvironmentType []string  `json:"executionEnvironmentType,omitempty"`
	Preview                  bool      `json:"preview,omitempty"`
}

// CreateAISession opens a new session.
type CreateAISession struct {
	NodeID                   string          `json:"nodeId"`
	WalletAddress            string          `json:"walletAddress"`
	Signature                string          `json:"signature"`
	Nonce                    int64           `json:"nonce"`
	Prompt                   string          `json:"prompt"`
	UserCharacterInformation map[string]any  `json:"userCharacterInformation,omitempty"`
	Options                  *SessionOptions `json:"options,omitempty"`
}

// ConsumerInteraction is a follow-up prompt in an existing session.
type ConsumerInteraction struct {
	NodeID        string `json:"nodeId"`
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Nonce         int64  `json:"nonce"`
	SessionID     string `json:"sessionId"`
	Prompt        string `json:"prompt"`
}

// AISessionConfirmation is an explicit consumer approval of services.
type AISessionConfirmation struct {
	WalletAddress string    `json:"walletAddress"`
	Signature     string    `json:"signature"`
	Nonce         int64     `json:"nonce"`
	SessionID     string    `json:"sessionId"`
	Services      []Service `json:"services"`
	Content       string    `json:"content"`
}

// AISessionRequest carries additional consumer data mid-execution.
type AISessionRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Nonce         int64  `json:"nonce"`
	SessionID     string `json:"sessionId"`
	Content       string `json:"content"`
}

// AISessionCompletion closes a session. It must be signed by the consumer.
type AISessionCompletion struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Nonce         int64  `json:"nonce"`
	SessionID     string `json:"sessionId"`
}

// ConsumerResponseData is the payload the coordinator sends to a consumer.
type ConsumerResponseData struct {
	Content        string         `json:"content"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// ConsumerResponse is signed by the coordinator; NodeID is its address.
type ConsumerResponse struct {
	NodeID    string               `json:"nodeId"`
	Signature string               `json:"signature"`
	Nonce     int64                `json:"nonce"`
	SessionID string               `json:"sessionId"`
	Data      ConsumerResponseData `json:"data"`
}

// ProviderResult is the body of a provider's execution result.
// ExecutionOrder echoes the request; zero means the provider omitted it.
type ProviderResult struct {
	SessionID      string         `json:"sessionId"`
	WalletAddress  string         `json:"walletAddress"`
	ProviderID     string         `json:"providerId"`
	ServiceID      string         `json:"serviceId"`
	ExecutionOrder int            `json:"executionOrder,omitempty"`
	Data           map[string]any `json:"data"`
}

// ProviderToCoordinatorCommunication is published on the shared provider
// response topic. WalletAddress is the provider's own address.
type ProviderToCoordinatorCommunication struct {
	WalletAddress string         `json:"walletAddress"`
	Signature     string         `json:"signature"`
	Nonce         int64          `json:"nonce"`
	Data          ProviderResult `json:"data"`
}

// ExecutionContext is the memory handed to a provider with each call.
type ExecutionContext struct {
	UserCharacterInformation map[string]any `json:"userCharacterInformation,omitempty"`
	InitialPrompt            string         `json:"initialPrompt"`
	Conversations            []Conversation `json:"conversations"`
	AdditionalInformation    map[string]any `json:"additionalInformation,omitempty"`
}

// ExecutionRequest is POSTed to a provider endpoint. NodeID is the
// coordinator's address and the signer.
type ExecutionRequest struct {
	NodeID         string           `json:"nodeId"`
	Signature      string           `json:"signature"`
	Nonce          int64            `json:"nonce"`
	SessionID      string           `json:"sessionId"`
	WalletAddress  string           `json:"walletAddress"`
	ProviderID     string           `json:"providerId"`
	ServiceID      string           `json:"serviceId"`
	ExecutionOrder int              `json:"executionOrder"`
	Prompt         string           `json:"prompt"`
	Context        ExecutionContext `json:"context"`
}

// ExecutionAccepted is a provider's acknowledgement of an ExecutionRequest.
type ExecutionAccepted struct {
	Execution string `json:"execution"`
}
