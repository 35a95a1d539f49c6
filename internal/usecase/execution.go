package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ai-coordinator/internal/dispatch"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/signature"
)

const (
	allExecutedContent        = "Successfully executed all services for your last query"
	executionFailedFormat     = "Service %s of provider %s did not complete after %d attempts; the session has been rejected"
	providerRefusedFormat     = "Provider %s refused to execute service %s; the session has been rejected"
	providerUnavailableFormat = "Provider %s is not available; the session has been rejected"
)

// runExecution starts the first not-started service unless one is already
// in progress. With nothing left to run the consumer is told so.
func (c *Coordinator) runExecution(ctx context.Context, wallet, sessionID string, extra map[string]any) error {
	sess, err := c.store.GetSession(ctx, sessionID, wallet)
	if err != nil {
		return storeError("get_session", err)
	}
	if sess.State.Terminal() || sess.InProgress() >= 0 {
		return nil
	}
	i := sess.NextNotStarted()
	if i < 0 {
		return c.respond(ctx, domain.KindSessionInteraction, wallet, sessionID, domain.ConsumerResponseData{Content: allExecutedContent})
	}

	sess.Services[i].ExecutionState = domain.ExecutionInProgress
	sess.Services[i].Attempts = 1
	if sess, err = c.store.ReplaceServices(ctx, sessionID, wallet, sess.Services); err != nil {
		return storeError("replace_services", err)
	}
	if sess.State != domain.StateProcessing {
		if sess, err = c.store.UpdateState(ctx, sessionID, wallet, domain.StateProcessing); err != nil {
			return storeError("update_state", err)
		}
	}
	return c.dispatchService(ctx, sess, i, extra)
}

// dispatchService sends the in-progress service at index i to its provider
// and arms the execution deadline. A provider that refuses the call rejects
// the session; other failures are left to the deadline.
func (c *Coordinator) dispatchService(ctx context.Context, sess *domain.AISession, i int, extra map[string]any) error {
	svc := sess.Services[i]
	provider, ok := c.directory.Provider(svc.ProviderID)
	if !ok || strings.TrimSpace(provider.URL) == "" {
		return c.reject(ctx, sess, fmt.Sprintf(providerUnavailableFormat, svc.ProviderID))
	}

	req := domain.ExecutionRequest{
		NodeID:         c.signer.Address(),
		Signature:      signature.Sentinel,
		Nonce:          c.nonce(),
		SessionID:      sess.AISessionID,
		WalletAddress:  sess.WalletAddress,
		ProviderID:     svc.ProviderID,
		ServiceID:      svc.ServiceID,
		ExecutionOrder: svc.ExecutionOrder,
		Prompt:         latestPrompt(sess),
		Context: domain.ExecutionContext{
			UserCharacterInformation: sess.UserCharacterInformation,
			InitialPrompt:            sess.InitialPrompt,
			Conversations:            sess.Conversations,
			AdditionalInformation:    extra,
		},
	}
	sig, err := c.signer.SignEnvelope(req)
	if err != nil {
		return newError(ErrorInternal, "sign_execution_request", err)
	}
	req.Signature = sig

	c.logger.Info("dispatching service",
		"sessionId", sess.AISessionID, "providerId", svc.ProviderID, "serviceId", svc.ServiceID,
		"executionOrder", svc.ExecutionOrder, "attempt", svc.Attempts)
	err = c.dispatcher.Dispatch(ctx, provider.URL, req)
	if errors.Is(err, dispatch.ErrRejected) {
		c.logger.Warn("usecase: provider refused execution", "sessionId", sess.AISessionID, "providerId", svc.ProviderID, "code", ErrorTransport, "err", err)
		return c.reject(ctx, sess, fmt.Sprintf(providerRefusedFormat, svc.ProviderID, svc.ServiceID))
	}
	if err != nil {
		c.logger.Warn("usecase: dispatch failed", "sessionId", sess.AISessionID, "providerId", svc.ProviderID,
			"attempt", svc.Attempts, "code", CodeOf(transportError("dispatch", err)), "err", err)
	}
	c.armDeadline(sess.WalletAddress, sess.AISessionID, svc.ExecutionOrder)
	return nil
}

// reject moves the session to rejected and tells the consumer why.
func (c *Coordinator) reject(ctx context.Context, sess *domain.AISession, content string) error {
	c.stopDeadline(queueKey(sess.WalletAddress, sess.AISessionID))
	if _, err := c.store.UpdateState(ctx, sess.AISessionID, sess.WalletAddress, domain.StateRejected); err != nil {
		return storeError("update_state", err)
	}
	c.logger.Warn("session rejected", "sessionId", sess.AISessionID, "walletAddress", sess.WalletAddress, "reason", content)
	return c.respond(ctx, domain.KindSessionInteraction, sess.WalletAddress, sess.AISessionID, domain.ConsumerResponseData{Content: content})
}

// latestPrompt is the most recent consumer turn, falling back to the
// initial prompt.
func latestPrompt(sess *domain.AISession) string {
	for i := len(sess.Conversations) - 1; i >= 0; i-- {
		if sess.Conversations[i].Role == domain.RoleConsumer {
			return sess.Conversations[i].Content
		}
	}
	return sess.InitialPrompt
}

// acceptProviderResponse authenticates a provider result against the
// provider's own address and queues it on the consumer's session.
func (c *Coordinator) acceptProviderResponse(raw []byte) error {
	msg, signer, err := decodeSigned[domain.ProviderToCoordinatorCommunication](raw, "walletAddress")
	if err != nil {
		return err
	}
	res := msg.Data
	wallet := domain.NormalizeAddress(res.WalletAddress)
	if strings.TrimSpace(res.SessionID) == "" || wallet == "" || res.ProviderID == "" || res.ServiceID == "" {
		return newError(ErrorInvalidInput, "missing_fields", nil)
	}
	return c.enqueue(wallet, res.SessionID, "provider-response", func(ctx context.Context) error {
		return c.completeService(ctx, signer, res)
	})
}

// completeService applies a provider result to the first in-progress
// service with the same provider and service ids. When the result carries
// an executionOrder it must also name that service. Results that match
// nothing, including replays of completed work, change nothing.
func (c *Coordinator) completeService(ctx context.Context, signer string, res domain.ProviderResult) error {
	wallet := domain.NormalizeAddress(res.WalletAddress)
	provider, ok := c.directory.Provider(res.ProviderID)
	if !ok {
		return newError(ErrorAuthentication, "unknown_provider", nil)
	}
	if provider.WalletAddress != "" && provider.WalletAddress != signer {
		return newError(ErrorAuthentication, "provider_wallet_mismatch", nil)
	}

	sess, err := c.openSession(ctx, wallet, res.SessionID)
	if err != nil {
		return err
	}
	i := -1
	for j, svc := range sess.Services {
		if svc.ExecutionState == domain.ExecutionInProgress && svc.Matches(res.ProviderID, res.ServiceID) {
			i = j
			break
		}
	}
	if i < 0 || (res.ExecutionOrder != 0 && sess.Services[i].ExecutionOrder != res.ExecutionOrder) {
		return newError(ErrorInvalidInput, "uncorrelated_response",
			fmt.Errorf("provider %q service %q order %d", res.ProviderID, res.ServiceID, res.ExecutionOrder))
	}

	c.stopDeadline(queueKey(wallet, res.SessionID))
	sess.Services[i].ExecutionState = domain.ExecutionCompleted
	svc := sess.Services[i]
	if _, err := c.store.ReplaceServices(ctx, res.SessionID, wallet, sess.Services); err != nil {
		return storeError("replace_services", err)
	}
	if _, err := c.store.RecordServiceUsage(ctx, res.SessionID, wallet, svc); err != nil {
		return storeError("record_service_usage", err)
	}

	result, err := json.Marshal(res.Data)
	if err != nil {
		return newError(ErrorInvalidInput, "encode_result", err)
	}
	if _, err := c.store.AppendConversation(ctx, res.SessionID, wallet, domain.Conversation{Role: domain.RoleProvider, Content: string(result)}); err != nil {
		return storeError("append_conversation", err)
	}
	err = c.respond(ctx, domain.KindSessionInteraction, wallet, res.SessionID, domain.ConsumerResponseData{
		Content: string(result),
		AdditionalData: map[string]any{
			"providerId":     svc.ProviderID,
			"serviceId":      svc.ServiceID,
			"executionOrder": svc.ExecutionOrder,
			"result":         res.Data,
		},
	})
	if err != nil {
		return err
	}
	return c.runExecution(ctx, wallet, res.SessionID, nil)
}

// armDeadline replaces the session's execution deadline. When it fires,
// the expiry is applied through the session queue.
func (c *Coordinator) armDeadline(wallet, sessionID string, executionOrder int) {
	key := queueKey(wallet, sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.deadlines[key]; ok {
		d.timer.Stop()
	}
	c.seq++
	seq := c.seq
	timer := c.clock.AfterFunc(c.executionTimeout, func() {
		err := c.enqueue(wallet, sessionID, "execution-deadline", func(ctx context.Context) error {
			return c.expire(ctx, wallet, sessionID, executionOrder, seq)
		})
		if err != nil {
			c.logger.Warn("usecase: deadline dropped", "sessionId", sessionID, "err", err)
		}
	})
	c.deadlines[key] = deadline{timer: timer, seq: seq}
}

func (c *Coordinator) stopDeadline(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.deadlines[key]; ok {
		d.timer.Stop()
		delete(c.deadlines, key)
	}
}

// takeDeadline consumes the deadline if seq is still the armed one.
func (c *Coordinator) takeDeadline(key string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deadlines[key]
	if !ok || d.seq != seq {
		return false
	}
	delete(c.deadlines, key)
	return true
}

// expire re-dispatches a service whose deadline passed, or rejects the
// session once the service has used all its attempts.
func (c *Coordinator) expire(ctx context.Context, wallet, sessionID string, executionOrder int, seq uint64) error {
	if !c.takeDeadline(queueKey(wallet, sessionID), seq) {
		return nil
	}
	sess, err := c.store.GetSession(ctx, sessionID, wallet)
	if err != nil {
		return storeError("get_session", err)
	}
	if sess.State.Terminal() {
		return nil
	}
	i := -1
	for j, svc := range sess.Services {
		if svc.ExecutionState == domain.ExecutionInProgress && svc.ExecutionOrder == executionOrder {
			i = j
			break
		}
	}
	if i < 0 {
		return nil
	}

	svc := sess.Services[i]
	c.logger.Warn("usecase: execution deadline expired",
		"sessionId", sessionID, "providerId", svc.ProviderID, "serviceId", svc.ServiceID, "attempt", svc.Attempts)
	if svc.Attempts >= c.maxAttempts {
		return c.reject(ctx, sess, fmt.Sprintf(executionFailedFormat, svc.ServiceID, svc.ProviderID, svc.Attempts))
	}
	sess.Services[i].Attempts++
	if sess, err = c.store.ReplaceServices(ctx, sessionID, wallet, sess.Services); err != nil {
		return storeError("replace_services", err)
	}
	return c.dispatchService(ctx, sess, i, nil)
}
