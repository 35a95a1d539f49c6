package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ai-coordinator/internal/catalog"
	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/repository"
	"ai-coordinator/internal/signature"
)

const (
	creationAckFormat    = "AI session has been established successfully, and your session id is %s"
	matcherFailedContent = "I am sorry, I could not process your request right now. Please try again later."
	confirmedContent     = "Thank you for confirming the service, the execution is started"
	additionalInfoPrefix = "Additional Information provided by user:\n"
	consumerAddressField = "walletAddress"
)

// acceptCreation creates the session, prompt included, before returning, so
// the session id exists before any queued work runs.
func (c *Coordinator) acceptCreation(ctx context.Context, raw []byte) error {
	req, wallet, err := decodeSigned[domain.CreateAISession](raw, consumerAddressField)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return newError(ErrorInvalidInput, "empty_prompt", nil)
	}

	id, err := c.store.CreateSession(ctx, wallet, req.Prompt, req.UserCharacterInformation, nil)
	switch {
	case errors.Is(err, repository.ErrOpenIndex):
		c.logger.Warn("session created without open-session index entry",
			"sessionId", id, "walletAddress", wallet, "err", err)
	case err != nil:
		return storeError("create_session", err)
	}
	c.logger.Info("session created", "sessionId", id, "walletAddress", wallet)

	preview := req.Options != nil && req.Options.Preview
	return c.enqueue(wallet, id, domain.KindSessionCreation, func(ctx context.Context) error {
		ack := domain.ConsumerResponseData{
			Content:        fmt.Sprintf(creationAckFormat, id),
			AdditionalData: map[string]any{"sessionId": id},
		}
		if err := c.respond(ctx, domain.KindSessionCreation, wallet, id, ack); err != nil {
			return err
		}
		return c.processPrompt(ctx, wallet, id, req.Prompt, preview)
	})
}

func (c *Coordinator) acceptInteraction(raw []byte) error {
	req, wallet, err := decodeSigned[domain.ConsumerInteraction](raw, consumerAddressField)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Prompt) == "" {
		return newError(ErrorInvalidInput, "missing_fields", nil)
	}

	return c.enqueue(wallet, req.SessionID, domain.KindSessionInteraction, func(ctx context.Context) error {
		if _, err := c.openSession(ctx, wallet, req.SessionID); err != nil {
			return err
		}
		if _, err := c.store.AppendConversation(ctx, req.SessionID, wallet, domain.Conversation{Role: domain.RoleConsumer, Content: req.Prompt}); err != nil {
			return storeError("append_conversation", err)
		}
		return c.processPrompt(ctx, wallet, req.SessionID, req.Prompt, false)
	})
}

// acceptConfirmation appends consumer-approved services. Every reference
// must exist in the catalog; descriptive fields come from the catalog, not
// from the message.
func (c *Coordinator) acceptConfirmation(raw []byte) error {
	req, wallet, err := decodeSigned[domain.AISessionConfirmation](raw, consumerAddressField)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.SessionID) == "" || len(req.Services) == 0 {
		return newError(ErrorInvalidInput, "missing_fields", nil)
	}
	services := make([]domain.Service, 0, len(req.Services))
	for _, ref := range req.Services {
		entry, ok := c.directory.Lookup(ref.ProviderID, ref.ServiceID)
		if !ok {
			return newError(ErrorInvalidInput, "unknown_service", fmt.Errorf("provider %q service %q", ref.ProviderID, ref.ServiceID))
		}
		services = append(services, catalog.Snapshot(entry))
	}

	return c.enqueue(wallet, req.SessionID, domain.KindSessionConfirmation, func(ctx context.Context) error {
		sess, err := c.openSession(ctx, wallet, req.SessionID)
		if err != nil {
			return err
		}
		if content := strings.TrimSpace(req.Content); content != "" {
			if _, err := c.store.AppendConversation(ctx, req.SessionID, wallet, domain.Conversation{Role: domain.RoleConsumer, Content: content}); err != nil {
				return storeError("append_conversation", err)
			}
		}
		if err := c.appendServices(ctx, sess, services); err != nil {
			return err
		}
		if err := c.respond(ctx, domain.KindSessionConfirmation, wallet, req.SessionID, domain.ConsumerResponseData{Content: confirmedContent}); err != nil {
			return err
		}
		return c.runExecution(ctx, wallet, req.SessionID, nil)
	})
}

// acceptCompletion closes the session from any state and attests the
// result with the coordinator's signature.
func (c *Coordinator) acceptCompletion(raw []byte) error {
	req, wallet, err := decodeSigned[domain.AISessionCompletion](raw, consumerAddressField)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return newError(ErrorInvalidInput, "missing_fields", nil)
	}

	return c.enqueue(wallet, req.SessionID, domain.KindSessionCompletion, func(ctx context.Context) error {
		sess, err := c.store.UpdateState(ctx, req.SessionID, wallet, domain.StateCompleted)
		if err != nil {
			return storeError("update_state", err)
		}
		c.stopDeadline(queueKey(wallet, req.SessionID))

		payload, err := AttestationPayload(sess)
		if err != nil {
			return newError(ErrorInternal, "encode_attestation", err)
		}
		if _, err := c.store.AppendPeerSignature(ctx, req.SessionID, wallet, c.signer.Address(), c.signer.Sign(payload)); err != nil {
			return storeError("append_peer_signature", err)
		}
		c.logger.Info("session completed", "sessionId", req.SessionID, "walletAddress", wallet)
		return nil
	})
}

// acceptAdditionalData records extra consumer input and hands it to the
// service in progress, or to the next one.
func (c *Coordinator) acceptAdditionalData(raw []byte) error {
	req, wallet, err := decodeSigned[domain.AISessionRequest](raw, consumerAddressField)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Content) == "" {
		return newError(ErrorInvalidInput, "missing_fields", nil)
	}

	return c.enqueue(wallet, req.SessionID, domain.KindRequest, func(ctx context.Context) error {
		if _, err := c.openSession(ctx, wallet, req.SessionID); err != nil {
			return err
		}
		sess, err := c.store.AppendConversation(ctx, req.SessionID, wallet, domain.Conversation{
			Role:    domain.RoleCoordinator,
			Content: additionalInfoPrefix + req.Content,
		})
		if err != nil {
			return storeError("append_conversation", err)
		}
		extra := map[string]any{"content": req.Content}
		if i := sess.InProgress(); i >= 0 {
			return c.dispatchService(ctx, sess, i, extra)
		}
		return c.runExecution(ctx, wallet, req.SessionID, extra)
	})
}

// processPrompt runs the matcher. Matched services are appended and
// executed unless the consumer asked for a preview, in which case they are
// only proposed and wait for a confirmation.
func (c *Coordinator) processPrompt(ctx context.Context, wallet, sessionID, prompt string, preview bool) error {
	res, err := c.matcher.Match(ctx, prompt)
	if err != nil {
		c.logger.Warn("usecase: matcher failed", "sessionId", sessionID, "walletAddress", wallet, "code", ErrorUpstream, "err", err)
		return c.respond(ctx, domain.KindSessionInteraction, wallet, sessionID, domain.ConsumerResponseData{Content: matcherFailedContent})
	}
	if len(res.Services) == 0 {
		return c.respond(ctx, domain.KindSessionInteraction, wallet, sessionID, domain.ConsumerResponseData{Content: res.Content})
	}
	if preview {
		return c.respond(ctx, domain.KindSessionPreview, wallet, sessionID, domain.ConsumerResponseData{
			Content:        res.Content,
			AdditionalData: map[string]any{"services": res.Services},
		})
	}

	sess, err := c.openSession(ctx, wallet, sessionID)
	if err != nil {
		return err
	}
	if err := c.appendServices(ctx, sess, res.Services); err != nil {
		return err
	}
	return c.runExecution(ctx, wallet, sessionID, nil)
}

// appendServices adds services after the existing ones, continuing the
// execution order. A created session becomes confirmed.
func (c *Coordinator) appendServices(ctx context.Context, sess *domain.AISession, services []domain.Service) error {
	merged := append([]domain.Service(nil), sess.Services...)
	order := sess.MaxExecutionOrder()
	for _, svc := range services {
		order++
		svc.ExecutionOrder = order
		svc.ExecutionState = domain.ExecutionNotStarted
		svc.Attempts = 0
		merged = append(merged, svc)
	}
	if _, err := c.store.ReplaceServices(ctx, sess.AISessionID, sess.WalletAddress, merged); err != nil {
		return storeError("replace_services", err)
	}
	if sess.State != domain.StateCreated {
		return nil
	}
	if _, err := c.store.UpdateState(ctx, sess.AISessionID, sess.WalletAddress, domain.StateConfirmed); err != nil {
		return storeError("update_state", err)
	}
	return nil
}

// openSession loads a session that still accepts work.
func (c *Coordinator) openSession(ctx context.Context, wallet, sessionID string) (*domain.AISession, error) {
	sess, err := c.store.GetSession(ctx, sessionID, wallet)
	if err != nil {
		return nil, storeError("get_session", err)
	}
	if sess.State.Terminal() {
		return nil, newError(ErrorInvalidInput, "session_closed", fmt.Errorf("state %s", sess.State))
	}
	return sess, nil
}

type attestation struct {
	AISessionID        string                     `json:"aiSessionId"`
	WalletAddress      string                     `json:"walletAddress"`
	ServiceUsageTraces []domain.ServiceUsageTrace `json:"serviceUsageTraces"`
	State              domain.SessionState        `json:"state"`
}

// AttestationPayload is the canonical byte string a coordinator signs when
// it attests a completed session.
func AttestationPayload(sess *domain.AISession) ([]byte, error) {
	traces := sess.ServiceUsageTraces
	if traces == nil {
		traces = []domain.ServiceUsageTrace{}
	}
	return signature.Canonical(attestation{
		AISessionID:        sess.AISessionID,
		WalletAddress:      sess.WalletAddress,
		ServiceUsageTraces: traces,
		State:              sess.State,
	})
}
