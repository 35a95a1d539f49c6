// Package handler exposes the read-only status surface of a coordinator,
// both as an API Gateway Lambda handler and as chi routes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"ai-coordinator/internal/domain"
	"ai-coordinator/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Inspector interface {
	Session(ctx context.Context, sessionID, wallet string) (*domain.AISession, error)
	OpenSessions(ctx context.Context, wallet string) (*domain.OpenSessionIndex, error)
	Peers() []string
}

type Handler struct {
	inspector Inspector
	logger    *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type peersResponse struct {
	Peers []string `json:"peers"`
}

var newCorrelationID = func() string { return uuid.NewString() }

func NewHandler(inspector Inspector) (*Handler, error) {
	if inspector == nil {
		return nil, errors.New("handler: inspector must not be nil")
	}
	return &Handler{inspector: inspector, logger: slog.Default()}, nil
}

// Handle serves API Gateway proxy events for the session routes.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	logger := h.logger.With("correlationId", correlationID, "path", event.Path)

	if event.HTTPMethod != "" && event.HTTPMethod != http.MethodGet {
		return respond(correlationID, http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	wallet := event.QueryStringParameters["walletAddress"]
	path := strings.TrimSuffix(event.Path, "/")

	var (
		body any
		err  error
	)
	switch {
	case path == "/ai/sessions/open":
		body, err = h.inspector.OpenSessions(ctx, wallet)
	case strings.HasPrefix(path, "/ai/session/"):
		id := event.PathParameters["id"]
		if id == "" {
			id = strings.TrimPrefix(path, "/ai/session/")
		}
		body, err = h.inspector.Session(ctx, id, wallet)
	case path == "/getPeers":
		body = peersResponse{Peers: h.inspector.Peers()}
	default:
		return respond(correlationID, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound)}), nil
	}
	if err != nil {
		status, code := statusFor(err)
		logger.Warn("handler: request failed", "code", code, "err", err)
		return respond(correlationID, status, errorResponse{Error: string(code)}), nil
	}
	return respond(correlationID, http.StatusOK, body), nil
}

// RegisterRoutes registers the status routes on a coordinator's HTTP server.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/getPeers", h.handleGetPeers)
	r.Get("/ai/session/{id}", h.handleGetSession)
	r.Get("/ai/sessions/open", h.handleGetOpenSessions)
}

func (h *Handler) handleGetPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, peersResponse{Peers: h.inspector.Peers()})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.inspector.Session(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("walletAddress"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleGetOpenSessions(w http.ResponseWriter, r *http.Request) {
	idx, err := h.inspector.OpenSessions(r.Context(), r.URL.Query().Get("walletAddress"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	h.logger.Warn("handler: request failed", "path", r.URL.Path, "requestId", middleware.GetReqID(r.Context()), "code", code, "err", err)
	writeJSON(w, status, errorResponse{Error: string(code)})
}

func statusFor(err error) (int, usecase.ErrorCode) {
	code := usecase.CodeOf(err)
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, code
	case usecase.ErrorNotFound:
		return http.StatusNotFound, code
	case usecase.ErrorAuthentication:
		return http.StatusUnauthorized, code
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, usecase.ErrorInternal
	}
}

func respond(correlationID string, status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
