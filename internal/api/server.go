package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/facilitator"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/logging"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/telemetry"
	"hypernode-facilitator/internal/verify"
)

// Service is the facilitator surface the HTTP layer exposes.
type Service interface {
	PaymentRequired(resource, correlationID string, amount uint64, reason error) models.PaymentRequired
	Authorize(ctx context.Context, header string, req verify.Requirements) (models.EscrowRecord, error)
	SubmitCompletion(ctx context.Context, r models.CompletionReport) (models.AttestationRequest, bool, error)
	Cancel(ctx context.Context, intentID, requester, signature string, auth intent.OperatorAuth) (models.EscrowRecord, error)
	Status(ctx context.Context, intentID string) (models.EscrowRecord, error)
	AuditTrail(ctx context.Context, intentID string) ([]models.AuditLog, error)
	Node(ctx context.Context, nodeID string) (models.NodeRecord, error)
	RegisterNode(ctx context.Context, authority string, stake uint64, signature string) (models.NodeRecord, error)
	Withdraw(ctx context.Context, nodeID, requester string, amount uint64, signature string, auth intent.OperatorAuth) (models.NodeRecord, error)
	Deactivate(ctx context.Context, nodeID, requester, signature string, auth intent.OperatorAuth) (models.NodeRecord, error)
	Stats(ctx context.Context) (facilitator.Stats, error)
	Healthy(ctx context.Context) bool
}

var _ Service = (*facilitator.Facilitator)(nil)

// Server wires HTTP handlers for the facilitator API.
type Server struct {
	svc Service
	log zerolog.Logger
}

// New constructs the API server.
func New(svc Service, logger zerolog.Logger) *Server {
	return &Server{svc: svc, log: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authorize", s.handleAuthorize)
		r.Post("/completions", s.handleCompletion)
		r.Get("/intents/{id}", s.handleStatus)
		r.Get("/intents/{id}/audit", s.handleAudit)
		r.Post("/intents/{id}/cancel", s.handleCancel)
		r.Post("/nodes", s.handleRegisterNode)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Post("/nodes/{id}/withdraw", s.handleWithdraw)
		r.Post("/nodes/{id}/deactivate", s.handleDeactivate)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorizeRequest carries what the protected resource requires. All fields are optional.
type authorizeRequest struct {
	Amount        uint64 `json:"amount"`
	Asset         string `json:"asset"`
	Resource      string `json:"resource"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid json"))
		return
	}
	if req.Resource == "" {
		req.Resource = r.URL.Path
	}

	header := r.Header.Get(intent.HeaderName)
	if header == "" {
		writeJSON(w, http.StatusPaymentRequired, s.svc.PaymentRequired(req.Resource, req.CorrelationID, req.Amount, nil))
		return
	}
	rec, err := s.svc.Authorize(r.Context(), header, verify.Requirements{Amount: req.Amount, Asset: req.Asset})
	if err != nil {
		code := apperr.CodeOf(err)
		if apperr.Rejection(code) || code == apperr.CodeAuthorizationFailed {
			writeJSON(w, http.StatusPaymentRequired, s.svc.PaymentRequired(req.Resource, req.CorrelationID, req.Amount, err))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type completionResponse struct {
	Request    models.AttestationRequest `json:"request"`
	Idempotent bool                      `json:"idempotent"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var report models.CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid json"))
		return
	}
	req, reused, err := s.svc.SubmitCompletion(r.Context(), report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, completionResponse{Request: req, Idempotent: reused})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type auditResponse struct {
	IntentID string            `json:"intentId"`
	Events   []models.AuditLog `json:"events"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trail, err := s.svc.AuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if trail == nil {
		trail = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, auditResponse{IntentID: id, Events: trail})
}

// signedRequest authenticates a mutating call: signature is the requester's
// signature over the operation's fixed message, which includes the nonce and
// expiry.
type signedRequest struct {
	Requester string `json:"requester"`
	Signature string `json:"signature"`
	Amount    uint64 `json:"amount,omitempty"`
	intent.OperatorAuth
}

func decodeSigned(r *http.Request) (signedRequest, error) {
	var req signedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid json")
	}
	return req, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Requester, req.Signature, req.OperatorAuth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type registerRequest struct {
	Authority string `json:"authority"`
	Stake     uint64 `json:"stake"`
	Signature string `json:"signature"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid json"))
		return
	}
	node, err := s.svc.RegisterNode(r.Context(), req.Authority, req.Stake, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.svc.Node(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	node, err := s.svc.Withdraw(r.Context(), chi.URLParam(r, "id"), req.Requester, req.Amount, req.Signature, req.OperatorAuth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	node, err := s.svc.Deactivate(r.Context(), chi.URLParam(r, "id"), req.Requester, req.Signature, req.OperatorAuth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	var appErr *apperr.Error
	if status == http.StatusInternalServerError && !errors.As(err, &appErr) {
		msg = "internal error"
	}
	if code == apperr.CodeRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	writeJSON(w, status, errorBody{Error: string(code), Message: msg})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeMalformedPayment, apperr.CodeInvalidRequest, apperr.CodeInvalidAmount, apperr.CodeInvalidProofFormat:
		return http.StatusBadRequest
	case apperr.CodeInvalidSignature, apperr.CodeSignerMismatch:
		return http.StatusUnauthorized
	case apperr.CodeExpired, apperr.CodeInsufficientAmount, apperr.CodeAssetMismatch, apperr.CodeAuthorizationFailed:
		return http.StatusPaymentRequired
	case apperr.CodeUnauthorizedOracle, apperr.CodeNodeMismatch:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAlreadyUsed, apperr.CodeDuplicateProof, apperr.CodeWrongState, apperr.CodeCannotCancel,
		apperr.CodeNodeExists, apperr.CodeNodeInactive, apperr.CodeInsufficientEarnings, apperr.CodeAttestationRejected:
		return http.StatusConflict
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeOutcomeUnknown:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
