package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/auth"
	"github.com/Mindburn-Labs/sentinel/pkg/freeze"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/ops"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

// Server wires the governance components behind HTTP. All state lives in
// the injected collaborators; the server itself is stateless.
type Server struct {
	guard          *auth.Guard
	engine         *policy.Engine
	rep            reputation.Store
	chain          *audit.Chain
	frozen         *freeze.Controller
	approver       *ops.Approver
	operatorSecret []byte
	obs            *observability.Provider
	log            *slog.Logger
}

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Guard          *auth.Guard
	Engine         *policy.Engine
	Reputation     reputation.Store
	Chain          *audit.Chain
	Freeze         *freeze.Controller
	Approver       *ops.Approver
	OperatorSecret []byte
	Observability  *observability.Provider // optional
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		guard:          cfg.Guard,
		engine:         cfg.Engine,
		rep:            cfg.Reputation,
		chain:          cfg.Chain,
		frozen:         cfg.Freeze,
		approver:       cfg.Approver,
		operatorSecret: cfg.OperatorSecret,
		obs:            cfg.Observability,
		log:            slog.Default().With("component", "api"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("GET /audit/head", s.handleAuditHead)
	mux.HandleFunc("GET /audit/verify", s.handleAuditVerify)
	mux.HandleFunc("PUT /freeze", s.requireOperator(s.handleFreezeSet))
	mux.HandleFunc("DELETE /freeze", s.requireOperator(s.handleFreezeClear))
	mux.HandleFunc("POST /actions/{id}/approve", s.requireOperator(s.handleApprove))
	mux.HandleFunc("POST /actions/{id}/reject", s.requireOperator(s.handleReject))
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type analyzeRequest struct {
	AgentID   string `json:"agent_id"`
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// handleAnalyze is the externally-reachable decision endpoint: auth guard,
// policy evaluation, reputation update, audit append, in that order. It
// always answers with a decision object once authentication passes, even
// when the reputation store is down.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return
	}
	var req analyzeRequest
	if err := validateAndDecode(analyzeSchema, raw, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	identity, err := s.guard.Authenticate(r.Context(), auth.Request{
		AgentID:   req.AgentID,
		Command:   req.Command,
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
		APIKey:    r.Header.Get("X-API-Key"),
		Signature: r.Header.Get("X-Signature"),
	})
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	// A reputation-store outage degrades to score zero rather than failing
	// the request open or closed on transport grounds.
	score := int64(0)
	if rec, err := s.rep.Get(r.Context(), identity.AgentID); err == nil {
		score = rec.Score
	} else {
		s.log.Error("reputation read failed, using neutral score", "agent", identity.AgentID, "error", err)
	}

	frozen, _, err := s.frozen.Active(r.Context())
	if err != nil {
		s.log.Error("freeze read failed, assuming frozen", "error", err)
		frozen = true
	}

	cmd := policy.ParseCommand(req.Command)
	decision := s.engine.Evaluate(policy.Input{
		Command:    cmd,
		AgentID:    identity.AgentID,
		Reputation: score,
		Frozen:     frozen,
	})

	if s.obs != nil {
		s.obs.RecordDecision(r.Context(), string(decision.Verdict))
	}
	if _, err := s.rep.Update(r.Context(), identity.AgentID, outcomeFor(decision.Verdict)); err != nil {
		s.log.Error("reputation update failed", "agent", identity.AgentID, "error", err)
	}
	if _, err := s.chain.Append(r.Context(), audit.Record{
		Actor:   identity.AgentID,
		Action:  "decision_" + string(decision.Verdict),
		Target:  decisionTarget(cmd),
		Details: fmt.Sprintf("%s (risk %s, policy %s)", decision.Reason, decision.Risk, decision.PolicyVersion),
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decision)
}

func outcomeFor(v policy.Verdict) reputation.Outcome {
	switch v {
	case policy.VerdictAllow:
		return reputation.OutcomeAllowed
	case policy.VerdictReview:
		return reputation.OutcomeReviewed
	default:
		return reputation.OutcomeDenied
	}
}

func decisionTarget(cmd policy.Command) string {
	if cmd.Target != "" {
		return cmd.Target
	}
	return cmd.Raw
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrReplayed):
		WriteConflict(w, "Nonce already used")
	case errors.Is(err, auth.ErrRateLimited):
		WriteTooManyRequests(w, 5)
	case errors.Is(err, auth.ErrExpired):
		WriteUnauthorized(w, "Request timestamp outside the accepted window")
	case errors.Is(err, auth.ErrBadSignature):
		WriteUnauthorized(w, "Signature verification failed")
	case errors.Is(err, auth.ErrUnauthorized):
		WriteUnauthorized(w, "")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleAuditHead(w http.ResponseWriter, r *http.Request) {
	head, err := s.chain.Head(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(head)
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Seq   uint64 `json:"seq"`
	Error string `json:"error,omitempty"`
}

// handleAuditVerify recomputes the whole chain. An integrity break is
// reported to the caller, never repaired.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	head, err := s.chain.Head(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	resp := verifyResponse{Valid: true, Seq: head.Seq}
	if err := s.chain.Verify(r.Context()); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
		s.log.Error("audit chain verification failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFreezeSet(w http.ResponseWriter, r *http.Request, operator string) {
	var req freezeRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return
	}
	if len(raw) > 0 {
		if err := validateAndDecode(freezeSchema, raw, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if err := s.frozen.Set(r.Context(), operator, req.Reason); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFreezeClear(w http.ResponseWriter, r *http.Request, operator string) {
	if err := s.frozen.Clear(r.Context(), operator); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, operator string) {
	action, err := s.approver.Approve(r.Context(), r.PathValue("id"), operator)
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(action)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, operator string) {
	var req rejectRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return
	}
	if len(raw) > 0 {
		if err := validateAndDecode(rejectSchema, raw, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "rejected by operator"
	}
	action, err := s.approver.Reject(r.Context(), r.PathValue("id"), operator, req.Reason)
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(action)
}

func (s *Server) writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ops.ErrNotFound):
		WriteNotFound(w, "No such action")
	case errors.Is(err, ops.ErrAlreadyDecided):
		WriteConflict(w, "Action already decided")
	case errors.Is(err, ops.ErrDigestMismatch):
		WriteConflict(w, "Action digest does not match its proposal")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, limiter *GlobalRateLimiter) error {
	handler := s.Handler()
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api listening", "addr", addr)

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
