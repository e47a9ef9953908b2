// Package auth implements the request authentication and replay guard that
// fronts the governance core. Every inbound request is checked for API key
// validity, payload signature, timestamp freshness and nonce uniqueness — in
// that order — before any policy evaluation runs.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/replay"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

// Request is an inbound analysis request plus its auth material. Ephemeral:
// nothing here is persisted beyond what replay protection needs.
type Request struct {
	AgentID   string `json:"agent_id"`
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"` // declared unix seconds
	Nonce     string `json:"nonce"`

	APIKey    string `json:"-"`
	Signature string `json:"-"` // hex HMAC-SHA256 over the canonical payload
}

// AgentIdentity is the authenticated caller.
type AgentIdentity struct {
	AgentID string
}

// Config holds guard settings.
type Config struct {
	APIKey          string        // empty disables the API key check
	SigningRequired bool          // when false, unsigned requests pass the signature stage
	TimestampWindow time.Duration // max clock skew either direction
	RateLimitRPM    int
	RateLimitBurst  int
}

// Guard authenticates requests. Failures are typed (ErrUnauthorized,
// ErrBadSignature, ErrExpired, ErrReplayed, ErrRateLimited) and are reported
// to the reputation store; they never propagate into the pipeline.
type Guard struct {
	cfg     Config
	keyring *crypto.Keyring
	nonces  replay.Store
	rep     reputation.Store
	limiter *RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewGuard wires the guard. keyring may be nil only when SigningRequired is
// false. rep may be nil (no reputation feedback).
func NewGuard(cfg Config, keyring *crypto.Keyring, nonces replay.Store, rep reputation.Store) *Guard {
	return &Guard{
		cfg:     cfg,
		keyring: keyring,
		nonces:  nonces,
		rep:     rep,
		limiter: NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		logger:  slog.Default().With("component", "auth"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Authenticate runs the ordered checks and returns the caller identity.
// The nonce is recorded before returning so a racing duplicate loses.
func (g *Guard) Authenticate(ctx context.Context, req Request) (AgentIdentity, error) {
	if req.AgentID == "" {
		return AgentIdentity{}, fmt.Errorf("%w: missing agent id", ErrUnauthorized)
	}

	// 1. API key.
	if g.cfg.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(g.cfg.APIKey)) != 1 {
			g.penalize(ctx, req.AgentID, reputation.OutcomeSignatureAnomaly)
			return AgentIdentity{}, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
		}
	}

	// 2. Rate limit before the (costlier) signature check.
	if !g.limiter.Allow(req.AgentID) {
		g.penalize(ctx, req.AgentID, reputation.OutcomeRateViolation)
		return AgentIdentity{}, ErrRateLimited
	}

	// 3. Payload signature.
	if g.cfg.SigningRequired {
		if err := g.verifySignature(req); err != nil {
			g.penalize(ctx, req.AgentID, reputation.OutcomeSignatureAnomaly)
			return AgentIdentity{}, err
		}
	}

	// 4. Timestamp window.
	declared := time.Unix(req.Timestamp, 0)
	skew := g.now().Sub(declared)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.cfg.TimestampWindow {
		return AgentIdentity{}, fmt.Errorf("%w: declared %s", ErrExpired, declared.UTC().Format(time.RFC3339))
	}

	// 5. Nonce check-and-set. Recording happens inside the store's single
	// INSERT, closing the race between check and record.
	if req.Nonce == "" {
		return AgentIdentity{}, fmt.Errorf("%w: missing nonce", ErrUnauthorized)
	}
	fresh, err := g.nonces.CheckAndSet(ctx, req.AgentID+":"+req.Nonce)
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("auth: nonce store: %w", err)
	}
	if !fresh {
		g.penalize(ctx, req.AgentID, reputation.OutcomeSignatureAnomaly)
		return AgentIdentity{}, ErrReplayed
	}

	return AgentIdentity{AgentID: req.AgentID}, nil
}

// verifySignature recomputes the HMAC over the canonical payload with the
// agent's derived key and compares in constant time.
func (g *Guard) verifySignature(req Request) error {
	if req.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrBadSignature)
	}
	if g.keyring == nil {
		return fmt.Errorf("%w: signing required but no keyring configured", ErrUnauthorized)
	}
	key, err := g.keyring.AgentKey(req.AgentID)
	if err != nil {
		return fmt.Errorf("auth: derive key: %w", err)
	}
	payload, err := canonicalize.JCS(map[string]interface{}{
		"agent_id":  req.AgentID,
		"command":   req.Command,
		"timestamp": req.Timestamp,
		"nonce":     req.Nonce,
	})
	if err != nil {
		return fmt.Errorf("auth: canonicalize payload: %w", err)
	}
	expected := crypto.HMACSHA256Hex(key, payload)
	if !crypto.ConstantTimeEqualHex(expected, req.Signature) {
		return ErrBadSignature
	}
	return nil
}

func (g *Guard) penalize(ctx context.Context, agentID string, outcome reputation.Outcome) {
	if g.rep == nil {
		return
	}
	if _, err := g.rep.Update(ctx, agentID, outcome); err != nil {
		g.logger.WarnContext(ctx, "reputation update failed", "agent_id", agentID, "outcome", string(outcome), "error", err)
	}
}

// SignRequest computes the signature an agent must attach; used by the
// client command and by tests.
func SignRequest(keyring *crypto.Keyring, req Request) (string, error) {
	key, err := keyring.AgentKey(req.AgentID)
	if err != nil {
		return "", err
	}
	payload, err := canonicalize.JCS(map[string]interface{}{
		"agent_id":  req.AgentID,
		"command":   req.Command,
		"timestamp": req.Timestamp,
		"nonce":     req.Nonce,
	})
	if err != nil {
		return "", err
	}
	return crypto.HMACSHA256Hex(key, payload), nil
}
