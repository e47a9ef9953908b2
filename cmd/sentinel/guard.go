package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/auth"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
)

// Guard exit codes. Wrappers gate the real command on them, so review and
// deny must be distinguishable from transport failure.
const (
	exitAllow  = 0
	exitError  = 1
	exitDeny   = 2
	exitReview = 3
)

// runGuard signs a command and asks /analyze for a verdict. It is the
// client an agent wrapper shells out to before running anything.
func runGuard(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("guard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("SENTINEL_SERVER", "http://localhost:8080"), "gateway base URL")
	agent := fs.String("agent", envOr("SENTINEL_AGENT_ID", "cli-agent"), "agent identity to sign as")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, `usage: sentinel guard [flags] "<command>"`)
		return exitError
	}
	command := fs.Arg(0)

	req := auth.Request{
		AgentID:   *agent,
		Command:   command,
		Timestamp: time.Now().Unix(),
		Nonce:     uuid.NewString(),
	}

	httpReq, err := buildAnalyzeRequest(*server, req)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "guard:", err)
		return exitError
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "guard:", err)
		return exitError
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "guard: server returned %d: %s\n", resp.StatusCode, body)
		return exitError
	}

	var decision policy.Decision
	if err := json.Unmarshal(body, &decision); err != nil {
		_, _ = fmt.Fprintln(stderr, "guard: decode decision:", err)
		return exitError
	}
	_, _ = fmt.Fprintf(stdout, "%s: %s (risk %s)\n", decision.Verdict, decision.Reason, decision.Risk)

	switch decision.Verdict {
	case policy.VerdictAllow:
		return exitAllow
	case policy.VerdictDeny:
		return exitDeny
	case policy.VerdictReview:
		return exitReview
	default:
		_, _ = fmt.Fprintf(stderr, "guard: unknown verdict %q\n", decision.Verdict)
		return exitError
	}
}

func buildAnalyzeRequest(server string, req auth.Request) (*http.Request, error) {
	payload, err := json.Marshal(map[string]any{
		"agent_id":  req.AgentID,
		"command":   req.Command,
		"timestamp": req.Timestamp,
		"nonce":     req.Nonce,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, server+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("SENTINEL_API_KEY"); key != "" {
		httpReq.Header.Set("X-API-Key", key)
	}
	if secret := os.Getenv("SENTINEL_MASTER_SECRET"); secret != "" {
		keyring, err := crypto.NewKeyring([]byte(secret))
		if err != nil {
			return nil, err
		}
		sig, err := auth.SignRequest(keyring, req)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("X-Signature", sig)
	}
	return httpReq, nil
}
