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

	"github.com/Mindburn-Labs/sentinel/pkg/api"
)

// runFreeze flips the global execution freeze through the API so the flip
// lands in the audit chain like any other operator action.
func runFreeze(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("freeze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("SENTINEL_SERVER", "http://localhost:8080"), "gateway base URL")
	operator := fs.String("operator", envOr("SENTINEL_OPERATOR", "cli"), "operator name recorded in the audit trail")
	reason := fs.String("reason", "", "why the freeze is being set")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || (fs.Arg(0) != "set" && fs.Arg(0) != "clear") {
		_, _ = fmt.Fprintln(stderr, "usage: sentinel freeze [flags] set|clear")
		return 1
	}

	secret := os.Getenv("SENTINEL_OPERATOR_SECRET")
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "freeze: SENTINEL_OPERATOR_SECRET is required")
		return 1
	}
	token, err := api.NewOperatorToken([]byte(secret), *operator, 5*time.Minute)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "freeze: mint token:", err)
		return 1
	}

	method := http.MethodDelete
	var body io.Reader
	if fs.Arg(0) == "set" {
		method = http.MethodPut
		payload, _ := json.Marshal(map[string]string{"reason": *reason})
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, *server+"/freeze", body)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "freeze:", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "freeze:", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_, _ = fmt.Fprintf(stderr, "freeze: server returned %d: %s\n", resp.StatusCode, detail)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "freeze %s\n", fs.Arg(0))
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
