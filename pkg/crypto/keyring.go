package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives per-agent HMAC signing keys from a single master secret,
// so the gateway never stores one shared key for every caller. Derivation is
// deterministic: the same (master, agent) pair always yields the same key.
type Keyring struct {
	master []byte
}

// NewKeyring creates a keyring over the given master secret.
func NewKeyring(masterSecret []byte) (*Keyring, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("keyring: master secret must not be empty")
	}
	return &Keyring{master: masterSecret}, nil
}

// AgentKey derives the 32-byte HMAC key for an agent via HKDF-SHA256 with
// the agent id as the info parameter.
func (k *Keyring) AgentKey(agentID string) ([]byte, error) {
	if agentID == "" {
		return nil, fmt.Errorf("keyring: agent id must not be empty")
	}
	r := hkdf.New(sha256.New, k.master, nil, []byte("sentinel/agent/"+agentID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyring: derive key for %s: %w", agentID, err)
	}
	return key, nil
}
