package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignVerify(t *testing.T) {
	signer, err := NewEd25519Signer("test-key-1")
	require.NoError(t, err)

	payload := []byte("audit-head-hash")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), sig, payload)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(signer.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	_, err := Verify("not-hex", "00", []byte("x"))
	assert.Error(t, err)

	_, err = Verify("0011", "not-hex", []byte("x"))
	assert.Error(t, err)

	// Wrong key size
	_, err = Verify("0011", "00", []byte("x"))
	assert.Error(t, err)
}

func TestHMACConstantTimeCompare(t *testing.T) {
	key := []byte("secret")
	msg := []byte(`{"agent_id":"a1","command":"uptime"}`)

	mac := HMACSHA256Hex(key, msg)
	assert.True(t, ConstantTimeEqualHex(mac, HMACSHA256Hex(key, msg)))
	assert.False(t, ConstantTimeEqualHex(mac, HMACSHA256Hex([]byte("other"), msg)))
	assert.False(t, ConstantTimeEqualHex(mac, "zz-not-hex"))
	assert.False(t, ConstantTimeEqualHex(mac, mac[:32]))
}

func TestKeyringDerivesStablePerAgentKeys(t *testing.T) {
	kr, err := NewKeyring([]byte("master-secret"))
	require.NoError(t, err)

	k1, err := kr.AgentKey("agent-a")
	require.NoError(t, err)
	k1again, err := kr.AgentKey("agent-a")
	require.NoError(t, err)
	k2, err := kr.AgentKey("agent-b")
	require.NoError(t, err)

	assert.Equal(t, k1, k1again)
	assert.NotEqual(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestKeyringRejectsEmptyInputs(t *testing.T) {
	_, err := NewKeyring(nil)
	assert.Error(t, err)

	kr, err := NewKeyring([]byte("m"))
	require.NoError(t, err)
	_, err = kr.AgentKey("")
	assert.Error(t, err)
}
