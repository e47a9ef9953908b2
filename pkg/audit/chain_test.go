package audit

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestChain(t *testing.T) (*Chain, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	signer, err := crypto.NewEd25519Signer("audit-test")
	require.NoError(t, err)
	clock := &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewChain(store, signer, clock), store
}

func TestAppendLinksEntries(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	e1, err := chain.Append(ctx, Record{Actor: "probe", Action: "incident_detected", Target: "api"})
	require.NoError(t, err)
	e2, err := chain.Append(ctx, Record{Actor: "manager", Action: "action_proposed", Target: "api"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, e1.Hash, e2.PreviousHash)
	assert.NotEmpty(t, e1.Sig)

	head, err := chain.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, Head{Seq: 2, Hash: e2.Hash}, head)
}

func TestVerifyCleanChain(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := chain.Append(ctx, Record{Actor: "executor", Action: "executed", Target: "svc"})
		require.NoError(t, err)
	}
	assert.NoError(t, chain.Verify(ctx))
}

func TestVerifyReportsOffendingSeq(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := chain.Append(ctx, Record{Actor: "manager", Action: "proposed", Target: "svc"})
		require.NoError(t, err)
	}

	store.Tamper(3, func(e *Entry) { e.Details = "altered in place" })

	err := chain.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq 3")
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, Record{Actor: "approver", Action: "approved", Target: "svc"})
		require.NoError(t, err)
	}

	store.Tamper(2, func(e *Entry) { e.PreviousHash = "0000" })

	err := chain.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq 2")
}

func TestVerifySingleEntryChain(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(context.Background(), Record{Actor: "api", Action: "decision", Target: "agent"})
	require.NoError(t, err)
	assert.NoError(t, chain.Verify(context.Background()))
}

func TestEntrySignatureVerifies(t *testing.T) {
	store := NewMemoryStore()
	signer, err := crypto.NewEd25519Signer("audit-test")
	require.NoError(t, err)
	chain := NewChain(store, signer)

	e, err := chain.Append(context.Background(), Record{Actor: "api", Action: "decision", Target: "a1"})
	require.NoError(t, err)

	ok, err := crypto.Verify(signer.PublicKey(), e.Sig, []byte(e.Hash))
	require.NoError(t, err)
	assert.True(t, ok)
}

// Property: any single in-place payload mutation of any committed entry is
// detected by VerifyEntries with that entry's exact sequence number.
func TestTamperDetectionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("mutation at seq k is reported at seq k", prop.ForAll(
		func(n int, k int, payload string) bool {
			if n < 1 {
				n = 1
			}
			k = k%n + 1

			chain, store := newTestChain(t)
			ctx := context.Background()
			for i := 0; i < n; i++ {
				if _, err := chain.Append(ctx, Record{Actor: "w", Action: "a", Target: "t", Details: "d"}); err != nil {
					return false
				}
			}
			store.Tamper(uint64(k), func(e *Entry) { e.Details = "x" + payload })

			entries, err := store.Entries(ctx, 1, 0)
			if err != nil {
				return false
			}
			verr := VerifyEntries(entries)
			if verr == nil {
				return false
			}
			return assert.Contains(t, verr.Error(), "seq "+itoa(k))
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 100),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func TestExporterPackVerifiesOffline(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, Record{Actor: "w", Action: "a", Target: "t"})
		require.NoError(t, err)
	}

	exp := NewExporter(store, nil)
	snap, err := exp.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.EntryCount)
	assert.NoError(t, VerifyEntries(snap.Entries))

	pack, checksum, err := exp.GeneratePack(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pack)
	assert.Len(t, checksum, 64)
}

type fakeUploader struct {
	keys []string
}

func (f *fakeUploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	f.keys = append(f.keys, key)
	return key, nil
}

func TestExporterUploads(t *testing.T) {
	chain, store := newTestChain(t)
	_, err := chain.Append(context.Background(), Record{Actor: "w", Action: "a", Target: "t"})
	require.NoError(t, err)

	up := &fakeUploader{}
	exp := NewExporter(store, up)
	_, err = exp.Export(context.Background())
	require.NoError(t, err)
	require.Len(t, up.keys, 1)
	assert.Contains(t, up.keys[0], "audit/")
}

func TestExporterRequiresStore(t *testing.T) {
	exp := NewExporter(nil, nil)
	_, err := exp.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
}
