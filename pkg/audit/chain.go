// Package audit implements the append-only, hash-linked audit chain that
// records every decision and state transition in the governance pipeline.
// Entries are globally totally ordered by sequence number; any break in the
// hash linkage is detectable offline from a snapshot.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

// GenesisHash is the fixed prev_hash of the first entry.
const GenesisHash = "GENESIS"

// Entry is a tamper-evident audit record. Hash covers every field except
// Hash and Sig themselves, PreviousHash included, so altering any committed
// entry breaks the chain at that sequence number.
type Entry struct {
	Seq          uint64    `json:"seq"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	Details      string    `json:"details,omitempty"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	Sig          string    `json:"sig,omitempty"`
}

// Head is the current chain tip.
type Head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Store persists entries in strict sequence order. Append must be atomic:
// two concurrent appends may never commit the same sequence number.
type Store interface {
	// Append commits the entry produced by build. build receives the current
	// head and must return the fully hashed entry that extends it.
	Append(ctx context.Context, build func(head Head) (*Entry, error)) (*Entry, error)
	Head(ctx context.Context) (Head, error)
	// Entries returns committed entries in sequence order starting at fromSeq.
	Entries(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error)
}

// Clock supplies time for new entries; injected so chains are reproducible
// in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Chain appends and verifies hash-linked entries against a Store.
type Chain struct {
	store  Store
	signer crypto.Signer
	clock  Clock
}

// NewChain creates a chain over the given store. signer is optional; when
// present every entry hash is notarized. If clock is nil wall-clock is used.
func NewChain(store Store, signer crypto.Signer, clock ...Clock) *Chain {
	var c Clock = wallClock{}
	if len(clock) > 0 && clock[0] != nil {
		c = clock[0]
	}
	return &Chain{store: store, signer: signer, clock: c}
}

// Record is the unhashed payload of a new entry.
type Record struct {
	Actor   string
	Action  string
	Target  string
	Details string
}

// Append commits a new entry linked to the current head.
func (c *Chain) Append(ctx context.Context, rec Record) (*Entry, error) {
	return c.store.Append(ctx, func(head Head) (*Entry, error) {
		now := c.clock.Now().UTC()
		entry := &Entry{
			Seq:          head.Seq + 1,
			ID:           uuid.New().String(),
			Timestamp:    now,
			Actor:        rec.Actor,
			Action:       rec.Action,
			Target:       rec.Target,
			Details:      rec.Details,
			PreviousHash: head.Hash,
		}
		if head.Seq == 0 && head.Hash == "" {
			entry.PreviousHash = GenesisHash
		}
		hash, err := computeEntryHash(entry)
		if err != nil {
			return nil, err
		}
		entry.Hash = hash
		if c.signer != nil {
			sig, err := c.signer.Sign([]byte(entry.Hash))
			if err != nil {
				return nil, fmt.Errorf("audit: sign entry %d: %w", entry.Seq, err)
			}
			entry.Sig = sig
		}
		return entry, nil
	})
}

// Head returns the current chain tip.
func (c *Chain) Head(ctx context.Context) (Head, error) {
	return c.store.Head(ctx)
}

// Verify recomputes hashes and linkage for the whole chain held by the store.
func (c *Chain) Verify(ctx context.Context) error {
	entries, err := c.store.Entries(ctx, 1, 0)
	if err != nil {
		return err
	}
	return VerifyEntries(entries)
}

// VerifyEntries checks a snapshot of entries for hash and linkage integrity.
// It is runnable offline and reports the first offending sequence number.
func VerifyEntries(entries []Entry) error {
	prevHash := GenesisHash
	var prevSeq uint64
	for i := range entries {
		e := &entries[i]
		if e.Seq != prevSeq+1 {
			return fmt.Errorf("audit: sequence gap at seq %d (expected %d)", e.Seq, prevSeq+1)
		}
		if e.PreviousHash != prevHash {
			return fmt.Errorf("audit: chain broken at seq %d: previous hash mismatch", e.Seq)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("audit: recompute hash at seq %d: %w", e.Seq, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("audit: integrity failure at seq %d: computed %s, stored %s", e.Seq, computed, e.Hash)
		}
		prevHash = e.Hash
		prevSeq = e.Seq
	}
	return nil
}

// computeEntryHash hashes the JCS canonical form of the entry minus Hash/Sig.
func computeEntryHash(e *Entry) (string, error) {
	data := map[string]interface{}{
		"seq":           e.Seq,
		"id":            e.ID,
		"timestamp":     e.Timestamp.Format(time.RFC3339Nano),
		"actor":         e.Actor,
		"action":        e.Action,
		"target":        e.Target,
		"details":       e.Details,
		"previous_hash": e.PreviousHash,
	}
	canonical, err := canonicalize.JCS(data)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(canonical), nil
}
