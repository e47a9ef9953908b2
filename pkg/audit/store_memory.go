package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain in process memory. Used by tests and by the
// offline verification command; production deployments use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, build func(head Head) (*Entry, error)) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := Head{}
	if n := len(s.entries); n > 0 {
		head = Head{Seq: s.entries[n-1].Seq, Hash: s.entries[n-1].Hash}
	}
	entry, err := build(head)
	if err != nil {
		return nil, err
	}
	s.entries = append(s.entries, *entry)
	return entry, nil
}

func (s *MemoryStore) Head(ctx context.Context) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 {
		return Head{Seq: s.entries[n-1].Seq, Hash: s.entries[n-1].Hash}, nil
	}
	return Head{Seq: 0, Hash: GenesisHash}, nil
}

func (s *MemoryStore) Entries(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Seq < fromSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Tamper overwrites a committed entry in place. Test hook for integrity
// verification; never called by production code.
func (s *MemoryStore) Tamper(seq uint64, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Seq == seq {
			mutate(&s.entries[i])
			return
		}
	}
}
