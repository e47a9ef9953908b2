package reputation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Tests and single-node dev
// deployments use it; production uses RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	decay   DecayPolicy
	now     func() time.Time
}

func NewMemoryStore(decay DecayPolicy) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		decay:   decay,
		now:     time.Now,
	}
}

// SetClock overrides the time source for decay tests.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Get(ctx context.Context, agentID string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[agentID]
	s.mu.RUnlock()
	if !ok {
		return Record{AgentID: agentID}, nil
	}
	rec.Score = s.decay.apply(rec.Score, s.now().Sub(rec.UpdatedAt))
	return rec, nil
}

func (s *MemoryStore) Update(ctx context.Context, agentID string, outcome Outcome) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[agentID]
	if !ok {
		rec = Record{AgentID: agentID, UpdatedAt: now}
	} else {
		rec.Score = s.decay.apply(rec.Score, now.Sub(rec.UpdatedAt))
	}
	rec.Score += scoreDelta(outcome)
	bumpCounter(&rec, outcome)
	rec.UpdatedAt = now
	s.records[agentID] = rec
	return rec, nil
}
