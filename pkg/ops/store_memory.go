package ops

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store for tests and single-node runs. One
// mutex covers everything; waiters are woken through a broadcast channel
// that is replaced on every write.
type MemoryStore struct {
	mu         sync.Mutex
	notify     chan struct{}
	incidents  []*Incident
	queues     map[Queue][]string
	actions    map[string]*Action
	claims     map[string]*ClaimRecord
	cooldowns  map[string]time.Time
	budgets    map[string][]time.Time
	failures   map[string]int
	executions map[string][]ExecutionRecord
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notify:     make(chan struct{}),
		queues:     make(map[Queue][]string),
		actions:    make(map[string]*Action),
		claims:     make(map[string]*ClaimRecord),
		cooldowns:  make(map[string]time.Time),
		budgets:    make(map[string][]time.Time),
		failures:   make(map[string]int),
		executions: make(map[string][]ExecutionRecord),
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// wake closes the current notify channel so every blocked Dequeue re-checks.
// Callers hold the mutex.
func (s *MemoryStore) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *MemoryStore) EnqueueIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	s.incidents = append(s.incidents, &cp)
	s.wake()
	return nil
}

func (s *MemoryStore) DequeueIncident(ctx context.Context, wait time.Duration) (*Incident, error) {
	deadline := time.Now().Add(wait)
	for {
		s.mu.Lock()
		if len(s.incidents) > 0 {
			inc := s.incidents[0]
			s.incidents = s.incidents[1:]
			s.mu.Unlock()
			cp := *inc
			return &cp, nil
		}
		ch := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

func (s *MemoryStore) PutAction(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.actions[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) TransitionState(ctx context.Context, id string, from, to ActionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.State != from {
		return false, nil
	}
	a.State = to
	return true, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, q Queue, actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q] = append(s.queues[q], actionID)
	s.wake()
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, q Queue, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		s.mu.Lock()
		if items := s.queues[q]; len(items) > 0 {
			id := items[0]
			s.queues[q] = items[1:]
			s.mu.Unlock()
			return id, nil
		}
		ch := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ch:
		case <-time.After(remaining):
			return "", nil
		}
	}
}

func (s *MemoryStore) Claim(ctx context.Context, actionID, owner string, expect ActionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok {
		return false, ErrNotFound
	}
	if a.State != expect {
		return false, nil
	}
	if _, held := s.claims[actionID]; held {
		return false, nil
	}
	s.claims[actionID] = &ClaimRecord{
		ActionID:  actionID,
		Owner:     owner,
		Origin:    expect,
		ClaimedAt: s.now(),
	}
	return true, nil
}

func (s *MemoryStore) BreakClaim(ctx context.Context, actionID, owner string, claimedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[actionID]
	if !ok || c.Owner != owner || !c.ClaimedAt.Equal(claimedAt) {
		return false, nil
	}
	delete(s.claims, actionID)
	return true, nil
}

func (s *MemoryStore) GetClaim(ctx context.Context, actionID string) (*ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[actionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) StaleClaims(ctx context.Context, olderThan time.Time) ([]ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ClaimRecord
	for _, c := range s.claims {
		if c.ClaimedAt.Before(olderThan) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) AcquireCooldown(ctx context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if until, ok := s.cooldowns[key]; ok && now.Before(until) {
		return false, nil
	}
	s.cooldowns[key] = now.Add(window)
	return true, nil
}

func (s *MemoryStore) ConsumeBudget(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-window)
	kept := s.budgets[key][:0]
	for _, t := range s.budgets[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		s.budgets[key] = kept
		return false, nil
	}
	s.budgets[key] = append(kept, now)
	return true, nil
}

func (s *MemoryStore) BumpFailures(ctx context.Context, service string, failed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !failed {
		delete(s.failures, service)
		return 0, nil
	}
	s.failures[service]++
	return s.failures[service], nil
}

func (s *MemoryStore) AppendExecution(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[rec.ActionID] = append(s.executions[rec.ActionID], *rec)
	return nil
}

func (s *MemoryStore) Executions(ctx context.Context, actionID string) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionRecord, len(s.executions[actionID]))
	copy(out, s.executions[actionID])
	return out, nil
}
