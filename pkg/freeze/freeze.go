// Package freeze holds the global execution freeze flag. While the flag is
// set, new allow decisions degrade to review and executors refuse to start
// work; already-claimed actions run to completion.
package freeze

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// Store persists the freeze flag. Reads must reflect the latest committed
// write; execution safety depends on it.
type Store interface {
	Active(ctx context.Context) (bool, string, error)
	Set(ctx context.Context, reason string) error
	Clear(ctx context.Context) error
}

// MemoryStore is the in-process backend for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	active bool
	reason string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Active(ctx context.Context) (bool, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.reason, nil
}

func (m *MemoryStore) Set(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	m.reason = reason
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.reason = ""
	return nil
}

const redisKey = "sentinel:freeze"

// RedisStore shares the flag across every worker and API node.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Active(ctx context.Context) (bool, string, error) {
	reason, err := r.client.Get(ctx, redisKey).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("freeze: read flag: %w", err)
	}
	return true, reason, nil
}

func (r *RedisStore) Set(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "operator freeze"
	}
	if err := r.client.Set(ctx, redisKey, reason, 0).Err(); err != nil {
		return fmt.Errorf("freeze: set flag: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("freeze: clear flag: %w", err)
	}
	return nil
}

// Auditor is the slice of the audit chain the controller needs.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Entry, error)
}

// Controller wraps a Store so every flip lands in the audit chain before the
// call returns. Reads go straight to the store.
type Controller struct {
	store   Store
	auditor Auditor
	log     *slog.Logger
}

func NewController(store Store, auditor Auditor) *Controller {
	return &Controller{
		store:   store,
		auditor: auditor,
		log:     slog.Default().With("component", "freeze"),
	}
}

func (c *Controller) Active(ctx context.Context) (bool, string, error) {
	return c.store.Active(ctx)
}

// Set activates the freeze. Setting an already-active freeze updates the
// reason and is still audited.
func (c *Controller) Set(ctx context.Context, actor, reason string) error {
	if err := c.store.Set(ctx, reason); err != nil {
		return err
	}
	c.log.Warn("freeze activated", "actor", actor, "reason", reason)
	if c.auditor != nil {
		_, err := c.auditor.Append(ctx, audit.Record{
			Actor:   actor,
			Action:  "freeze_set",
			Target:  "system",
			Details: "reason=" + reason,
		})
		return err
	}
	return nil
}

func (c *Controller) Clear(ctx context.Context, actor string) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.log.Info("freeze cleared", "actor", actor)
	if c.auditor != nil {
		_, err := c.auditor.Append(ctx, audit.Record{
			Actor:  actor,
			Action: "freeze_cleared",
			Target: "system",
		})
		return err
	}
	return nil
}
