package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "sentinel:ops:"
	keyIncidents    = keyPrefix + "incidents"
	keyActionPrefix = keyPrefix + "action:"
	keyStatePrefix  = keyPrefix + "state:"
	keyClaimPrefix  = keyPrefix + "claim:"
	keyClaimIndex   = keyPrefix + "claims"
	keyQueuePrefix  = keyPrefix + "queue:"
	keyCooldown     = keyPrefix + "cooldown:"
	keyBudget       = keyPrefix + "budget:"
	keyFailPrefix   = keyPrefix + "failures:"
	keyExecPrefix   = keyPrefix + "executions:"
)

// claimScript acquires ownership atomically: the action's state key must
// equal the expected state and no claim marker may exist.
// KEYS[1]=state key, KEYS[2]=claim key, KEYS[3]=claim index
// ARGV[1]=expected state, ARGV[2]=claim JSON, ARGV[3]=action id, ARGV[4]=score
var claimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[3])
return 1
`)

// breakClaimScript removes a claim only if it still matches the caller's
// view, so a reclaim can never race a live worker that already released and
// a new claimant took over.
// KEYS[1]=claim key, KEYS[2]=claim index
// ARGV[1]=owner, ARGV[2]=claimed_at unixnano, ARGV[3]=action id
var breakClaimScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local c = cjson.decode(raw)
if c.owner ~= ARGV[1] or c.claimed_at ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[3])
return 1
`)

// transitionScript is the state compare-and-set.
// KEYS[1]=state key  ARGV[1]=from, ARGV[2]=to
var transitionScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// budgetScript counts against a rolling window.
// KEYS[1]=zset  ARGV[1]=now unixnano, ARGV[2]=window nanos, ARGV[3]=limit, ARGV[4]=member
var budgetScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - tonumber(ARGV[2]))
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
return 1
`)

// redisClaim is the wire form of a claim marker. ClaimedAt is carried as a
// decimal unix-nano string so the Lua compare is exact; cjson would round a
// bare int64.
type redisClaim struct {
	ActionID  string      `json:"action_id"`
	Owner     string      `json:"owner"`
	Origin    ActionState `json:"origin"`
	ClaimedAt string      `json:"claimed_at"`
}

// RedisStore is the production Store. Queues are Redis lists consumed with
// blocking pops; the claim primitive is a Lua script so state check and
// marker creation commit together.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

func (s *RedisStore) EnqueueIncident(ctx context.Context, inc *Incident) error {
	raw, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("ops: marshal incident: %w", err)
	}
	return s.client.LPush(ctx, keyIncidents, raw).Err()
}

func (s *RedisStore) DequeueIncident(ctx context.Context, wait time.Duration) (*Incident, error) {
	res, err := s.client.BRPop(ctx, wait, keyIncidents).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ops: pop incident: %w", err)
	}
	var inc Incident
	if err := json.Unmarshal([]byte(res[1]), &inc); err != nil {
		return nil, fmt.Errorf("ops: decode incident: %w", err)
	}
	return &inc, nil
}

func (s *RedisStore) PutAction(ctx context.Context, a *Action) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("ops: marshal action: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyActionPrefix+a.ID, raw, 0)
		pipe.Set(ctx, keyStatePrefix+a.ID, string(a.State), 0)
		return nil
	})
	return err
}

func (s *RedisStore) GetAction(ctx context.Context, id string) (*Action, error) {
	raw, err := s.client.Get(ctx, keyActionPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ops: get action: %w", err)
	}
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("ops: decode action: %w", err)
	}
	// The state key is authoritative; transitions bypass the JSON record.
	if state, err := s.client.Get(ctx, keyStatePrefix+id).Result(); err == nil {
		a.State = ActionState(state)
	}
	return &a, nil
}

func (s *RedisStore) TransitionState(ctx context.Context, id string, from, to ActionState) (bool, error) {
	n, err := transitionScript.Run(ctx, s.client,
		[]string{keyStatePrefix + id}, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("ops: transition %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, q Queue, actionID string) error {
	return s.client.LPush(ctx, keyQueuePrefix+string(q), actionID).Err()
}

func (s *RedisStore) Dequeue(ctx context.Context, q Queue, wait time.Duration) (string, error) {
	res, err := s.client.BRPop(ctx, wait, keyQueuePrefix+string(q)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ops: pop %s: %w", q, err)
	}
	return res[1], nil
}

func (s *RedisStore) Claim(ctx context.Context, actionID, owner string, expect ActionState) (bool, error) {
	claimedAt := s.now()
	raw, err := json.Marshal(redisClaim{
		ActionID:  actionID,
		Owner:     owner,
		Origin:    expect,
		ClaimedAt: strconv.FormatInt(claimedAt.UnixNano(), 10),
	})
	if err != nil {
		return false, fmt.Errorf("ops: marshal claim: %w", err)
	}
	n, err := claimScript.Run(ctx, s.client,
		[]string{keyStatePrefix + actionID, keyClaimPrefix + actionID, keyClaimIndex},
		string(expect), raw, actionID, claimedAt.UnixNano()).Int()
	if err != nil {
		return false, fmt.Errorf("ops: claim %s: %w", actionID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) BreakClaim(ctx context.Context, actionID, owner string, claimedAt time.Time) (bool, error) {
	n, err := breakClaimScript.Run(ctx, s.client,
		[]string{keyClaimPrefix + actionID, keyClaimIndex},
		owner, strconv.FormatInt(claimedAt.UnixNano(), 10), actionID).Int()
	if err != nil {
		return false, fmt.Errorf("ops: break claim %s: %w", actionID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) GetClaim(ctx context.Context, actionID string) (*ClaimRecord, error) {
	raw, err := s.client.Get(ctx, keyClaimPrefix+actionID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ops: get claim: %w", err)
	}
	return decodeClaim([]byte(raw))
}

func (s *RedisStore) StaleClaims(ctx context.Context, olderThan time.Time) ([]ClaimRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyClaimIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", olderThan.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ops: stale claims: %w", err)
	}
	var out []ClaimRecord
	for _, id := range ids {
		c, err := s.GetClaim(ctx, id)
		if err == ErrNotFound {
			// Released between index read and fetch.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *RedisStore) AcquireCooldown(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyCooldown+key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("ops: cooldown %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) ConsumeBudget(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	n, err := budgetScript.Run(ctx, s.client,
		[]string{keyBudget + key},
		s.now().UnixNano(), window.Nanoseconds(), limit, uuid.New().String()).Int()
	if err != nil {
		return false, fmt.Errorf("ops: budget %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) BumpFailures(ctx context.Context, service string, failed bool) (int, error) {
	if !failed {
		if err := s.client.Del(ctx, keyFailPrefix+service).Err(); err != nil {
			return 0, fmt.Errorf("ops: reset failures %s: %w", service, err)
		}
		return 0, nil
	}
	n, err := s.client.Incr(ctx, keyFailPrefix+service).Result()
	if err != nil {
		return 0, fmt.Errorf("ops: bump failures %s: %w", service, err)
	}
	return int(n), nil
}

func (s *RedisStore) AppendExecution(ctx context.Context, rec *ExecutionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ops: marshal execution: %w", err)
	}
	return s.client.RPush(ctx, keyExecPrefix+rec.ActionID, raw).Err()
}

func (s *RedisStore) Executions(ctx context.Context, actionID string) ([]ExecutionRecord, error) {
	raws, err := s.client.LRange(ctx, keyExecPrefix+actionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ops: executions %s: %w", actionID, err)
	}
	out := make([]ExecutionRecord, 0, len(raws))
	for _, raw := range raws {
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("ops: decode execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeClaim(raw []byte) (*ClaimRecord, error) {
	var rc redisClaim
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("ops: decode claim: %w", err)
	}
	nanos, err := strconv.ParseInt(rc.ClaimedAt, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ops: decode claim timestamp: %w", err)
	}
	return &ClaimRecord{
		ActionID:  rc.ActionID,
		Owner:     rc.Owner,
		Origin:    rc.Origin,
		ClaimedAt: time.Unix(0, nanos),
	}, nil
}
