package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sentinel:reputation:"

// redisReputationScript applies decay, the outcome delta and the counter
// bump in one atomic round trip.
// KEYS[1] = agent hash key
// ARGV[1] = score delta
// ARGV[2] = counter field ("" to skip)
// ARGV[3] = decay period seconds (0 disables)
// ARGV[4] = decay step
// ARGV[5] = current unix timestamp (seconds)
var redisReputationScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local counter = ARGV[2]
local period = tonumber(ARGV[3])
local step = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local score = tonumber(redis.call("HGET", key, "score")) or 0
local updated = tonumber(redis.call("HGET", key, "updated_at")) or now

if period > 0 and step > 0 then
    local steps = math.floor((now - updated) / period)
    if steps > 0 then
        local d = steps * step
        if score > 0 then
            score = math.max(0, score - d)
        elseif score < 0 then
            score = math.min(0, score + d)
        end
    end
end

score = score + delta
redis.call("HSET", key, "score", score, "updated_at", now)
if counter ~= "" then
    redis.call("HINCRBY", key, counter, 1)
end

return score
`)

// RedisStore persists records as Redis hashes, one per agent.
type RedisStore struct {
	client *redis.Client
	decay  DecayPolicy
}

func NewRedisStore(client *redis.Client, decay DecayPolicy) *RedisStore {
	return &RedisStore{client: client, decay: decay}
}

func (s *RedisStore) key(agentID string) string {
	return keyPrefix + agentID
}

func (s *RedisStore) Get(ctx context.Context, agentID string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(agentID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("reputation: get %s: %w", agentID, err)
	}
	rec := Record{AgentID: agentID}
	if len(vals) == 0 {
		return rec, nil
	}
	rec.Score = parseInt(vals["score"])
	rec.Allowed = parseInt(vals["allowed"])
	rec.Denied = parseInt(vals["denied"])
	rec.Reviewed = parseInt(vals["reviewed"])
	rec.RateViolations = parseInt(vals["rate_violations"])
	rec.SignatureAnomalies = parseInt(vals["signature_anomalies"])
	rec.ExecutionFailures = parseInt(vals["execution_failures"])
	if ts := parseInt(vals["updated_at"]); ts > 0 {
		rec.UpdatedAt = time.Unix(ts, 0).UTC()
		rec.Score = s.decay.apply(rec.Score, time.Now().Sub(rec.UpdatedAt))
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, agentID string, outcome Outcome) (Record, error) {
	counter := counterField(outcome)
	_, err := redisReputationScript.Run(ctx, s.client,
		[]string{s.key(agentID)},
		scoreDelta(outcome),
		counter,
		int64(s.decay.Period.Seconds()),
		s.decay.Step,
		time.Now().Unix(),
	).Result()
	if err != nil {
		return Record{}, fmt.Errorf("reputation: update %s: %w", agentID, err)
	}
	return s.Get(ctx, agentID)
}

func counterField(o Outcome) string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDenied:
		return "denied"
	case OutcomeReviewed:
		return "reviewed"
	case OutcomeRateViolation:
		return "rate_violations"
	case OutcomeSignatureAnomaly:
		return "signature_anomalies"
	case OutcomeExecutionFailure:
		return "execution_failures"
	default:
		return ""
	}
}

func parseInt(s string) int64 {
	var n int64
	var neg bool
	for i, ch := range s {
		if i == 0 && ch == '-' {
			neg = true
			continue
		}
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int64(ch-'0')
	}
	if neg {
		return -n
	}
	return n
}
