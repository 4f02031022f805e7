package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps step results in one hash per run and active run records in
// a single hash, so in-flight jobs survive a process restart.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps client. Step hashes expire ttl after their last write;
// ttl of 0 disables expiry.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) stepsKey(runID string) string { return s.keyPrefix + ":steps:" + runID }
func (s *RedisStore) runsKey() string              { return s.keyPrefix + ":runs" }

func (s *RedisStore) GetStep(ctx context.Context, runID, step string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, s.stepsKey(runID), step).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("step store get %s/%s: %w", runID, step, err)
	}
	return data, true, nil
}

func (s *RedisStore) PutStep(ctx context.Context, runID, step string, data []byte) error {
	key := s.stepsKey(runID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, step, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("step store put %s/%s: %w", runID, step, err)
	}
	return nil
}

// SaveRun stores a running run. A finished run is removed together with its
// step hash.
func (s *RedisStore) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.Status != RunRunning {
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, s.runsKey(), rec.ID)
		pipe.Del(ctx, s.stepsKey(rec.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("run store delete %s: %w", rec.ID, err)
		}
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("run store marshal %s: %w", rec.ID, err)
	}
	if err := s.client.HSet(ctx, s.runsKey(), rec.ID, data).Err(); err != nil {
		return fmt.Errorf("run store save %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) ActiveRuns(ctx context.Context) ([]RunRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.runsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("run store list: %w", err)
	}
	out := make([]RunRecord, 0, len(raw))
	for id, v := range raw {
		var rec RunRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("run store unmarshal %s: %w", id, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
