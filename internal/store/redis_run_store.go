package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisRunTTL = 7 * 24 * time.Hour

// RedisRunStore keeps each run as a JSON record plus a hash of job states
// keyed by job index. Keys expire a week after the run is created.
type RedisRunStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisRunStore(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRunStoreWithClient(client, keyPrefix), nil
}

func NewRedisRunStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisRunStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "formprep"
	}
	return &RedisRunStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisRunStore) Close() error {
	return s.client.Close()
}

func (s *RedisRunStore) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.keyPrefix, runID)
}

func (s *RedisRunStore) jobsKey(runID string) string {
	return s.runKey(runID) + ":jobs"
}

func (s *RedisRunStore) claimKey(runID string) string {
	return s.runKey(runID) + ":claimed"
}

func (s *RedisRunStore) CreateRun(ctx context.Context, run domain.Run, jobs []domain.ImageJob) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	fields := make(map[string]any, len(jobs))
	for i, job := range jobs {
		jobJSON, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal run job %d: %w", i, err)
		}
		fields[strconv.Itoa(i)] = jobJSON
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.ID), runJSON, redisRunTTL)
		if len(fields) > 0 {
			pipe.HSet(ctx, s.jobsKey(run.ID), fields)
			pipe.Expire(ctx, s.jobsKey(run.ID), redisRunTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (domain.Run, bool, error) {
	raw, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return domain.Run{}, false, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, true, nil
}

func (s *RedisRunStore) RecordJob(ctx context.Context, runID string, index int, job domain.ImageJob) error {
	run, ok, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunNotFound
	}
	if index < 0 || index >= run.Total {
		return ErrJobIndex
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal run job: %w", err)
	}
	if err := s.client.HSet(ctx, s.jobsKey(runID), strconv.Itoa(index), jobJSON).Err(); err != nil {
		return fmt.Errorf("record run job: %w", err)
	}
	return nil
}

func (s *RedisRunStore) Summary(ctx context.Context, runID string) (domain.Summary, bool, error) {
	run, ok, err := s.GetRun(ctx, runID)
	if err != nil || !ok {
		return domain.Summary{}, ok, err
	}

	fields, err := s.client.HGetAll(ctx, s.jobsKey(runID)).Result()
	if err != nil {
		return domain.Summary{}, false, fmt.Errorf("get run jobs: %w", err)
	}

	jobs := make([]domain.ImageJob, run.Total)
	for field, raw := range fields {
		i, err := strconv.Atoi(field)
		if err != nil || i < 0 || i >= len(jobs) {
			continue
		}
		if err := json.Unmarshal([]byte(raw), &jobs[i]); err != nil {
			return domain.Summary{}, false, fmt.Errorf("unmarshal run job %d: %w", i, err)
		}
	}
	return domain.Summarize(runID, run.Total, jobs), true, nil
}

func (s *RedisRunStore) ClaimCompletion(ctx context.Context, runID string) (bool, error) {
	summary, ok, err := s.Summary(ctx, runID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrRunNotFound
	}
	if !summary.Complete() {
		return false, nil
	}

	claimed, err := s.client.SetNX(ctx, s.claimKey(runID), "1", redisRunTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim run completion: %w", err)
	}
	return claimed, nil
}
