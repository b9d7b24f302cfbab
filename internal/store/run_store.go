package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/formprep/internal/domain"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrJobIndex    = errors.New("job index out of range")
)

// RunStore keeps the bookkeeping of batch runs: the run record, every job's
// terminal state, and whether the completion notice has been claimed.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run, jobs []domain.ImageJob) error
	GetRun(ctx context.Context, runID string) (domain.Run, bool, error)
	RecordJob(ctx context.Context, runID string, index int, job domain.ImageJob) error
	Summary(ctx context.Context, runID string) (domain.Summary, bool, error)
	// ClaimCompletion returns true exactly once per run, to the first caller
	// after every job is terminal.
	ClaimCompletion(ctx context.Context, runID string) (bool, error)
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Options struct {
	Backend     string
	PostgresDSN string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	KeyPrefix   string
}

// Open builds the RunStore selected by opts.Backend. The returned close
// function is never nil.
func Open(ctx context.Context, opts Options) (RunStore, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryRunStore(), noop, nil
	case BackendPostgres:
		s, err := NewPostgresRunStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case BackendRedis:
		s, err := NewRedisRunStore(ctx, opts.RedisAddr, opts.RedisPass, opts.RedisDB, opts.KeyPrefix)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}
