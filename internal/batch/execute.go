package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	"github.com/dunamismax/formprep/internal/pipeline"
)

const DefaultJobTimeout = 2 * time.Minute

type JobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

// ExecuteJob runs one sheet with a deadline. When the deadline or the parent
// context fires first, the job is reported as timed out or cancelled and the
// processing goroutine is abandoned; its result is discarded.
func ExecuteJob(ctx context.Context, proc JobProcessor, req pipeline.Request, timeout time.Duration) (pipeline.Output, error) {
	if ctx.Err() != nil {
		return pipeline.Output{}, domain.ErrCancelled
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		out pipeline.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := proc.Process(jobCtx, req)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return pipeline.Output{}, classifyJobError(ctx, r.err, timeout)
		}
		return r.out, nil
	case <-jobCtx.Done():
		return pipeline.Output{}, classifyJobError(ctx, jobCtx.Err(), timeout)
	}
}

func classifyJobError(parent context.Context, err error, timeout time.Duration) error {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if parent.Err() != nil {
		return domain.ErrCancelled
	}
	return fmt.Errorf("%w after %s", domain.ErrJobTimeout, timeout)
}
