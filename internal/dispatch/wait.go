package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourceplane/eapm/internal/logging"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/remote"
)

const DefaultWaitInterval = 30 * time.Second

// WaitOptions controls job polling. A zero Timeout waits until ctx is done.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Wait blocks until every batch job of dctx reaches a terminal Slurm state.
// Local and workstation dispatches finish inside Launch and return at once.
func (d *Dispatcher) Wait(ctx context.Context, dctx *model.DispatchContext, opts WaitOptions) error {
	if !dctx.Cluster.IsHPC() || len(dctx.JobIDs) == 0 {
		return nil
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultWaitInterval
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	logger := logging.ForRun(d.Logger, dctx.RunID)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		done, err := d.poll(ctx, dctx)
		if errors.Is(err, ErrJobFailed) {
			if statusErr := d.setStatus(dctx, model.StatusFailed); statusErr != nil {
				logger.WithError(statusErr).Warn("failed to record job failure")
			}
			return err
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		if done {
			logger.Info("all batch jobs completed")
			return d.setStatus(dctx, model.StatusCompleted)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && opts.Timeout > 0 {
				return fmt.Errorf("%w after %s", ErrWaitTimeout, opts.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll reports whether every job is terminal. Jobs sacct does not know yet
// count as pending.
func (d *Dispatcher) poll(ctx context.Context, dctx *model.DispatchContext) (bool, error) {
	done := true
	for _, id := range dctx.JobIDs {
		states, err := remote.QueryJobStates(ctx, d.Remote, id)
		if err != nil {
			return false, err
		}
		if len(states) == 0 {
			done = false
			continue
		}
		for _, state := range states {
			if remote.IsFailed(state) {
				return false, fmt.Errorf("%w: job %s is %s", ErrJobFailed, id, state)
			}
			if !remote.IsTerminal(state) {
				done = false
			}
		}
		d.Logger.WithField("job_id", id).Debugf("states: %v", states)
	}
	return done, nil
}
