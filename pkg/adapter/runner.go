package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/rs/zerolog"
)

// Runner schedules one adapter instance as an independent poll-driven unit.
// Each configured instance gets its own runner; runners share nothing but the
// broker backend.
type Runner struct {
	adapter  *Adapter
	interval time.Duration
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	doneChan  chan struct{}
}

// NewRunner wraps an adapter in its polling loop.
func NewRunner(a *Adapter, logger zerolog.Logger) (*Runner, error) {
	if a == nil {
		return nil, fmt.Errorf("adapter cannot be nil")
	}
	interval := a.Config().PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		adapter:  a,
		interval: interval,
		logger: logger.With().
			Str("component", "Runner").
			Str("interface", a.Config().InterfaceName).
			Str("instance_id", a.Config().InstanceID).
			Logger(),
		doneChan: make(chan struct{}),
	}, nil
}

// Start launches the polling loop. The first cycle runs immediately; later
// cycles follow the configured interval. A fatal configuration failure stops
// the runner — retrying a broken wiring every tick would only mask it.
func (r *Runner) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel

		go func() {
			defer close(r.doneChan)
			r.logger.Info().Dur("interval", r.interval).Msg("Adapter runner started.")

			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()

			if !r.runOnce(runCtx) {
				return
			}
			for {
				select {
				case <-runCtx.Done():
					r.logger.Info().Msg("Adapter runner stopping.")
					return
				case <-ticker.C:
					if !r.runOnce(runCtx) {
						return
					}
				}
			}
		}()
	})
	return nil
}

// runOnce executes one cycle and reports whether the loop should continue.
func (r *Runner) runOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	count, err := r.adapter.RunCycle(ctx)
	if err != nil {
		if flowerr.IsConfiguration(err) {
			r.logger.Error().Err(err).Msg("Fatal configuration failure, stopping runner.")
			return false
		}
		r.logger.Error().Err(err).Msg("Adapter cycle failed, will retry next tick.")
		return true
	}
	if count > 0 {
		r.logger.Debug().Int("count", count).Msg("Adapter cycle processed records.")
	}
	return true
}

// Stop cancels the loop and waits for the in-flight cycle to finish,
// respecting the context's deadline.
func (r *Runner) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		select {
		case <-r.doneChan:
		case <-ctx.Done():
			r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for adapter runner to stop.")
			err = ctx.Err()
		}
	})
	return err
}

// Done is closed once the polling loop has fully exited.
func (r *Runner) Done() <-chan struct{} {
	return r.doneChan
}
