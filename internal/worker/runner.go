// Package worker runs the background loops that deliver queued chain calls
// and reconcile mints and batches left in an ambiguous state.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tag-anchor/internal/logging"
)

// tickFunc performs one poll cycle and reports how many items it handled
type tickFunc func(ctx context.Context) (int, error)

// Status describes a running loop
type Status struct {
	Name                string    `json:"name"`
	Running             bool      `json:"running"`
	LastPollTime        time.Time `json:"lastPollTime"`
	LastError           string    `json:"lastError,omitempty"`
	ItemsProcessed      int64     `json:"itemsProcessed"`
	PollIntervalSeconds int       `json:"pollIntervalSeconds"`
}

// runner owns the ticker, stop channel and status shared by every worker
type runner struct {
	name     string
	interval time.Duration
	tick     tickFunc
	logger   *logging.Logger

	mu        sync.RWMutex
	running   bool
	lastPoll  time.Time
	lastError string
	processed int64
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newRunner(name string, interval time.Duration, tick tickFunc) *runner {
	return &runner{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   logging.GetGlobalLogger().WithField("worker", name),
	}
}

// Start launches the poll loop
func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("%s worker is already running", r.name)
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	r.logger.WithField("interval", r.interval.String()).Info("Starting worker")
	go r.loop(ctx, r.stopCh, r.doneCh)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish
func (r *runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("%s worker is not running", r.name)
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		r.logger.Info("Worker stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("Worker stop timed out")
		return ctx.Err()
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *runner) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cycle and records its result
func (r *runner) RunOnce(ctx context.Context) int {
	n, err := r.tick(logging.WithLogger(ctx, r.logger))

	r.mu.Lock()
	r.lastPoll = time.Now()
	r.processed += int64(n)
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		// keep polling; the next cycle retries
		r.logger.WithError(err).Warn("Poll cycle failed")
	} else if n > 0 {
		r.logger.WithField("items", n).Info("Poll cycle complete")
	}
	return n
}

// GetStatus returns current worker status
func (r *runner) GetStatus() *Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Status{
		Name:                r.name,
		Running:             r.running,
		LastPollTime:        r.lastPoll,
		LastError:           r.lastError,
		ItemsProcessed:      r.processed,
		PollIntervalSeconds: int(r.interval.Seconds()),
	}
}
