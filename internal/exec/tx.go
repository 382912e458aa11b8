// Package exec runs multi-leg capital movements with compensation: every
// completed leg registers an undo, and a failure replays the undos newest
// first.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrTxClosed = errors.New("transaction already finished")

type step struct {
	name string
	undo func(ctx context.Context) error
}

type Tx struct {
	log      *zap.Logger
	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	steps []step
	done  bool
}

type Option func(*Tx)

// WithRetry bounds how often a single undo is attempted. Forward legs are
// never retried.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(t *Tx) {
		if attempts > 0 {
			t.attempts = attempts
		}
		if backoff >= 0 {
			t.backoff = backoff
		}
	}
}

func New(log *zap.Logger, opts ...Option) *Tx {
	if log == nil {
		log = zap.NewNop()
	}
	tx := &Tx{log: log, attempts: 3, backoff: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// Do runs a forward leg and, when it succeeds, registers its undo.
func (t *Tx) Do(ctx context.Context, name string, do func(ctx context.Context) error, undo func(ctx context.Context) error) error {
	t.mu.Lock()
	closed := t.done
	t.mu.Unlock()
	if closed {
		return ErrTxClosed
	}
	if err := do(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if undo != nil {
		t.Add(name, undo)
	}
	return nil
}

// Add registers the undo of a leg that already ran.
func (t *Tx) Add(name string, undo func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.steps = append(t.steps, step{name: name, undo: undo})
}

func (t *Tx) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Commit drops the registered undos.
func (t *Tx) Commit() {
	t.mu.Lock()
	t.steps = nil
	t.done = true
	t.mu.Unlock()
}

// Rollback replays undos newest first. It keeps going past failures and
// returns them joined.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	steps := t.steps
	t.steps = nil
	t.done = true
	t.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := t.retry(ctx, func() error { return s.undo(ctx) }); err != nil {
			t.log.Error("compensation failed", zap.String("step", s.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("undo %s: %w", s.name, err))
			continue
		}
		t.log.Info("compensated", zap.String("step", s.name))
	}
	return errors.Join(errs...)
}

func (t *Tx) retry(ctx context.Context, fn func() error) error {
	backoff := t.backoff
	for attempt := 0; attempt < t.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == t.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		if backoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
