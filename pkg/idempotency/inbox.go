// Package idempotency provides the inbox used by event consumers so a
// redelivered Kafka record does not generate a second invoice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is an inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Stats counts entries per status
type Stats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// Store persists inbox entries
type Store interface {
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*Entry, error)
	// Start inserts a STARTED entry, or restarts a RECOVERABLE one.
	// It returns ErrDuplicateMessage when the key exists in any other state.
	Start(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	DeleteExpired(ctx context.Context, finishedBefore time.Time) (int64, error)
	RecoverStale(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Config tunes retention and recovery
type Config struct {
	// TTL is how long a key is remembered; a redelivery after that runs again
	TTL        time.Duration
	SweepEvery time.Duration
	// StaleAfter is how long a STARTED entry may go untouched before another
	// delivery may take it over
	StaleAfter time.Duration
}

// DefaultConfig keeps keys a week, longer than topic retention
func DefaultConfig() Config {
	return Config{
		TTL:        7 * 24 * time.Hour,
		SweepEvery: time.Hour,
		StaleAfter: 5 * time.Minute,
	}
}

var (
	// ErrDuplicateMessage means the key is held by another delivery
	ErrDuplicateMessage = errors.New("idempotency key already claimed")
	// ErrMessageInProgress means a live delivery is still running the handler
	ErrMessageInProgress = errors.New("idempotency key is being processed")
	// ErrPreviouslyFailed means an earlier run failed terminally
	ErrPreviouslyFailed = errors.New("idempotency key failed terminally")
)

// Inbox runs handlers at most once per key
type Inbox struct {
	store    Store
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	terminal func(error) bool
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes the inbox
type Option func(*Inbox)

// WithTerminal decides which handler errors are never retried.
func WithTerminal(fn func(error) bool) Option {
	return func(i *Inbox) { i.terminal = fn }
}

// NewInbox creates an inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Inbox{
		store:    store,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("inbox"),
		terminal: func(error) bool { return false },
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ProcessResult reports how a key was handled. Both flags are false for a
// duplicate whose stored result is replayed.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc does the work guarded by a key and returns a result to store
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn for key unless an earlier delivery finished or failed it.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("inbox.key", key),
			attribute.String("inbox.handler", handler),
		))
	defer span.End()

	prior, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", key, err)
	}
	if prior != nil {
		if res, done, err := i.resolvePrior(ctx, prior); done {
			span.SetAttributes(attribute.String("inbox.prior_status", string(prior.Status)))
			return res, err
		}
	}

	if err := i.store.Start(ctx, key, handler, payload, i.now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}

	out, runErr := fn(ctx, payload)
	if runErr != nil {
		span.RecordError(runErr)
		next := StatusRecoverable
		if i.terminal(runErr) {
			next = StatusFailed
		}
		detail, _ := json.Marshal(struct {
			Error string `json:"error"`
		}{runErr.Error()})
		if err := i.store.SetStatus(ctx, key, next, detail); err != nil {
			i.logger.Error("inbox status not saved",
				zap.String("key", key), zap.String("status", string(next)), zap.Error(err))
		}
		return nil, runErr
	}

	// The work is done; a failed status write only risks a rerun after StaleAfter.
	if err := i.store.SetStatus(ctx, key, StatusFinished, out); err != nil {
		i.logger.Error("inbox status not saved",
			zap.String("key", key), zap.String("status", string(StatusFinished)), zap.Error(err))
	}
	return &ProcessResult{IsNew: prior == nil, WasRecovered: prior != nil, Result: out}, nil
}

// resolvePrior decides an existing entry. done is false when the handler
// should run again.
func (i *Inbox) resolvePrior(ctx context.Context, e *Entry) (res *ProcessResult, done bool, err error) {
	switch e.Status {
	case StatusFinished:
		return &ProcessResult{Result: e.Result}, true, nil
	case StatusFailed:
		return nil, true, fmt.Errorf("%w: %s", ErrPreviouslyFailed, e.Key)
	case StatusStarted:
		if i.now().Sub(e.UpdatedAt) <= i.config.StaleAfter {
			return nil, true, ErrMessageInProgress
		}
		i.logger.Warn("taking over stale inbox entry",
			zap.String("key", e.Key), zap.Time("last_update", e.UpdatedAt))
		if err := i.store.SetStatus(ctx, e.Key, StatusRecoverable, nil); err != nil {
			return nil, true, fmt.Errorf("release stale %s: %w", e.Key, err)
		}
	}
	return nil, false, nil
}

// GenerateKey builds a deterministic key from a handler and the identity of
// the event it reacts to.
func GenerateKey(handler, aggregateID, eventType, eventID string) string {
	data := strings.Join([]string{handler, aggregateID, eventType, eventID}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// StartCleanup periodically forgets expired keys and releases stale claims
func (i *Inbox) StartCleanup() {
	go i.sweep()
	i.logger.Info("inbox sweeper started", zap.Duration("every", i.config.SweepEvery))
}

// Stop ends the sweeper started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) sweep() {
	defer close(i.done)

	tick := time.NewTicker(i.config.SweepEvery)
	defer tick.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-tick.C:
		}

		if n, err := i.store.DeleteExpired(i.ctx, i.now().Add(-i.config.TTL)); err != nil {
			i.logger.Error("inbox expiry failed", zap.Error(err))
		} else if n > 0 {
			i.logger.Info("expired inbox keys removed", zap.Int64("count", n))
		}
		if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
			i.logger.Error("inbox recovery failed", zap.Error(err))
		} else if n > 0 {
			i.logger.Warn("stale inbox claims released", zap.Int64("count", n))
		}
	}
}

// RecoverStaleEntries moves STARTED entries older than StaleAfter to RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	return i.store.RecoverStale(ctx, i.now().Add(-i.config.StaleAfter))
}

// Stats returns current inbox statistics
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}
