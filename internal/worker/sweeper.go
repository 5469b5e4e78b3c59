package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	redisinfra "github.com/dohealth/clinicflow/internal/infrastructure/redis"
)

// SweepLockName is the Redis lock held while a sweep runs
const SweepLockName = "no-show-sweep"

// NoShowSweeper marks overdue appointments as No Show
type NoShowSweeper interface {
	SweepNoShows(ctx context.Context) (int, error)
}

// Locker takes a named distributed lock
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// SweeperConfig holds the sweep cadence
type SweeperConfig struct {
	Interval time.Duration
	// LockTTL bounds how long a crashed worker can block the others
	LockTTL time.Duration
}

// DefaultSweeperConfig sweeps every minute
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: time.Minute, LockTTL: 50 * time.Second}
}

// Sweeper runs the no-show sweep periodically. With several workers running
// only the one holding the lock sweeps in a given tick.
type Sweeper struct {
	svc    NoShowSweeper
	locker Locker
	config SweeperConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. A nil locker sweeps without locking.
func NewSweeper(svc NoShowSweeper, locker Locker, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		svc:    svc,
		locker: locker,
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// RunOnce performs one sweep if the lock can be taken. It reports how many
// appointments were marked and whether this process swept.
func (s *Sweeper) RunOnce(ctx context.Context) (int, bool, error) {
	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, SweepLockName, s.config.LockTTL)
		if errors.Is(err, redisinfra.ErrNotAcquired) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	n, err := s.svc.SweepNoShows(ctx)
	return n, true, err
}

// Start launches the sweep loop
func (s *Sweeper) Start() {
	go s.loop()
	s.logger.Info("no-show sweeper started", zap.Duration("interval", s.config.Interval))
}

// Stop ends the loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.RunOnce(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("no-show sweep failed", zap.Error(err))
			}
		}
	}
}
