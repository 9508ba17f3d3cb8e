package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner triggers one scheduled pipeline run. The coordinator implements
// this; the scheduler stays ignorant of run options and batch bookkeeping.
type Runner interface {
	RunScheduled(ctx context.Context) error
}

// Service defines the public interface for the scheduler
type Service interface {
	// Start registers the cron schedule and begins triggering runs
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler service
	Stop() error
}

// service fires pipeline runs on a cron schedule, guarded by the run lock
type service struct {
	log    logrus.FieldLogger
	cfg    *Config
	runner Runner
	lock   RunLock

	cron *cron.Cron
	done chan struct{}
}

// NewService creates a new scheduler service. The lock key should already
// carry the application prefix.
func NewService(log logrus.FieldLogger, cfg *Config, redisOpt *redis.Options, lockKey string, runner Runner) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		log:    log.WithField("service", "scheduler"),
		cfg:    cfg,
		runner: runner,
		lock:   NewRunLock(log, redisOpt, lockKey, cfg.LockTTL),
		cron:   cron.New(cron.WithLocation(time.UTC)),
		done:   make(chan struct{}),
	}, nil
}

// Start registers the cron schedule and begins triggering runs
func (s *service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.trigger(ctx) }); err != nil {
		return fmt.Errorf("failed to register schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()

	s.log.WithFields(logrus.Fields{
		"schedule": s.cfg.Schedule,
		"lock_ttl": s.cfg.LockTTL,
	}).Info("Scheduler service started")

	return nil
}

// trigger runs one scheduled pipeline pass. A trigger that cannot take the
// run lock is dropped, not queued: the next cron fire will catch up.
func (s *service) trigger(ctx context.Context) {
	select {
	case <-s.done:
		return
	default:
	}

	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to acquire run lock")
		return
	}

	if !acquired {
		s.log.Info("Skipping scheduled run, another instance holds the run lock")
		return
	}

	defer s.lock.Release(ctx)

	s.log.Info("Starting scheduled pipeline run")

	start := time.Now()

	if err := s.runner.RunScheduled(ctx); err != nil {
		s.log.WithError(err).WithField("duration", time.Since(start)).Error("Scheduled pipeline run failed")
		return
	}

	s.log.WithField("duration", time.Since(start)).Info("Scheduled pipeline run completed")
}

// Stop gracefully shuts down the scheduler service
func (s *service) Stop() error {
	close(s.done)

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	if err := s.lock.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close run lock")
	}

	s.log.Info("Scheduler service stopped successfully")

	return nil
}

var _ Service = (*service)(nil)
