// Package worker runs the consuming side of the calculation queue: an
// asynq server that claims queued stage items and executes them through
// the derive engine.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	r "github.com/sabermill/sabermill/pkg/redis"
	"github.com/sabermill/sabermill/pkg/tasks"
)

// Service defines the public interface for the worker service
type Service interface {
	// Start initializes and starts the worker service
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker service
	Stop() error
}

// service encapsulates the worker application logic
type service struct {
	config *Config
	log    logrus.FieldLogger

	done chan struct{}
	wg   sync.WaitGroup

	redisOpt *redis.Options
	queue    string
	handler  *tasks.StageHandler

	server *asynq.Server
}

// NewService creates a new worker service. The queue name must match what
// the coordinator enqueues on, prefix included.
func NewService(log logrus.FieldLogger, cfg *Config, redisOpt *redis.Options, queue string, store tasks.QueueStore, runner tasks.StageRunner) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if queue == "" {
		queue = tasks.QueueDerive
	}

	return &service{
		log:      log.WithField("service", "worker"),
		config:   cfg,
		done:     make(chan struct{}),
		redisOpt: redisOpt,
		queue:    queue,
		handler:  tasks.NewStageHandler(log, store, runner),
	}, nil
}

// Start initializes and starts the worker service
func (s *service) Start(_ context.Context) error {
	s.log.WithFields(logrus.Fields{
		"queue":       s.queue,
		"concurrency": s.config.Concurrency,
	}).Info("Starting worker service")

	srv := asynq.NewServer(r.NewAsynqRedisOptions(s.redisOpt), asynq.Config{
		Concurrency:     s.config.Concurrency,
		Queues:          map[string]int{s.queue: 10},
		ShutdownTimeout: time.Duration(s.config.ShutdownTimeout) * time.Second,
	})

	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range s.handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if runErr := srv.Run(mux); runErr != nil {
			s.log.WithError(runErr).Error("Worker server stopped with error")
		}
	}()

	s.server = srv

	s.log.Info("Worker service started successfully")

	return nil
}

// Stop gracefully shuts down the worker service
func (s *service) Stop() error {
	close(s.done)

	if s.server != nil {
		s.server.Shutdown()
	}

	s.wg.Wait()

	s.log.Info("Worker service stopped successfully")

	return nil
}

var _ Service = (*service)(nil)
