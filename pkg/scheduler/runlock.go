package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RunLock serializes pipeline runs across processes. The holder renews the
// lease while a run is in flight, so a crashed holder expires after the TTL
// instead of blocking runs forever.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
	Close() error
}

type runLock struct {
	log      logrus.FieldLogger
	redis    *redis.Client
	key      string
	holderID string
	ttl      time.Duration

	mu        sync.Mutex
	held      bool
	renewDone chan struct{}
	wg        sync.WaitGroup
}

// NewRunLock creates a Redis-backed run lock. The key should already carry
// the application prefix.
func NewRunLock(log logrus.FieldLogger, redisOpt *redis.Options, key string, ttl time.Duration) RunLock {
	return &runLock{
		log:      log.WithField("component", "runlock"),
		redis:    redis.NewClient(redisOpt),
		key:      key,
		holderID: uuid.New().String(),
		ttl:      ttl,
	}
}

func (l *runLock) Acquire(ctx context.Context) (bool, error) {
	acquired, err := l.redis.SetNX(ctx, l.key, l.holderID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if !acquired {
		owner, ownerErr := l.redis.Get(ctx, l.key).Result()
		if ownerErr != nil && !errors.Is(ownerErr, redis.Nil) {
			return false, fmt.Errorf("failed to check run lock owner: %w", ownerErr)
		}

		l.log.WithField("holder", owner).Debug("Run lock held by another instance")

		return false, nil
	}

	l.mu.Lock()
	l.held = true
	l.renewDone = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.renew(l.renewDone)

	l.log.WithFields(logrus.Fields{
		"holder": l.holderID,
		"ttl":    l.ttl,
	}).Debug("Acquired run lock")

	return true, nil
}

func (l *runLock) renew(done chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

			owner, err := l.redis.Get(ctx, l.key).Result()
			if err == nil && owner == l.holderID {
				if err := l.redis.Expire(ctx, l.key, l.ttl).Err(); err != nil {
					l.log.WithError(err).Warn("Failed to renew run lock lease")
				}
			}

			cancel()
		}
	}
}

func (l *runLock) Release(ctx context.Context) {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}

	l.held = false
	close(l.renewDone)
	l.mu.Unlock()

	l.wg.Wait()

	owner, err := l.redis.Get(ctx, l.key).Result()
	if err == nil && owner == l.holderID {
		if err := l.redis.Del(ctx, l.key).Err(); err != nil {
			l.log.WithError(err).Warn("Failed to delete run lock")
		} else {
			l.log.WithField("holder", l.holderID).Debug("Released run lock")
		}
	}
}

func (l *runLock) Close() error {
	return l.redis.Close()
}

var _ RunLock = (*runLock)(nil)
