package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/internal/testutil"
)

type countingRunner struct {
	calls int
	err   error
}

func (r *countingRunner) RunScheduled(_ context.Context) error {
	r.calls++
	return r.err
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "five field cron",
			cfg:  Config{Schedule: "0 */6 * * *", LockTTL: 10 * time.Minute},
		},
		{
			name: "every descriptor",
			cfg:  Config{Schedule: "@every 1h", LockTTL: time.Minute},
		},
		{
			name:    "missing schedule",
			cfg:     Config{LockTTL: time.Minute},
			wantErr: ErrScheduleRequired,
		},
		{
			name:    "zero lock ttl",
			cfg:     Config{Schedule: "@every 1h"},
			wantErr: ErrInvalidLockTTL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateRejectsSecondsField(t *testing.T) {
	cfg := Config{Schedule: "*/30 * * * * *", LockTTL: time.Minute}
	assert.Error(t, cfg.Validate())
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	log := logrus.New()

	_, err := NewService(log, &Config{}, &redis.Options{}, "sabermill:runlock", &countingRunner{})
	require.Error(t, err)
}

func newTestService(t *testing.T, mr *miniredis.Miniredis, runner Runner) *service {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &Config{Schedule: "@every 1h", LockTTL: 10 * time.Second}

	svc, err := NewService(log, cfg, &redis.Options{Addr: mr.Addr()}, "sabermill:runlock", runner)
	require.NoError(t, err)

	return svc.(*service)
}

func TestTriggerRunsPipelineAndReleasesLock(t *testing.T) {
	mr := testutil.NewMiniredis(t)

	runner := &countingRunner{}
	svc := newTestService(t, mr, runner)

	svc.trigger(context.Background())

	assert.Equal(t, 1, runner.calls)
	assert.False(t, mr.Exists("sabermill:runlock"), "lock must be released after the run")
}

func TestTriggerSkipsWhenLockHeld(t *testing.T) {
	mr := testutil.NewMiniredis(t)

	require.NoError(t, mr.Set("sabermill:runlock", "another-instance"))

	runner := &countingRunner{}
	svc := newTestService(t, mr, runner)

	svc.trigger(context.Background())

	assert.Zero(t, runner.calls, "held lock must skip the run")
}

func TestTriggerReleasesLockOnRunFailure(t *testing.T) {
	mr := testutil.NewMiniredis(t)

	runner := &countingRunner{err: errors.New("pipeline blew up")}
	svc := newTestService(t, mr, runner)

	svc.trigger(context.Background())

	assert.Equal(t, 1, runner.calls)
	assert.False(t, mr.Exists("sabermill:runlock"), "lock must be released even when the run fails")
}
