package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultSyncInterval = time.Hour
	DefaultRunLockKey   = "usersync:run-lock"
)

// releaseLock deletes the run lock only while it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Runner runs a reconciliation pass.
type Runner interface {
	Run(ctx context.Context, harpIDs []string) Result
}

var _ Runner = &Driver{}

// Scheduler runs a full reconciliation on a fixed interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration

	redis    redis.Cmdable
	lockKey  string
	lockTTL  time.Duration
	newToken func() string
}

// NewScheduler creates a Scheduler. A non-positive interval uses DefaultSyncInterval.
func NewScheduler(runner Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		lockKey:  DefaultRunLockKey,
		lockTTL:  interval,
		newToken: uuid.NewString,
	}
}

// SetupRedis makes replicas share one scheduled run per interval.
func (s *Scheduler) SetupRedis(cmdable redis.Cmdable) {
	s.redis = cmdable
}

// Run blocks until ctx is done, starting a full run on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a full reconciliation unless another replica holds the run lock.
// It reports whether a run happened.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if s.redis == nil {
		s.runner.Run(ctx, nil)
		return true
	}

	token := s.newToken()
	acquired, err := s.redis.SetNX(ctx, s.lockKey, token, s.lockTTL).Result()
	if err != nil {
		slog.Warn("run lock unavailable, running anyway", "error", err)
		s.runner.Run(ctx, nil)
		return true
	}
	if !acquired {
		slog.Info("scheduled user sync skipped, another replica is running it")
		return false
	}
	defer func() {
		if err := releaseLock.Run(context.WithoutCancel(ctx), s.redis, []string{s.lockKey}, token).Err(); err != nil {
			slog.Warn("failed to release run lock", "error", err)
		}
	}()
	s.runner.Run(ctx, nil)
	return true
}
