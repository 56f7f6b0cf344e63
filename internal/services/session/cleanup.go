package session

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"sessions/internal/lib/sl"
)

const cleanupTimeout = 10 * time.Second

// maybeCleanup fires a background cleanup with probability
// 1/cleanupChance. Decoupled from the request path: the caller never
// waits on it, and its failure is invisible to the caller.
func (s *Service) maybeCleanup() {
	if s.cleanupChance <= 0 || rand.IntN(s.cleanupChance) != 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if _, err := s.CleanupExpired(ctx); err != nil {
			s.logger.Warn("opportunistic cleanup failed", sl.Err(err))
		}
	}()
}

// Janitor runs CleanupExpired on a fixed interval. Never required for
// correctness, only for storage hygiene.
type Janitor struct {
	logger   *slog.Logger
	service  *Service
	interval time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

func NewJanitor(logger *slog.Logger, service *Service, interval time.Duration) *Janitor {
	return &Janitor{
		logger:   logger,
		service:  service,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping expired records every interval until Stop is
// called.
func (j *Janitor) Run() {
	const op = "session.Janitor.Run"
	log := j.logger.With(slog.String("op", op))
	log.Info("janitor started", slog.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if _, err := j.service.CleanupExpired(ctx); err != nil {
				log.Warn("scheduled cleanup failed", sl.Err(err))
			}
			cancel()
		case <-j.done:
			return
		}
	}
}

// Stop terminates the sweep loop. Idempotent.
func (j *Janitor) Stop() {
	const op = "session.Janitor.Stop"

	j.stopOnce.Do(func() {
		j.logger.Info("stopping janitor", slog.String("op", op))
		close(j.done)
	})
}
