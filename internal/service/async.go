package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AsyncService is a cooperative loop. Stop cancels the context handed to the
// runner, so in-flight work that honors its context is abandoned.
type AsyncService struct {
	loop

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// NewAsyncService creates an async loop
func NewAsyncService(runner Runner, marker IterationMarker, config Config, logger *slog.Logger) *AsyncService {
	return &AsyncService{
		loop: newLoop(runner, marker, config, logger),
	}
}

// Start blocks until the loop exits. Cancellation is a normal exit.
func (s *AsyncService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Async service loop started")
	for ctx.Err() == nil {
		if err := s.iterate(ctx); err != nil {
			return err
		}

		if s.sleep <= 0 {
			continue
		}
		timer := time.NewTimer(s.sleep)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	return nil
}

// Stop cancels the loop. Safe to call more than once and before Start.
func (s *AsyncService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.logger.Info("Async service loop stopping")
	if s.cancel != nil {
		s.cancel()
	}
}
