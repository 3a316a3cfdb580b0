package service

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// SyncService runs the loop on a dedicated OS thread. Stop sets a flag that
// is checked before every iteration and cuts the current sleep short.
type SyncService struct {
	loop
	stopped  atomic.Bool
	wake     chan struct{}
	stopOnce sync.Once
}

// NewSyncService creates a sync loop
func NewSyncService(runner Runner, marker IterationMarker, config Config, logger *slog.Logger) *SyncService {
	return &SyncService{
		loop: newLoop(runner, marker, config, logger),
		wake: make(chan struct{}),
	}
}

// Start blocks until the loop exits
func (s *SyncService) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		errCh <- s.run(ctx)
	}()
	return <-errCh
}

func (s *SyncService) run(ctx context.Context) error {
	s.logger.Info("Service loop started")
	for !s.stopped.Load() && ctx.Err() == nil {
		if err := s.iterate(ctx); err != nil {
			return err
		}
		s.pause(ctx)
	}
	return nil
}

// pause sleeps until the next iteration is due, Stop is called or ctx ends
func (s *SyncService) pause(ctx context.Context) {
	if s.sleep <= 0 {
		return
	}
	timer := time.NewTimer(s.sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.wake:
	case <-ctx.Done():
	}
}

// Stop asks the loop to exit. Safe to call more than once and from any goroutine.
func (s *SyncService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Service loop stopping")
		s.stopped.Store(true)
		close(s.wake)
	})
}
