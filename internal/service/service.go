// Package service drives the background loop of a servicekit process. The
// sync variant runs on a dedicated OS thread and stops on a flag; the async
// variant is a cooperative loop driven by a context.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/daimoniac/servicekit/internal/errors"
	"github.com/daimoniac/servicekit/internal/observability"
)

// Mode selects the loop variant
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Modes lists the accepted loop modes
var Modes = []string{string(ModeAsync), string(ModeSync)}

// Service is a background loop
type Service interface {
	// Start runs the loop until Stop is called, ctx is canceled or an
	// iteration crashes. Only a crash is returned as an error.
	Start(ctx context.Context) error

	// Stop asks the loop to exit. No new iteration starts afterwards.
	Stop()
}

// Runner performs one iteration of loop work
type Runner interface {
	RunOnce(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

// RunOnce calls f(ctx)
func (f RunnerFunc) RunOnce(ctx context.Context) error {
	return f(ctx)
}

// IterationMarker receives loop progress. *observability.Metrics implements it.
type IterationMarker interface {
	MarkIteration()
	RecordError(reason string)
}

// Config contains configuration for the loop
type Config struct {
	// Sleep is the pause after every iteration
	Sleep time.Duration
}

// DefaultRunner logs every iteration at debug level and does nothing else
func DefaultRunner(logger *slog.Logger) Runner {
	return RunnerFunc(func(ctx context.Context) error {
		logger.Debug("Service iteration")
		return nil
	})
}

// New creates the loop variant named by mode
func New(mode Mode, runner Runner, marker IterationMarker, config Config, logger *slog.Logger) (Service, error) {
	switch mode {
	case ModeSync:
		return NewSyncService(runner, marker, config, logger), nil
	case ModeAsync:
		return NewAsyncService(runner, marker, config, logger), nil
	default:
		return nil, errors.NewFatalf("wiring", "%w: unknown loop mode %q", errors.ErrInvalidConfig, mode)
	}
}

// PanicError is returned by Start when an iteration panics
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in service loop iteration: %v", e.Value)
}

// Unwrap makes a panic match errors.ErrCrashed
func (e *PanicError) Unwrap() error {
	return errors.ErrCrashed
}

// StackTrace returns the stack of the panicking goroutine
func (e *PanicError) StackTrace() string {
	return string(e.Stack)
}

// loop is the iteration logic shared by both variants
type loop struct {
	runner Runner
	marker IterationMarker
	sleep  time.Duration
	logger *slog.Logger
}

func newLoop(runner Runner, marker IterationMarker, config Config, logger *slog.Logger) loop {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.Named(logger, "service")
	if runner == nil {
		runner = DefaultRunner(logger)
	}
	return loop{
		runner: runner,
		marker: marker,
		sleep:  config.Sleep,
		logger: logger,
	}
}

// iterate runs one iteration. Iteration errors are logged and counted; only
// a panic is returned.
func (l *loop) iterate(ctx context.Context) (crash error) {
	defer func() {
		if r := recover(); r != nil {
			crash = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	err := l.runner.RunOnce(ctx)
	switch {
	case err == nil:
		l.marker.MarkIteration()
	case ctx.Err() != nil && stderrors.Is(err, context.Canceled):
		// stopping
	default:
		l.logger.Error("Error in service loop iteration",
			observability.Exception(err))
		l.marker.RecordError(errors.ReasonIteration)
	}
	return nil
}
