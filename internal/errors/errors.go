package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrInvalidConfig indicates the configuration could not be resolved
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrListen indicates the metrics listener could not be bound
	ErrListen = errors.New("listen failed")

	// ErrAlreadyStarted indicates a lifecycle component was started twice
	ErrAlreadyStarted = errors.New("already started")

	// ErrUnformattable indicates a log message could not be rendered
	ErrUnformattable = errors.New("unformattable log message")

	// ErrCrashed indicates a loop iteration panicked and the process must stop
	ErrCrashed = errors.New("crashed")
)

// Error reasons used as the bounded label set of app_errors_total
const (
	ReasonConfig    = "config"
	ReasonStartup   = "startup"
	ReasonIteration = "iteration"
	ReasonFormat    = "format"
	ReasonCrash     = "crash"
	ReasonUnknown   = "unknown"
)

// FatalError marks an error that must stop the process
type FatalError struct {
	Stage string
	Cause error
}

func (e *FatalError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fatal error during %s", e.Stage)
	}
	return fmt.Sprintf("fatal error during %s: %v", e.Stage, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// NewFatal wraps err as fatal for the given stage
func NewFatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Stage: stage, Cause: err}
}

// NewFatalf creates a new fatal error with formatting
func NewFatalf(stage, format string, args ...interface{}) error {
	return &FatalError{Stage: stage, Cause: fmt.Errorf(format, args...)}
}

// RecoverableError marks an error the caller logs and survives
type RecoverableError struct {
	Cause error
}

func (e *RecoverableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("recoverable error: %v", e.Cause)
	}
	return "recoverable error"
}

func (e *RecoverableError) Unwrap() error {
	return e.Cause
}

// NewRecoverablef creates a new recoverable error with formatting
func NewRecoverablef(format string, args ...interface{}) error {
	return &RecoverableError{Cause: fmt.Errorf(format, args...)}
}

// IsFatal checks if an error must terminate the process
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return true
	}

	var recoverableErr *RecoverableError
	if errors.As(err, &recoverableErr) {
		return false
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrListen) ||
		errors.Is(err, ErrCrashed)
}

// IsRecoverable checks if an error was explicitly marked as recoverable
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var recoverableErr *RecoverableError
	return errors.As(err, &recoverableErr)
}

// Reason maps an error onto the bounded reason label set
func Reason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, ErrInvalidConfig):
		return ReasonConfig
	case errors.Is(err, ErrUnformattable):
		return ReasonFormat
	case errors.Is(err, ErrCrashed):
		return ReasonCrash
	case errors.Is(err, ErrListen), errors.Is(err, ErrAlreadyStarted):
		return ReasonStartup
	case IsRecoverable(err):
		return ReasonIteration
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return ReasonStartup
	}
	return ReasonUnknown
}
