package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure stages. Build covers environment provisioning, execution
// covers the agent code or model call itself, timeout covers deadline
// hits, service covers infrastructure faults that no retry can fix.
// Build, execution, and timeout faults are requeued within the attempt
// budget; service faults are terminal.
const (
	StageBuild     = "build"
	StageExecution = "execution"
	StageTimeout   = "timeout"
	StageService   = "service"
)

// StageError tags an error with the pipeline stage it happened in and
// whether a retry could plausibly succeed.
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func buildErr(err error) *StageError {
	return &StageError{Stage: StageBuild, Retryable: true, Err: err}
}

func execErr(err error) *StageError {
	return &StageError{Stage: StageExecution, Retryable: true, Err: err}
}

func timeoutErr(err error) *StageError {
	return &StageError{Stage: StageTimeout, Retryable: true, Err: err}
}

func serviceErr(err error) *StageError {
	return &StageError{Stage: StageService, Retryable: false, Err: err}
}

var buildMarkers = []string{
	"image",
	"pull access denied",
	"manifest unknown",
	"no such image",
	"compile",
	"module not loaded",
	"invalid wasm",
}

var deniedMarkers = []string{
	"access denied",
	"permission denied",
	"unauthorized",
	"forbidden",
}

// Classify maps an arbitrary backend error to a stage and retry hint.
// A StageError anywhere in the chain wins; otherwise classification
// falls back to substring matching on the error text. Unknown faults
// count as execution-stage so the bounded retry policy gets a chance
// at them.
func Classify(err error) (stage string, retryable bool) {
	if err == nil {
		return "", false
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, se.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StageTimeout, true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline") {
		return StageTimeout, true
	}
	for _, marker := range buildMarkers {
		if strings.Contains(msg, marker) {
			return StageBuild, true
		}
	}
	for _, marker := range deniedMarkers {
		if strings.Contains(msg, marker) {
			return StageService, false
		}
	}
	return StageExecution, true
}
