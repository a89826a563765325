package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		stage     string
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, StageTimeout, true},
		{"wrapped deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), StageTimeout, true},
		{"timeout text", errors.New("request timed out after 60s"), StageTimeout, true},
		{"image pull", errors.New("Error response from daemon: pull access denied"), StageBuild, true},
		{"no such image", errors.New("no such image: testbench/agent-runner"), StageBuild, true},
		{"throttle", errors.New("429 too many requests"), StageExecution, true},
		{"refused", errors.New("dial tcp: connection refused"), StageExecution, true},
		{"denied", errors.New("model invoke: access denied"), StageService, false},
		{"unknown", errors.New("something odd happened"), StageExecution, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage, retryable := Classify(tc.err)
			if stage != tc.stage || retryable != tc.retryable {
				t.Fatalf("Classify(%v) = (%s, %v), want (%s, %v)",
					tc.err, stage, retryable, tc.stage, tc.retryable)
			}
		})
	}
}

func TestClassifyStageErrorWins(t *testing.T) {
	inner := serviceErr(errors.New("no runner registered for region"))
	wrapped := fmt.Errorf("dispatch: %w", inner)
	stage, retryable := Classify(wrapped)
	if stage != StageService || retryable {
		t.Fatalf("Classify = (%s, %v), want (service, false)", stage, retryable)
	}
}

func TestClassifyNil(t *testing.T) {
	if stage, retryable := Classify(nil); stage != "" || retryable {
		t.Fatalf("Classify(nil) = (%s, %v)", stage, retryable)
	}
}
