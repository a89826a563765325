package tokenutil

import "testing"

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"sentence", "the scheduler claims pending work and dispatches it to a backend", 16},
		{"code uses byte floor", `{"agent_id":"a1","input":"hi"}`, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.content); got != tt.want {
				t.Fatalf("Estimate(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}
