// Package backend holds the execution adapters the scheduler dispatches
// to: the managed model sandbox, the local container runner, and the
// WASM function runner used as a one-shot fallback.
package backend

import "context"

// Kind identifies an execution environment. The value is recorded on
// the execution as its execution_method.
type Kind string

const (
	KindSandbox   Kind = "managed_sandbox"
	KindContainer Kind = "docker_container"
	KindFunction  Kind = "wasm_function"
)

// Turn is one prior conversation turn handed to the backend as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything a backend needs to run one test attempt.
type Request struct {
	ExecutionID  string `json:"execution_id"`
	AgentID      string `json:"agent_id"`
	ModelID      string `json:"model_id"`
	Input        string `json:"input"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Code         string `json:"code,omitempty"`
	Tools        string `json:"tools,omitempty"`
	History      []Turn `json:"history,omitempty"`
}

// Result is the outcome of one backend invocation.
type Result struct {
	Success     bool   `json:"success"`
	Response    string `json:"response"`
	Environment Kind   `json:"test_environment"`
	Model       string `json:"model"`
	TokensUsed  int    `json:"tokens_used,omitempty"`
}

// Invoker is implemented by every execution backend. Invoke must honor
// ctx cancellation; the scheduler bounds each attempt with a deadline.
type Invoker interface {
	Kind() Kind
	Invoke(ctx context.Context, req Request) (*Result, error)
}
