package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/tokenutil"
)

// SandboxConfig configures the managed sandbox adapter.
type SandboxConfig struct {
	// Provider is "anthropic" or "openai_compatible". Empty defaults
	// to "anthropic".
	Provider string
	BaseURL  string
	APIKey   string
}

// generateFunc is the model call, split out so tests can stub it.
type generateFunc func(ctx context.Context, modelName, system, prompt string, history []Turn) (string, error)

// ManagedSandbox runs a test turn against a hosted foundation model.
// When the primary call fails on a transient fault it makes one
// fallback pass through the local function runner, so a single attempt
// never issues more than two external calls.
type ManagedSandbox struct {
	g        *genkit.Genkit
	cfg      SandboxConfig
	generate generateFunc
	fallback Invoker
	llmOn    bool
	logger   *slog.Logger
}

// NewManagedSandbox initializes the Genkit client for the configured
// provider. A missing API key leaves the adapter in degraded mode: every
// invocation goes straight to the fallback runner.
func NewManagedSandbox(ctx context.Context, cfg SandboxConfig, fallback Invoker, logger *slog.Logger) *ManagedSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	cfg.Provider = provider

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("managed sandbox initialized", "provider", provider)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("sandbox API key missing, managed models run via fallback only")
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "sandbox",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("managed sandbox initialized", "provider", provider, "base_url", cfg.BaseURL)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("sandbox API key missing, managed models run via fallback only")
		}
	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown sandbox provider, managed models run via fallback only", "provider", provider)
	}

	sb := &ManagedSandbox{
		g:        g,
		cfg:      cfg,
		fallback: fallback,
		llmOn:    llmOn,
		logger:   logger,
	}
	sb.generate = sb.defaultGenerate
	return sb
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai_compatible":
		return os.Getenv("SANDBOX_API_KEY")
	default:
		return ""
	}
}

// modelNameFor converts a vendor-prefixed model id, e.g.
// "anthropic.claude-3-haiku", into the Genkit model name for the
// configured provider.
func modelNameFor(provider, modelID string) string {
	id := strings.TrimSpace(modelID)
	switch provider {
	case "anthropic":
		return "anthropic/" + strings.TrimPrefix(id, "anthropic.")
	default:
		return "sandbox/" + id
	}
}

func (s *ManagedSandbox) Kind() Kind {
	return KindSandbox
}

func (s *ManagedSandbox) Invoke(ctx context.Context, req Request) (*Result, error) {
	prompt := strings.TrimSpace(req.Input)
	if prompt == "" {
		return nil, execErr(fmt.Errorf("empty input"))
	}

	if !s.llmOn {
		return s.invokeFallback(ctx, req, fmt.Errorf("no sandbox credentials"))
	}

	modelName := modelNameFor(s.cfg.Provider, req.ModelID)
	text, err := s.generate(ctx, modelName, req.SystemPrompt, prompt, req.History)
	if err != nil {
		stage, retryable := Classify(err)
		s.logger.Warn("sandbox generate failed",
			"execution_id", req.ExecutionID, "model", req.ModelID, "stage", stage, "error", err)
		if retryable && s.fallback != nil {
			return s.invokeFallback(ctx, req, err)
		}
		return nil, &StageError{Stage: stage, Retryable: retryable, Err: err}
	}

	return &Result{
		Success:     true,
		Response:    text,
		Environment: KindSandbox,
		Model:       req.ModelID,
		TokensUsed:  tokenutil.Estimate(prompt) + tokenutil.Estimate(text),
	}, nil
}

// invokeFallback makes the one permitted secondary call through the
// function runner.
func (s *ManagedSandbox) invokeFallback(ctx context.Context, req Request, cause error) (*Result, error) {
	if s.fallback == nil {
		stage, retryable := Classify(cause)
		return nil, &StageError{Stage: stage, Retryable: retryable, Err: cause}
	}
	s.logger.Info("sandbox falling back to function runner",
		"execution_id", req.ExecutionID, "model", req.ModelID, "cause", cause)
	res, err := s.fallback.Invoke(ctx, req)
	if err != nil {
		stage, retryable := Classify(cause)
		return nil, &StageError{Stage: stage, Retryable: retryable,
			Err: fmt.Errorf("sandbox failed (%v); fallback failed: %w", cause, err)}
	}
	return res, nil
}

func (s *ManagedSandbox) defaultGenerate(ctx context.Context, modelName, system, prompt string, history []Turn) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(modelName),
		ai.WithPrompt(prompt),
	}
	if system = strings.TrimSpace(system); system != "" {
		// Escape % so ai.WithSystem's formatting can't corrupt the prompt.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if msgs := historyToMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, s.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func historyToMessages(history []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, turn := range history {
		var role ai.Role
		switch turn.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(turn.Content)},
		})
	}
	return msgs
}
