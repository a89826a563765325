// Package collab holds the scheduler's collaborators: the agent
// directory the gateway resolves definitions from, the usage meter fed
// after every completed test, and the tier gate enforcing daily quotas.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/config"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/otel"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
)

// AgentDirectory resolves agent definitions for incoming test requests.
type AgentDirectory struct {
	store *queue.Store
}

func NewAgentDirectory(store *queue.Store) *AgentDirectory {
	return &AgentDirectory{store: store}
}

// Lookup fetches the agent definition. queue.ErrNotFound when missing.
func (d *AgentDirectory) Lookup(ctx context.Context, agentID string) (*queue.Agent, error) {
	return d.store.GetAgent(ctx, agentID)
}

// Register stores or updates an agent definition.
func (d *AgentDirectory) Register(ctx context.Context, a queue.Agent) error {
	return d.store.PutAgent(ctx, a)
}

// UsageMeter records per-execution consumption. Recording is
// best-effort: metering never fails the execution it measures.
type UsageMeter struct {
	metrics *otel.Metrics
	logger  *slog.Logger
}

func NewUsageMeter(metrics *otel.Metrics, logger *slog.Logger) *UsageMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageMeter{metrics: metrics, logger: logger}
}

// Record meters one finished execution.
func (m *UsageMeter) Record(ctx context.Context, execID, userID, modelID, method string, tokens int) {
	m.logger.Info("usage recorded",
		"execution_id", execID,
		"user_id", userID,
		"model", modelID,
		"execution_method", method,
		"tokens", tokens,
	)
	if m.metrics == nil || tokens <= 0 {
		return
	}
	m.metrics.TokensUsed.Add(ctx, int64(tokens), metric.WithAttributes(
		attribute.String("model", modelID),
		attribute.String("method", method),
	))
}

// ErrQuotaExceeded reports a tier's daily quota being hit.
type ErrQuotaExceeded struct {
	UserID string
	Tier   string
	Limit  int
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("user %s exceeded the %s tier daily limit of %d tests", e.UserID, e.Tier, e.Limit)
}

// Decision is the outcome of a quota check. Remaining counts the
// submissions left today after admitting this one; -1 means unlimited.
type Decision struct {
	Allowed   bool
	Remaining int
}

// TierGate enforces per-tier daily submission quotas. Days roll over at
// midnight UTC. Tier limits can be swapped at runtime via SetTiers.
type TierGate struct {
	store  *queue.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	tiers map[string]config.TierConfig
}

func NewTierGate(store *queue.Store, tiers map[string]config.TierConfig, logger *slog.Logger) *TierGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &TierGate{store: store, tiers: tiers, logger: logger, now: time.Now}
}

// SetTiers replaces the tier limit table. Used on config reload.
func (g *TierGate) SetTiers(tiers map[string]config.TierConfig) {
	g.mu.Lock()
	g.tiers = tiers
	g.mu.Unlock()
}

func (g *TierGate) limitFor(tier string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.tiers) == 0 {
		return 0, false
	}
	cfg, ok := g.tiers[tier]
	if !ok {
		cfg, ok = g.tiers["free"]
		if !ok {
			return 0, false
		}
	}
	if cfg.DailyTestLimit <= 0 {
		return 0, false
	}
	return cfg.DailyTestLimit, true
}

// Allow reports whether userID may submit another test under tier. An
// unknown tier falls back to the "free" tier's limit; with no tiers
// configured at all the gate is open.
func (g *TierGate) Allow(ctx context.Context, userID, tier string) (Decision, error) {
	limit, bounded := g.limitFor(tier)
	if !bounded {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	midnight := g.now().UTC().Truncate(24 * time.Hour)
	used, err := g.store.CountExecutionsForUserSince(ctx, userID, midnight)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}
	if used >= limit {
		g.logger.Warn("daily quota exceeded", "user_id", userID, "tier", tier, "used", used, "limit", limit)
		return Decision{Allowed: false, Remaining: 0},
			&ErrQuotaExceeded{UserID: userID, Tier: tier, Limit: limit}
	}
	return Decision{Allowed: true, Remaining: limit - used - 1}, nil
}
