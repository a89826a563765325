package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	TestsEnqueued   metric.Int64Counter
	ClaimsWon       metric.Int64Counter
	ClaimsLost      metric.Int64Counter
	Retries         metric.Int64Counter
	ReaperReclaims  metric.Int64Counter
	BackendFailures metric.Int64Counter
	BackendDuration metric.Float64Histogram
	TokensUsed      metric.Int64Counter
	ActiveDispatch  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TestsEnqueued, err = meter.Int64Counter("testbench.queue.enqueued",
		metric.WithDescription("Test executions accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsWon, err = meter.Int64Counter("testbench.queue.claims_won",
		metric.WithDescription("Queue entries successfully claimed"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsLost, err = meter.Int64Counter("testbench.queue.claims_lost",
		metric.WithDescription("Claim attempts lost to a concurrent scheduler pass"),
	)
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("testbench.queue.retries",
		metric.WithDescription("Executions requeued after a retryable failure"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperReclaims, err = meter.Int64Counter("testbench.reaper.reclaims",
		metric.WithDescription("Stale claims recovered by the abandonment reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendFailures, err = meter.Int64Counter("testbench.backend.failures",
		metric.WithDescription("Backend invocations that failed, by stage"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendDuration, err = meter.Float64Histogram("testbench.backend.duration",
		metric.WithDescription("Backend invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("testbench.usage.tokens",
		metric.WithDescription("Tokens metered across executions"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDispatch, err = meter.Int64UpDownCounter("testbench.scheduler.active",
		metric.WithDescription("Executions currently being dispatched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
