package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the turn pipeline.
type Metrics struct {
	Turns          metric.Int64Counter
	TurnDuration   metric.Float64Histogram
	ToolCalls      metric.Int64Counter
	ToolErrors     metric.Int64Counter
	ToolDuration   metric.Float64Histogram
	OracleCalls    metric.Int64Counter
	OracleErrors   metric.Int64Counter
	OracleDuration metric.Float64Histogram
	HTTPRejects    metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Turns, err = meter.Int64Counter("taskclaw.turns",
		metric.WithDescription("Conversational turns handled, by outcome code"),
	); err != nil {
		return nil, err
	}
	if m.TurnDuration, err = meter.Float64Histogram("taskclaw.turn.duration",
		metric.WithDescription("Turn duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("taskclaw.tool.calls",
		metric.WithDescription("Tool invocations, by tool and success"),
	); err != nil {
		return nil, err
	}
	if m.ToolErrors, err = meter.Int64Counter("taskclaw.tool.errors",
		metric.WithDescription("Tool invocations that failed, by tool and code"),
	); err != nil {
		return nil, err
	}
	if m.ToolDuration, err = meter.Float64Histogram("taskclaw.tool.duration",
		metric.WithDescription("Tool invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.OracleCalls, err = meter.Int64Counter("taskclaw.oracle.calls",
		metric.WithDescription("Oracle requests issued, including retries"),
	); err != nil {
		return nil, err
	}
	if m.OracleErrors, err = meter.Int64Counter("taskclaw.oracle.errors",
		metric.WithDescription("Oracle requests that failed, by error class"),
	); err != nil {
		return nil, err
	}
	if m.OracleDuration, err = meter.Float64Histogram("taskclaw.oracle.duration",
		metric.WithDescription("Oracle request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.HTTPRejects, err = meter.Int64Counter("taskclaw.http.rejects",
		metric.WithDescription("Requests rejected before reaching a handler, by reason"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNoopMetrics returns instruments backed by the no-op meter.
func MustNoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (m *Metrics) RecordTurn(ctx context.Context, code string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(code))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, ms(d), attrs)
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, success bool, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool), attribute.Bool("success", success)))
	m.ToolDuration.Record(ctx, ms(d), metric.WithAttributes(AttrToolName.String(tool)))
	if !success {
		m.ToolErrors.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool), AttrOutcome.String(code)))
	}
}

func (m *Metrics) RecordOracleCall(ctx context.Context, errClass string, d time.Duration) {
	if m == nil {
		return
	}
	m.OracleCalls.Add(ctx, 1)
	m.OracleDuration.Record(ctx, ms(d))
	if errClass != "" {
		m.OracleErrors.Add(ctx, 1, metric.WithAttributes(AttrErrorClass.String(errClass)))
	}
}

func (m *Metrics) RecordReject(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.HTTPRejects.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(reason)))
}
