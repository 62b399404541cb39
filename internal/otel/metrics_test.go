package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	instruments := map[string]any{
		"Turns":          m.Turns,
		"TurnDuration":   m.TurnDuration,
		"ToolCalls":      m.ToolCalls,
		"ToolErrors":     m.ToolErrors,
		"ToolDuration":   m.ToolDuration,
		"OracleCalls":    m.OracleCalls,
		"OracleErrors":   m.OracleErrors,
		"OracleDuration": m.OracleDuration,
		"HTTPRejects":    m.HTTPRejects,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}

	ctx := context.Background()
	m.RecordTurn(ctx, "OK", 12*time.Millisecond)
	m.RecordToolCall(ctx, "complete_task", false, "NOT_FOUND", time.Millisecond)
	m.RecordOracleCall(ctx, "RATE_LIMIT", 40*time.Millisecond)
}

func TestMustNoopMetrics(t *testing.T) {
	m := MustNoopMetrics()
	m.RecordTurn(context.Background(), "OK", time.Second)
}
