package engine

import (
	"sync/atomic"
	"time"

	"github.com/basket/taskclaw/internal/config"
)

// Limits bound a single turn.
type Limits struct {
	MaxToolCalls  int
	OracleTimeout time.Duration
	TurnTimeout   time.Duration
	RetryBackoff  time.Duration
}

// DefaultLimits mirrors the config defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxToolCalls:  6,
		OracleTimeout: 30 * time.Second,
		TurnTimeout:   90 * time.Second,
		RetryBackoff:  500 * time.Millisecond,
	}
}

// LimitsFromConfig converts the engine section of the config.
func LimitsFromConfig(c config.EngineConfig) Limits {
	return Limits{
		MaxToolCalls:  c.MaxToolCalls,
		OracleTimeout: c.OracleTimeout(),
		TurnTimeout:   c.TurnTimeout(),
		RetryBackoff:  c.OracleRetryBackoff(),
	}
}

// limitsHolder publishes Limits to concurrent turns. A turn reads them once
// at its start.
type limitsHolder struct {
	v atomic.Pointer[Limits]
}

func (h *limitsHolder) load() Limits {
	if l := h.v.Load(); l != nil {
		return *l
	}
	return DefaultLimits()
}

func (h *limitsHolder) store(l Limits) {
	d := DefaultLimits()
	if l.MaxToolCalls <= 0 {
		l.MaxToolCalls = d.MaxToolCalls
	}
	if l.OracleTimeout <= 0 {
		l.OracleTimeout = d.OracleTimeout
	}
	if l.TurnTimeout <= 0 {
		l.TurnTimeout = d.TurnTimeout
	}
	if l.RetryBackoff < 0 {
		l.RetryBackoff = 0
	}
	h.v.Store(&l)
}

type atomicString struct {
	v atomic.Pointer[string]
}

func (s *atomicString) Load() string {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *atomicString) Store(v string) { s.v.Store(&v) }
