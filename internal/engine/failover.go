package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// NamedOracle pairs an Oracle with the provider name used for breaker
// tracking and logging.
type NamedOracle struct {
	Name   string
	Oracle Oracle
}

type circuitBreaker struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// ErrAllProvidersDown is returned when every provider is tripped.
var ErrAllProvidersDown = errors.New("failover: no provider available")

// FailoverOracle tries providers in order, skipping those whose circuit
// breaker is open. A breaker opens after threshold consecutive failures and
// closes again once cooldown has elapsed.
type FailoverOracle struct {
	providers []NamedOracle
	logger    *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	cooldown  time.Duration
	kv        KVStore
	now       func() time.Time
}

func NewFailoverOracle(providers []NamedOracle, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverOracle {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*circuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name] = &circuitBreaker{}
	}
	return &FailoverOracle{
		providers: providers,
		logger:    logger,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Next asks each available provider in order and returns the first reply.
func (f *FailoverOracle) Next(ctx context.Context, req OracleRequest) (*OracleReply, error) {
	var lastErr error
	for _, p := range f.providers {
		if f.isTripped(p.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", p.Name)
			continue
		}
		reply, err := p.Oracle.Next(ctx, req)
		if err == nil {
			f.recordSuccess(ctx, p.Name)
			if reply != nil && reply.Provider == "" {
				reply.Provider = p.Name
			}
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the provider.
			return nil, err
		}
		f.recordFailure(ctx, p.Name)
		ec := ClassifyError(err)
		f.logger.Warn("failover: provider failed", "provider", p.Name, "error_class", string(ec), "error", err)

		// The prompt is the same everywhere, so another provider will not fit it either.
		if ec == ErrorClassContextOverflow {
			return nil, fmt.Errorf("failover: context overflow from %s: %w", p.Name, err)
		}
	}
	if lastErr == nil {
		return nil, ErrAllProvidersDown
	}
	return nil, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (f *FailoverOracle) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || !cb.Tripped {
		return false
	}
	if f.now().Sub(cb.LastFailure) >= f.cooldown {
		cb.Tripped = false
		cb.Failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetKVStore enables persistent breaker state.
func (f *FailoverOracle) SetKVStore(kv KVStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv = kv
}

func (f *FailoverOracle) recordFailure(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		f.breakers[name] = cb
	}
	cb.Failures++
	cb.LastFailure = f.now()
	if cb.Failures >= f.threshold && !cb.Tripped {
		cb.Tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.Failures)
	}
	f.persist(ctx, name, cb)
}

func (f *FailoverOracle) recordSuccess(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || (cb.Failures == 0 && !cb.Tripped) {
		return
	}
	cb.Failures = 0
	cb.Tripped = false
	f.persist(ctx, name, cb)
}

// persist must be called with f.mu held.
func (f *FailoverOracle) persist(ctx context.Context, name string, cb *circuitBreaker) {
	if f.kv == nil {
		return
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return
	}
	if err := f.kv.KVSet(context.WithoutCancel(ctx), breakerKey(name), string(data)); err != nil {
		f.logger.Warn("failover: persist breaker state", "provider", name, "error", err)
	}
}

// LoadBreakerState restores breaker state saved by a previous process.
func (f *FailoverOracle) LoadBreakerState(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kv == nil {
		return
	}
	for name, cb := range f.breakers {
		val, err := f.kv.KVGet(ctx, breakerKey(name))
		if err != nil || val == "" {
			continue
		}
		var state circuitBreaker
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		*cb = state
	}
}

func breakerKey(name string) string { return "cb:" + name }
