// Package diagnostic wraps internal/health's probes with the cache and
// rate-limit policy of §4.G: a five-minute TTL cache of the last full
// diagnostic per instance, a two-minute minimum interval between runs, and
// a bounded per-instance history ring for trend reports.
package diagnostic

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/supaorch/orchestrator/infrastructure/cache"
	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/internal/health"
	"github.com/supaorch/orchestrator/internal/model"
)

// resultCache is the minimal contract the Engine needs from a cache
// backend. memoryCache below adapts the in-process cache.TTLCache;
// cache.RedisBytesCache satisfies it directly, for deployments that run
// more than one orchestratord replica against a shared registry.
type resultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

type memoryCache struct {
	c *cache.TTLCache
}

func (m memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := m.c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (m memoryCache) Set(ctx context.Context, key string, value []byte) {
	m.c.Set(ctx, key, value)
}

const (
	// DefaultCacheTTL is the five-minute cache lifetime from §3/§4.G.
	DefaultCacheTTL = 5 * time.Minute
	// MinRunInterval is the "once per two minutes" floor from §4.G. This is
	// a minimum-interval gate, not a token bucket, so it is implemented as a
	// per-instance last-run timestamp rather than golang.org/x/time/rate.
	MinRunInterval = 2 * time.Minute
	// HistorySize bounds the per-instance trend-report ring.
	HistorySize = 100
)

// Engine caches diagnostics, enforces the run-rate floor, and retains a
// bounded history per instance.
type Engine struct {
	checker *health.Checker
	cache   resultCache

	mu      sync.Mutex
	lastRun map[string]time.Time
	history map[string][]model.Diagnostic
}

// New builds an Engine around checker with the default, in-process cache.
func New(checker *health.Checker) *Engine {
	return newEngine(checker, memoryCache{c: cache.NewTTLCache(DefaultCacheTTL)})
}

// NewWithRedisCache builds an Engine whose diagnostic cache lives in the
// Redis instance at redisAddr instead of in-process, per §6.6's
// DIAGNOSTIC_CACHE_REDIS_ADDR. Use this when running more than one
// orchestratord replica against the same registry, so the two-minute
// run-rate floor and the five-minute cache are shared across replicas
// rather than enforced independently by each.
func NewWithRedisCache(checker *health.Checker, redisAddr string) *Engine {
	return newEngine(checker, cache.NewRedisBytesCache(redisAddr, "diagnostic:", DefaultCacheTTL))
}

func newEngine(checker *health.Checker, c resultCache) *Engine {
	return &Engine{
		checker: checker,
		cache:   c,
		lastRun: make(map[string]time.Time),
		history: make(map[string][]model.Diagnostic),
	}
}

// RunFullDiagnostic enforces the two-minute floor: a call within the
// interval returns the cached entry if one exists, otherwise RateLimited.
func (e *Engine) RunFullDiagnostic(ctx context.Context, inst model.Instance) (model.Diagnostic, error) {
	e.mu.Lock()
	last, ran := e.lastRun[inst.ID]
	tooSoon := ran && time.Since(last) < MinRunInterval
	e.mu.Unlock()

	if tooSoon {
		if cached, ok := e.GetLastDiagnostic(inst.ID); ok {
			return cached, nil
		}
		return model.Diagnostic{}, errors.RateLimitExceeded(1, MinRunInterval.String())
	}

	diag := e.checker.RunFullDiagnostic(ctx, inst)

	e.mu.Lock()
	e.lastRun[inst.ID] = time.Now()
	e.appendHistory(inst.ID, diag)
	e.mu.Unlock()

	if b, err := json.Marshal(diag); err == nil {
		e.cache.Set(ctx, inst.ID, b)
	}
	return diag, nil
}

// GetLastDiagnostic returns the cached entry for id if still fresh.
func (e *Engine) GetLastDiagnostic(id string) (model.Diagnostic, bool) {
	b, ok := e.cache.Get(context.Background(), id)
	if !ok {
		return model.Diagnostic{}, false
	}
	var diag model.Diagnostic
	if err := json.Unmarshal(b, &diag); err != nil {
		return model.Diagnostic{}, false
	}
	return diag, true
}

// History returns the bounded trend-report ring for id, oldest first.
func (e *Engine) History(id string) []model.Diagnostic {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Diagnostic, len(e.history[id]))
	copy(out, e.history[id])
	return out
}

func (e *Engine) appendHistory(id string, diag model.Diagnostic) {
	h := append(e.history[id], diag)
	if len(h) > HistorySize {
		h = h[len(h)-HistorySize:]
	}
	e.history[id] = h
}
