// Package engine executes validated placeholder queries with a two-tier
// cache. An in-process TTL cache fronts the durable value store; a
// singleflight group collapses concurrent executions of the same
// (placeholder, data source, query) key to one database round trip.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/resilience"
	"github.com/quillreport/quill/internal/source"
	"github.com/quillreport/quill/internal/store"
)

// Options modifies a single Execute call.
type Options struct {
	// ForceRefresh bypasses both cache tiers and re-executes the query.
	ForceRefresh bool

	// AllowUnvalidated permits executing a query that has not passed
	// validation. Only the test-execution endpoint sets this.
	AllowUnvalidated bool

	// Timeout bounds the database round trip. Zero uses the source default.
	Timeout time.Duration
}

// Stats is a snapshot of the engine's cache counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Executions int64 `json:"executions"`
	Failures   int64 `json:"failures"`
}

// Engine resolves placeholder configs to values.
type Engine struct {
	store store.Store
	cfg   config.EngineConfig
	retry resilience.Policy

	flight singleflight.Group
	hot    *ttlcache.Cache[string, *model.PlaceholderValue]

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker

	// hitMu guards hit bookkeeping on values shared through the hot tier.
	hitMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// New creates an Engine backed by the given store.
func New(st store.Store, cfg config.EngineConfig) *Engine {
	capacity := cfg.HotCacheCapacity
	if capacity <= 0 {
		capacity = 1024
	}

	hot := ttlcache.New[string, *model.PlaceholderValue](
		ttlcache.WithCapacity[string, *model.PlaceholderValue](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, *model.PlaceholderValue](),
	)
	go hot.Start()

	retry := resilience.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	retry.OnRetry = resilience.RetryLogger("engine", "execute query")

	return &Engine{
		store:    st,
		cfg:      cfg,
		retry:    retry,
		hot:      hot,
		breakers: make(map[string]*resilience.Breaker),
	}
}

// CacheKey builds the cache key for a config against a data source.
func CacheKey(placeholderID, dataSourceID, queryHash string) string {
	return strings.Join([]string{placeholderID, dataSourceID, queryHash}, "|")
}

// Execute resolves one placeholder config against src, serving from cache
// when a fresh value exists. A query failure is returned as a value with
// Success=false and a populated ErrorMessage, not as an error; the error
// return is reserved for fatal conditions (source unreachable, circuit
// open) that abort the whole task.
func (e *Engine) Execute(ctx context.Context, cfg *model.PlaceholderConfig, src source.DataSource, opts Options) (*model.PlaceholderValue, error) {
	if strings.TrimSpace(cfg.GeneratedQuery) == "" {
		return nil, resilience.Tag(resilience.KindValidation, eris.New("engine: config has no generated query"))
	}
	if !cfg.QueryValidated && !opts.AllowUnvalidated {
		return nil, resilience.Tag(resilience.KindValidation, eris.New("engine: query has not been validated"))
	}

	hash := model.QueryHash(cfg.GeneratedQuery)
	key := CacheKey(cfg.ID, src.ID(), hash)

	if !opts.ForceRefresh {
		if v := e.lookup(ctx, key, cfg.ID, src.ID(), hash); v != nil {
			e.count(func(s *Stats) { s.Hits++ })
			return v, nil
		}
	}
	e.count(func(s *Stats) { s.Misses++ })

	// Concurrent requests for the same key share one execution and all
	// observe the same stored value.
	v, err, _ := e.flight.Do(key, func() (any, error) {
		if !opts.ForceRefresh {
			if v := e.lookup(ctx, key, cfg.ID, src.ID(), hash); v != nil {
				return v, nil
			}
		}
		return e.run(ctx, cfg, src, key, hash, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PlaceholderValue), nil
}

// lookup checks the hot tier then the durable tier, promoting durable hits.
// Returns nil on miss or expiry.
func (e *Engine) lookup(ctx context.Context, key, placeholderID, dataSourceID, hash string) *model.PlaceholderValue {
	now := time.Now().UTC()

	if item := e.hot.Get(key); item != nil {
		v := item.Value()
		if !v.Expired(now) {
			return e.hit(ctx, v, now)
		}
		e.hot.Delete(key)
	}

	v, err := e.store.GetValue(ctx, placeholderID, dataSourceID, hash)
	if err != nil {
		zap.L().Warn("engine: durable cache lookup failed",
			zap.String("placeholder_id", placeholderID),
			zap.Error(err),
		)
		return nil
	}
	if v == nil || v.Expired(now) || !v.Success {
		return nil
	}

	e.hot.Set(key, v, time.Until(v.ExpiresAt))
	return e.hit(ctx, v, now)
}

// hit bumps the bookkeeping on a cached value and returns a private copy
// for the caller. The value pointer is shared across goroutines via the
// hot tier, so the mutation and the struct copy happen under one lock.
func (e *Engine) hit(ctx context.Context, v *model.PlaceholderValue, at time.Time) *model.PlaceholderValue {
	e.hitMu.Lock()
	v.HitCount++
	v.LastHitAt = &at
	cp := *v
	e.hitMu.Unlock()

	cp.FromCache = true
	if err := e.store.RecordHit(ctx, cp.ID, at); err != nil {
		zap.L().Warn("engine: record cache hit failed", zap.String("value_id", cp.ID), zap.Error(err))
	}
	return &cp
}

// run executes the query against the source. The execution itself is
// detached from the caller's cancellation: once a query is in flight it is
// allowed to finish and its value is recorded, so a cancelled task still
// benefits the next run.
func (e *Engine) run(ctx context.Context, cfg *model.PlaceholderConfig, src source.DataSource, key, hash string, opts Options) (*model.PlaceholderValue, error) {
	breaker := e.breaker(src.ID())
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	execCtx := context.WithoutCancel(ctx)
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := resilience.Execute(execCtx, e.retry, func(ctx context.Context) (model.QueryResult, error) {
		return src.Execute(ctx, cfg.GeneratedQuery)
	})
	elapsed := time.Since(start)
	breaker.Record(err)

	e.count(func(s *Stats) { s.Executions++ })

	now := time.Now().UTC()
	v := &model.PlaceholderValue{
		ID:              uuid.NewString(),
		PlaceholderID:   cfg.ID,
		DataSourceID:    src.ID(),
		QueryHash:       hash,
		ExecutedQuery:   cfg.GeneratedQuery,
		ExecutionTimeMs: elapsed.Milliseconds(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.ttl(cfg)),
	}

	if err != nil {
		if resilience.IsFatal(err) {
			e.count(func(s *Stats) { s.Failures++ })
			return nil, err
		}
		e.count(func(s *Stats) { s.Failures++ })
		v.Success = false
		v.ErrorMessage = err.Error()
		v.RawResult = model.FailureResult(err.Error())
	} else if !result.OK {
		e.count(func(s *Stats) { s.Failures++ })
		v.Success = false
		v.ErrorMessage = result.Message
		if v.ErrorMessage == "" {
			v.ErrorMessage = "query returned a failure result"
		}
		v.RawResult = result
	} else {
		v.Success = true
		v.RawResult = result
		v.RowCount = result.RowCount()
		v.ProcessedValue, v.FormattedText = FormatResult(cfg.Type, result)
	}

	// Every execution is recorded, failures included: the value table is
	// the execution history.
	if perr := e.store.PutValue(execCtx, v); perr != nil {
		zap.L().Error("engine: persist value failed",
			zap.String("placeholder_id", cfg.ID),
			zap.Error(perr),
		)
	}
	if v.Success {
		e.hot.Set(key, v, time.Until(v.ExpiresAt))
	}

	zap.L().Debug("engine: executed placeholder query",
		zap.String("placeholder_id", cfg.ID),
		zap.String("data_source_id", src.ID()),
		zap.Bool("success", v.Success),
		zap.Int64("elapsed_ms", v.ExecutionTimeMs),
		zap.Int("rows", v.RowCount),
	)

	// The pointer placed in the hot tier is shared with later hits; callers
	// get their own copy.
	cp := *v
	return &cp, nil
}

// ttl resolves the cache lifetime for a config: the config's own TTL wins,
// then the engine-wide default, then the model fallback.
func (e *Engine) ttl(cfg *model.PlaceholderConfig) time.Duration {
	if cfg.CacheTTLHours <= 0 && e.cfg.DefaultTTLHours > 0 {
		return time.Duration(e.cfg.DefaultTTLHours) * time.Hour
	}
	return cfg.CacheTTL()
}

// TestExecute runs a query once without touching either cache tier or the
// validated flag, for the manual test-execution endpoint.
func (e *Engine) TestExecute(ctx context.Context, src source.DataSource, query string, timeout time.Duration) (model.QueryResult, int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := src.Execute(ctx, query)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return model.FailureResult(err.Error()), elapsed, err
	}
	return result, elapsed, nil
}

// History returns the most recent executions for a placeholder, newest first.
func (e *Engine) History(ctx context.Context, placeholderID string) ([]model.PlaceholderValue, error) {
	limit := e.cfg.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListExecutions(ctx, placeholderID, limit)
}

// Invalidate evicts cached values for a placeholder from both tiers.
// Empty dataSourceID invalidates across all sources.
func (e *Engine) Invalidate(ctx context.Context, placeholderID, dataSourceID string) (int, error) {
	prefix := placeholderID + "|"
	if dataSourceID != "" {
		prefix = placeholderID + "|" + dataSourceID + "|"
	}
	for _, key := range e.hot.Keys() {
		if strings.HasPrefix(key, prefix) {
			e.hot.Delete(key)
		}
	}

	n, err := e.store.InvalidateValues(ctx, placeholderID, dataSourceID)
	if err != nil {
		return 0, eris.Wrap(err, "engine: invalidate values")
	}
	return n, nil
}

// Sweep deletes expired durable values, returning the count removed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	n, err := e.store.DeleteExpiredValues(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "engine: sweep expired values")
	}
	if n > 0 {
		zap.L().Info("engine: swept expired values", zap.Int("count", n))
	}
	return n, nil
}

// BreakerState reports the circuit state for a data source.
func (e *Engine) BreakerState(dataSourceID string) resilience.BreakerState {
	return e.breaker(dataSourceID).State()
}

func (e *Engine) breaker(dataSourceID string) *resilience.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[dataSourceID]
	if !ok {
		b = resilience.NewBreaker(e.cfg.BreakerThreshold, 30*time.Second)
		e.breakers[dataSourceID] = b
	}
	return b
}

// Stats returns a snapshot of cache counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// HitRate returns hits / (hits + misses), 0 when nothing has been requested.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf("hits=%d misses=%d executions=%d failures=%d", s.Hits, s.Misses, s.Executions, s.Failures)
}

func (e *Engine) count(fn func(*Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

// Close stops the hot cache janitor.
func (e *Engine) Close() {
	e.hot.Stop()
}
