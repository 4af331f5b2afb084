package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/resilience"
	"github.com/quillreport/quill/internal/source"
	"github.com/quillreport/quill/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	e := New(st, config.EngineConfig{MaxRetries: 1, BreakerThreshold: 2})
	t.Cleanup(e.Close)
	return e
}

func newEngineSource() *source.Fake {
	src := source.NewFake("default", model.SourceSchema{})
	src.DefaultResult = model.SuccessResult([]string{"value"}, [][]any{{int64(42)}})
	return src
}

func validatedConfig() *model.PlaceholderConfig {
	return &model.PlaceholderConfig{
		ID:             "cfg-1",
		TemplateID:     "tpl-1",
		Type:           model.TypeStatistic,
		GeneratedQuery: `SELECT COUNT(*) AS value FROM "orders"`,
		QueryValidated: true,
		CacheTTLHours:  1,
	}
}

func TestExecute_CacheHitOnSecondCall(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	ctx := context.Background()

	first, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.FromCache)
	assert.Equal(t, "42", first.ProcessedValue)

	second, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), src.Executions())

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestExecute_ForceRefreshBypassesCache(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	ctx := context.Background()

	_, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	v, err := e.Execute(ctx, validatedConfig(), src, Options{ForceRefresh: true})
	require.NoError(t, err)
	assert.False(t, v.FromCache)
	assert.Equal(t, int64(2), src.Executions())
}

func TestExecute_RejectsUnvalidatedQuery(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	cfg := validatedConfig()
	cfg.QueryValidated = false

	_, err := e.Execute(context.Background(), cfg, src, Options{})
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.Classify(err))

	// The test-execution path opts in explicitly.
	v, err := e.Execute(context.Background(), cfg, src, Options{AllowUnvalidated: true})
	require.NoError(t, err)
	assert.True(t, v.Success)
}

func TestExecute_RejectsEmptyQuery(t *testing.T) {
	e := newTestEngine(t)
	cfg := validatedConfig()
	cfg.GeneratedQuery = "   "

	_, err := e.Execute(context.Background(), cfg, newEngineSource(), Options{})
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.Classify(err))
}

func TestExecute_QueryFailureBecomesValue(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	src.FailExecutions(resilience.Tag(resilience.KindPermanent, eris.New("no such column: missing")))
	ctx := context.Background()

	v, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.False(t, v.Success)
	assert.Contains(t, v.ErrorMessage, "no such column")
	assert.False(t, v.RawResult.OK)

	// Failures are recorded but never cached; the next call re-executes.
	src.FailExecutions(nil)
	good, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.True(t, good.Success)
	assert.False(t, good.FromCache)
	assert.Equal(t, int64(2), src.Executions())

	history, err := e.History(ctx, "cfg-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Success)
	assert.False(t, history[1].Success)
}

func TestExecute_UnreachableIsFatal(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	src.FailExecutions(resilience.Tag(resilience.KindUnreachable, eris.New("connection refused")))

	_, err := e.Execute(context.Background(), validatedConfig(), src, Options{})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}

func TestExecute_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	src.FailExecutions(resilience.Tag(resilience.KindUnreachable, eris.New("source down")))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Execute(ctx, validatedConfig(), src, Options{ForceRefresh: true})
		require.Error(t, err)
	}
	assert.Equal(t, resilience.BreakerOpen, e.BreakerState("default"))

	// Open circuit fails fast without reaching the source.
	before := src.Executions()
	_, err := e.Execute(ctx, validatedConfig(), src, Options{ForceRefresh: true})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, before, src.Executions())
}

func TestExecute_SingleFlightCollapsesConcurrentCalls(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	src.ExecuteDelay = make(chan struct{})
	ctx := context.Background()

	const callers = 5
	values := make([]*model.PlaceholderValue, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.Execute(ctx, validatedConfig(), src, Options{})
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(src.ExecuteDelay)
	wg.Wait()

	assert.Equal(t, int64(1), src.Executions())
	for _, v := range values {
		require.NotNil(t, v)
		assert.Equal(t, values[0].ID, v.ID)
	}
}

func TestExecute_ConcurrentHitsOnWarmKey(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	ctx := context.Background()

	_, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)

	const readers = 20
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Execute(ctx, validatedConfig(), src, Options{})
			assert.NoError(t, err)
			assert.True(t, v.FromCache)
			assert.Equal(t, "42", v.ProcessedValue)
		}()
	}
	wg.Wait()

	// Each caller got a private copy and every hit was counted exactly once.
	final, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, readers+1, final.HitCount)
	assert.Equal(t, int64(1), src.Executions())
}

func TestExecute_DefaultTTLAppliesWhenConfigHasNone(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	e := New(st, config.EngineConfig{MaxRetries: 1, DefaultTTLHours: 6})
	t.Cleanup(e.Close)

	cfg := validatedConfig()
	cfg.CacheTTLHours = 0
	v, err := e.Execute(context.Background(), cfg, newEngineSource(), Options{})
	require.NoError(t, err)
	assert.WithinDuration(t, v.CreatedAt.Add(6*time.Hour), v.ExpiresAt, time.Second)

	// A per-config TTL still wins over the engine default.
	withTTL := validatedConfig()
	withTTL.ID = "cfg-2"
	v, err = e.Execute(context.Background(), withTTL, newEngineSource(), Options{})
	require.NoError(t, err)
	assert.WithinDuration(t, v.CreatedAt.Add(time.Hour), v.ExpiresAt, time.Second)
}

func TestInvalidate_EvictsBothTiers(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	ctx := context.Background()

	_, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)

	n, err := e.Invalidate(ctx, "cfg-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.False(t, v.FromCache)
	assert.Equal(t, int64(2), src.Executions())
}

func TestTestExecute_DoesNotCache(t *testing.T) {
	e := newTestEngine(t)
	src := newEngineSource()
	ctx := context.Background()

	result, elapsed, err := e.TestExecute(ctx, src, `SELECT 1`, time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.GreaterOrEqual(t, elapsed, int64(0))

	// A later Execute for a config is still a cache miss.
	v, err := e.Execute(ctx, validatedConfig(), src, Options{})
	require.NoError(t, err)
	assert.False(t, v.FromCache)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "ph|src|hash", CacheKey("ph", "src", "hash"))
}
