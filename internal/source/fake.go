package source

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/resilience"
)

// Fake is an in-memory DataSource for tests. Results are keyed by query
// string; unkeyed queries fall back to DefaultResult. Error injection and
// an execution counter support single-flight and retry assertions.
type Fake struct {
	SourceID      string
	SourceDialect string
	SourceSchema  model.SourceSchema
	DefaultResult model.QueryResult

	mu          sync.Mutex
	results     map[string]model.QueryResult
	validateErr error
	executeErr  error
	pingErr     error
	executions  atomic.Int64

	// ExecuteDelay, when set, blocks executions until released. Used to
	// hold a query in flight from tests.
	ExecuteDelay chan struct{}
}

// NewFake creates a fake source with the given schema.
func NewFake(id string, schema model.SourceSchema) *Fake {
	return &Fake{
		SourceID:      id,
		SourceDialect: "sqlite",
		SourceSchema:  schema,
		results:       make(map[string]model.QueryResult),
	}
}

func (f *Fake) ID() string {
	if f.SourceID == "" {
		return "fake"
	}
	return f.SourceID
}

func (f *Fake) Dialect() string {
	if f.SourceDialect == "" {
		return "sqlite"
	}
	return f.SourceDialect
}

func (f *Fake) Close() error { return nil }

func (f *Fake) Schema(ctx context.Context) (model.SourceSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return model.SourceSchema{}, f.pingErr
	}
	return f.SourceSchema, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *Fake) Validate(ctx context.Context, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return f.validateErr
	}
	// Reject references to tables the schema does not contain.
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if strings.HasPrefix(tok, "missing_") {
			return resilience.Tag(resilience.KindValidation, eris.Errorf("fake: unknown table %s", tok))
		}
	}
	return nil
}

func (f *Fake) Execute(ctx context.Context, query string) (model.QueryResult, error) {
	if f.ExecuteDelay != nil {
		select {
		case <-f.ExecuteDelay:
		case <-ctx.Done():
			return model.QueryResult{}, resilience.Tag(resilience.KindTransient, ctx.Err())
		}
	}

	f.executions.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executeErr != nil {
		return model.QueryResult{}, f.executeErr
	}
	if r, ok := f.results[query]; ok {
		return r, nil
	}
	if f.DefaultResult.OK {
		return f.DefaultResult, nil
	}
	return model.SuccessResult([]string{"value"}, [][]any{{int64(0)}}), nil
}

// SetResult registers a canned result for a query.
func (f *Fake) SetResult(query string, r model.QueryResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[query] = r
}

// FailExecutions makes Execute return err until cleared with nil.
func (f *Fake) FailExecutions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executeErr = err
}

// FailValidation makes Validate return err until cleared with nil.
func (f *Fake) FailValidation(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateErr = err
}

// MakeUnreachable makes Ping and Schema fail with an unreachable error.
func (f *Fake) MakeUnreachable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = resilience.Tag(resilience.KindUnreachable, eris.New("fake: source down"))
}

// Executions returns the number of Execute calls that ran.
func (f *Fake) Executions() int64 {
	return f.executions.Load()
}
