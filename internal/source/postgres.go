package source

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/resilience"
)

// pgQuerier is the subset of pgxpool.Pool the source needs; pgxmock
// satisfies it in tests.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresSource is a DataSource backed by a pgx connection pool.
type PostgresSource struct {
	id   string
	pool pgQuerier

	mu     sync.Mutex
	schema *model.SourceSchema
}

// NewPostgres connects a Postgres data source.
func NewPostgres(ctx context.Context, id, databaseURL string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "source: connect postgres")
	}
	return &PostgresSource{id: id, pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests.
func NewPostgresFromPool(id string, pool pgQuerier) *PostgresSource {
	return &PostgresSource{id: id, pool: pool}
}

func (s *PostgresSource) ID() string      { return s.id }
func (s *PostgresSource) Dialect() string { return "postgres" }

func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return resilience.Tag(resilience.KindUnreachable, eris.Wrap(err, "source: postgres ping"))
	}
	return nil
}

// Schema introspects public tables via information_schema. Cached for the
// life of the source.
func (s *PostgresSource) Schema(ctx context.Context) (model.SourceSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		return *s.schema, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return model.SourceSchema{}, resilience.Tag(resilience.KindUnreachable, eris.Wrap(err, "source: introspect schema"))
	}
	defer rows.Close()

	schema := model.SourceSchema{DataSourceID: s.id, Dialect: "postgres"}
	tables := map[string]int{}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return model.SourceSchema{}, eris.Wrap(err, "source: scan schema row")
		}
		idx, ok := tables[table]
		if !ok {
			idx = len(schema.Tables)
			tables[table] = idx
			schema.Tables = append(schema.Tables, model.TableSchema{Name: table})
		}
		schema.Tables[idx].Columns = append(schema.Tables[idx].Columns, model.ColumnSchema{
			Name:     column,
			DataType: strings.ToLower(dataType),
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return model.SourceSchema{}, eris.Wrap(err, "source: iterate schema rows")
	}

	s.schema = &schema
	return schema, nil
}

// Validate dry-runs the query with EXPLAIN so the planner checks syntax and
// schema references without executing.
func (s *PostgresSource) Validate(ctx context.Context, query string) error {
	rows, err := s.pool.Query(ctx, "EXPLAIN "+query)
	if err != nil {
		return resilience.Tag(resilience.KindValidation, eris.Wrap(err, "source: explain"))
	}
	rows.Close()
	return resilience.Tag(resilience.KindValidation, eris.Wrap(rows.Err(), "source: explain"))
}

func (s *PostgresSource) Execute(ctx context.Context, query string) (model.QueryResult, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return model.QueryResult{}, resilience.Tag(resilience.KindTransient, eris.Wrap(err, "source: query timed out"))
		}
		return model.QueryResult{}, resilience.Tag(resilience.KindPermanent, eris.Wrap(err, "source: query"))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		cells, err := rows.Values()
		if err != nil {
			return model.QueryResult{}, eris.Wrap(err, "source: read row")
		}
		out = append(out, cells)
	}
	if err := rows.Err(); err != nil {
		return model.QueryResult{}, resilience.Tag(resilience.KindTransient, eris.Wrap(err, "source: iterate rows"))
	}

	return model.SuccessResult(columns, out), nil
}
