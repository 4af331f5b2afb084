package source

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/resilience"
)

// SQLiteSource is a DataSource backed by modernc.org/sqlite.
type SQLiteSource struct {
	id string
	db *sql.DB

	mu     sync.Mutex
	schema *model.SourceSchema
}

// NewSQLite opens a SQLite data source at the given DSN.
func NewSQLite(id, dsn string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "source: open sqlite")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "source: set busy_timeout")
	}
	return &SQLiteSource{id: id, db: db}, nil
}

func (s *SQLiteSource) ID() string      { return s.id }
func (s *SQLiteSource) Dialect() string { return "sqlite" }
func (s *SQLiteSource) Close() error    { return s.db.Close() }

func (s *SQLiteSource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return resilience.Tag(resilience.KindUnreachable, eris.Wrap(err, "source: sqlite ping"))
	}
	return nil
}

// Schema lists user tables and their columns via sqlite_master and
// PRAGMA table_info. The result is cached for the life of the source.
func (s *SQLiteSource) Schema(ctx context.Context) (model.SourceSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		return *s.schema, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	)
	if err != nil {
		return model.SourceSchema{}, resilience.Tag(resilience.KindUnreachable, eris.Wrap(err, "source: list tables"))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return model.SourceSchema{}, eris.Wrap(err, "source: scan table name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return model.SourceSchema{}, eris.Wrap(err, "source: iterate tables")
	}

	schema := model.SourceSchema{DataSourceID: s.id, Dialect: "sqlite"}
	for _, name := range names {
		table, err := s.tableInfo(ctx, name)
		if err != nil {
			return model.SourceSchema{}, err
		}
		schema.Tables = append(schema.Tables, table)
	}

	s.schema = &schema
	return schema, nil
}

func (s *SQLiteSource) tableInfo(ctx context.Context, name string) (model.TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, type, "notnull" FROM pragma_table_info(?)`, name)
	if err != nil {
		return model.TableSchema{}, eris.Wrapf(err, "source: table_info %s", name)
	}
	defer rows.Close()

	table := model.TableSchema{Name: name}
	for rows.Next() {
		var col model.ColumnSchema
		var notNull int
		if err := rows.Scan(&col.Name, &col.DataType, &notNull); err != nil {
			return model.TableSchema{}, eris.Wrapf(err, "source: scan column of %s", name)
		}
		col.DataType = strings.ToLower(col.DataType)
		col.Nullable = notNull == 0
		table.Columns = append(table.Columns, col)
	}
	return table, eris.Wrapf(rows.Err(), "source: iterate columns of %s", name)
}

// Validate dry-runs the query with EXPLAIN QUERY PLAN. Syntax and schema
// errors surface here without scanning any data.
func (s *SQLiteSource) Validate(ctx context.Context, query string) error {
	rows, err := s.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return resilience.Tag(resilience.KindValidation, eris.Wrap(err, "source: explain"))
	}
	return rows.Close()
}

func (s *SQLiteSource) Execute(ctx context.Context, query string) (model.QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return model.QueryResult{}, resilience.Tag(resilience.KindTransient, eris.Wrap(err, "source: query timed out"))
		}
		return model.QueryResult{}, resilience.Tag(resilience.KindPermanent, eris.Wrap(err, "source: query"))
	}
	defer rows.Close()

	return scanResult(rows)
}

// scanResult reads an arbitrary result set into the tagged QueryResult shape.
func scanResult(rows *sql.Rows) (model.QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return model.QueryResult{}, eris.Wrap(err, "source: columns")
	}

	var out [][]any
	for rows.Next() {
		cells := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return model.QueryResult{}, eris.Wrap(err, "source: scan row")
		}
		for i, c := range cells {
			if b, ok := c.([]byte); ok {
				cells[i] = string(b)
			}
		}
		out = append(out, cells)
	}
	if err := rows.Err(); err != nil {
		return model.QueryResult{}, resilience.Tag(resilience.KindTransient, eris.Wrap(err, "source: iterate rows"))
	}

	return model.SuccessResult(columns, out), nil
}
