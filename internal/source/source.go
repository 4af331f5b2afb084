// Package source abstracts the data sources reports resolve against. A
// DataSource exposes schema metadata for field matching, a validation
// dry-run for generated queries, and query execution. The core never
// mutates a data source.
package source

import (
	"context"

	"github.com/quillreport/quill/internal/model"
)

// DataSource is the contract between the resolution pipeline and a
// concrete database backend.
type DataSource interface {
	// ID identifies the source in cache keys and persisted configs.
	ID() string

	// Dialect names the SQL dialect ("sqlite", "postgres").
	Dialect() string

	// Schema introspects tables and columns. Implementations may cache;
	// the fingerprint of the returned schema versions generated queries.
	Schema(ctx context.Context) (model.SourceSchema, error)

	// Validate dry-runs a query without materializing results. A nil
	// return means the query is executable against the current schema.
	Validate(ctx context.Context, query string) error

	// Execute runs a validated query and returns its result set.
	Execute(ctx context.Context, query string) (model.QueryResult, error)

	// Ping verifies reachability. Failures map to the fatal
	// data-source-unreachable error class.
	Ping(ctx context.Context) error

	Close() error
}
