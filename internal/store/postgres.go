package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/quillreport/quill/internal/model"
)

// pgPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool pgPool
}

// NewPostgres connects to the given database URL.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests.
func NewPostgresFromPool(pool pgPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS placeholder_configs (
	id               UUID PRIMARY KEY,
	template_id      TEXT NOT NULL,
	signature        TEXT NOT NULL,
	placeholder_text TEXT NOT NULL,
	placeholder_type TEXT NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	agent_analyzed   BOOLEAN NOT NULL DEFAULT FALSE,
	target_database  TEXT NOT NULL DEFAULT '',
	target_table     TEXT NOT NULL DEFAULT '',
	target_column    TEXT NOT NULL DEFAULT '',
	generated_query  TEXT NOT NULL DEFAULT '',
	query_validated  BOOLEAN NOT NULL DEFAULT FALSE,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	schema_version   TEXT NOT NULL DEFAULT '',
	execution_order  INTEGER NOT NULL DEFAULT 0,
	cache_ttl_hours  INTEGER NOT NULL DEFAULT 24,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE(template_id, signature)
);

CREATE TABLE IF NOT EXISTS placeholder_values (
	id                UUID PRIMARY KEY,
	placeholder_id    TEXT NOT NULL,
	data_source_id    TEXT NOT NULL,
	query_hash        TEXT NOT NULL,
	raw_result        JSONB NOT NULL,
	processed_value   TEXT NOT NULL DEFAULT '',
	formatted_text    TEXT NOT NULL DEFAULT '',
	executed_query    TEXT NOT NULL DEFAULT '',
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	row_count         INTEGER NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	hit_count         INTEGER NOT NULL DEFAULT 0,
	last_hit_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS resolution_tasks (
	id           UUID PRIMARY KEY,
	template_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	snapshot     JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS task_events (
	seq         BIGSERIAL PRIMARY KEY,
	task_id     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	percentage  DOUBLE PRECISION NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	placeholder TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_configs_template ON placeholder_configs(template_id);
CREATE INDEX IF NOT EXISTS idx_values_key ON placeholder_values(placeholder_id, data_source_id, query_hash, created_at);
CREATE INDEX IF NOT EXISTS idx_values_expires ON placeholder_values(expires_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON resolution_tasks(status);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Placeholder configs ---

func (s *PostgresStore) UpsertConfig(ctx context.Context, cfg *model.PlaceholderConfig) error {
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO placeholder_configs (
			id, template_id, signature, placeholder_text, placeholder_type,
			content_type, agent_analyzed, target_database, target_table, target_column,
			generated_query, query_validated, confidence_score, schema_version,
			execution_order, cache_ttl_hours, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (template_id, signature) DO UPDATE SET
			placeholder_text = EXCLUDED.placeholder_text,
			content_type     = EXCLUDED.content_type,
			agent_analyzed   = EXCLUDED.agent_analyzed,
			target_database  = EXCLUDED.target_database,
			target_table     = EXCLUDED.target_table,
			target_column    = EXCLUDED.target_column,
			generated_query  = EXCLUDED.generated_query,
			query_validated  = EXCLUDED.query_validated,
			confidence_score = EXCLUDED.confidence_score,
			schema_version   = EXCLUDED.schema_version,
			execution_order  = EXCLUDED.execution_order,
			cache_ttl_hours  = EXCLUDED.cache_ttl_hours,
			is_active        = EXCLUDED.is_active,
			updated_at       = EXCLUDED.updated_at`,
		cfg.ID, cfg.TemplateID, cfg.Signature, cfg.PlaceholderText, string(cfg.Type),
		cfg.ContentType, cfg.AgentAnalyzed, cfg.TargetDatabase, cfg.TargetTable, cfg.TargetColumn,
		cfg.GeneratedQuery, cfg.QueryValidated, cfg.ConfidenceScore, cfg.SchemaVersion,
		cfg.ExecutionOrder, cfg.CacheTTLHours, cfg.IsActive, cfg.CreatedAt, cfg.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert config")
}

func (s *PostgresStore) GetConfig(ctx context.Context, id string) (*model.PlaceholderConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM placeholder_configs WHERE id = $1`, id)
	return scanConfigPG(row)
}

func (s *PostgresStore) GetConfigBySignature(ctx context.Context, templateID, signature string) (*model.PlaceholderConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM placeholder_configs
		 WHERE template_id = $1 AND signature = $2`, templateID, signature)
	cfg, err := scanConfigPG(row)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return cfg, err
}

func (s *PostgresStore) ListConfigs(ctx context.Context, templateID string) ([]model.PlaceholderConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+configColumns+` FROM placeholder_configs
		 WHERE template_id = $1 ORDER BY execution_order, created_at`, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list configs")
	}
	defer rows.Close()

	var out []model.PlaceholderConfig
	for rows.Next() {
		cfg, err := scanConfigPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list configs iterate")
}

func (s *PostgresStore) DeactivateConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE placeholder_configs SET is_active = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate config %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("config not found: %s", id)
	}
	return nil
}

// --- Placeholder values ---

func (s *PostgresStore) GetValue(ctx context.Context, placeholderID, dataSourceID, queryHash string) (*model.PlaceholderValue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+valueColumns+` FROM placeholder_values
		WHERE placeholder_id = $1 AND data_source_id = $2 AND query_hash = $3
		  AND expires_at > $4 AND success = TRUE
		ORDER BY created_at DESC LIMIT 1`,
		placeholderID, dataSourceID, queryHash, time.Now().UTC())
	v, err := scanValuePG(row)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *PostgresStore) PutValue(ctx context.Context, v *model.PlaceholderValue) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	rawJSON, err := json.Marshal(v.RawResult)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal raw result")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO placeholder_values (
			id, placeholder_id, data_source_id, query_hash, raw_result,
			processed_value, formatted_text, executed_query, execution_time_ms,
			row_count, success, error_message, created_at, expires_at, hit_count, last_hit_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		v.ID, v.PlaceholderID, v.DataSourceID, v.QueryHash, string(rawJSON),
		v.ProcessedValue, v.FormattedText, v.ExecutedQuery, v.ExecutionTimeMs,
		v.RowCount, v.Success, v.ErrorMessage, v.CreatedAt, v.ExpiresAt, v.HitCount, v.LastHitAt,
	)
	return eris.Wrap(err, "postgres: put value")
}

func (s *PostgresStore) RecordHit(ctx context.Context, valueID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE placeholder_values SET hit_count = hit_count + 1, last_hit_at = $1 WHERE id = $2`,
		at.UTC(), valueID)
	if err != nil {
		return eris.Wrapf(err, "postgres: record hit %s", valueID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("value not found: %s", valueID)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, placeholderID string, limit int) ([]model.PlaceholderValue, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+valueColumns+` FROM placeholder_values
		WHERE placeholder_id = $1 ORDER BY created_at DESC LIMIT $2`,
		placeholderID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list executions")
	}
	defer rows.Close()

	var out []model.PlaceholderValue
	for rows.Next() {
		v, err := scanValuePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list executions iterate")
}

func (s *PostgresStore) InvalidateValues(ctx context.Context, placeholderID, dataSourceID string) (int, error) {
	query := `DELETE FROM placeholder_values WHERE TRUE`
	var args []any
	if placeholderID != "" {
		args = append(args, placeholderID)
		query += ` AND placeholder_id = $1`
	}
	if dataSourceID != "" {
		args = append(args, dataSourceID)
		if len(args) == 1 {
			query += ` AND data_source_id = $1`
		} else {
			query += ` AND data_source_id = $2`
		}
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: invalidate values")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredValues(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM placeholder_values WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired values")
	}
	return int(tag.RowsAffected()), nil
}

// --- Resolution tasks ---

func (s *PostgresStore) SaveTask(ctx context.Context, t *model.ResolutionTask) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO resolution_tasks (id, template_id, status, snapshot, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.TemplateID, string(t.Status), string(snapshot), t.StartedAt, t.CompletedAt,
	)
	return eris.Wrap(err, "postgres: save task")
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.ResolutionTask, error) {
	var snapshot string
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM resolution_tasks WHERE id = $1`, taskID).Scan(&snapshot)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(errNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get task")
	}

	var t model.ResolutionTask
	if err := json.Unmarshal([]byte(snapshot), &t); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal task")
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.ResolutionTask, error) {
	query := `SELECT snapshot FROM resolution_tasks WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ` + arg(filter.TemplateID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at > ` + arg(filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.ResolutionTask
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		var t model.ResolutionTask
		if err := json.Unmarshal([]byte(snapshot), &t); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

// --- Progress events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e model.ProgressEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, stage, percentage, message, placeholder, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.TaskID, string(e.Stage), e.Percentage, e.Message, e.Placeholder, e.Timestamp.UTC(),
	)
	return eris.Wrap(err, "postgres: append event")
}

func (s *PostgresStore) ListEvents(ctx context.Context, taskID string, afterSeq int64) ([]model.ProgressEvent, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, stage, percentage, message, placeholder, ts FROM task_events
		WHERE task_id = $1 AND seq > $2 ORDER BY seq`,
		taskID, afterSeq)
	if err != nil {
		return nil, afterSeq, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.ProgressEvent
	lastSeq := afterSeq
	for rows.Next() {
		var e model.ProgressEvent
		var stage string
		if err := rows.Scan(&lastSeq, &stage, &e.Percentage, &e.Message, &e.Placeholder, &e.Timestamp); err != nil {
			return nil, afterSeq, eris.Wrap(err, "postgres: scan event")
		}
		e.TaskID = taskID
		e.Stage = model.TaskStatus(stage)
		out = append(out, e)
	}
	return out, lastSeq, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// --- helpers ---

func scanConfigPG(row pgx.Row) (*model.PlaceholderConfig, error) {
	var cfg model.PlaceholderConfig
	var typ string
	err := row.Scan(
		&cfg.ID, &cfg.TemplateID, &cfg.Signature, &cfg.PlaceholderText, &typ,
		&cfg.ContentType, &cfg.AgentAnalyzed, &cfg.TargetDatabase, &cfg.TargetTable, &cfg.TargetColumn,
		&cfg.GeneratedQuery, &cfg.QueryValidated, &cfg.ConfidenceScore, &cfg.SchemaVersion,
		&cfg.ExecutionOrder, &cfg.CacheTTLHours, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan config")
	}
	cfg.Type = model.PlaceholderType(typ)
	return &cfg, nil
}

func scanValuePG(row pgx.Row) (*model.PlaceholderValue, error) {
	var v model.PlaceholderValue
	var rawJSON string
	var lastHit *time.Time
	err := row.Scan(
		&v.ID, &v.PlaceholderID, &v.DataSourceID, &v.QueryHash, &rawJSON,
		&v.ProcessedValue, &v.FormattedText, &v.ExecutedQuery, &v.ExecutionTimeMs,
		&v.RowCount, &v.Success, &v.ErrorMessage, &v.CreatedAt, &v.ExpiresAt, &v.HitCount, &lastHit,
	)
	if err == pgx.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan value")
	}
	if err := json.Unmarshal([]byte(rawJSON), &v.RawResult); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal raw result")
	}
	v.LastHitAt = lastHit
	return &v, nil
}
