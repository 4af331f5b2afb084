package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/quillreport/quill/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS placeholder_configs (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL,
	signature        TEXT NOT NULL,
	placeholder_text TEXT NOT NULL,
	placeholder_type TEXT NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	agent_analyzed   INTEGER NOT NULL DEFAULT 0,
	target_database  TEXT NOT NULL DEFAULT '',
	target_table     TEXT NOT NULL DEFAULT '',
	target_column    TEXT NOT NULL DEFAULT '',
	generated_query  TEXT NOT NULL DEFAULT '',
	query_validated  INTEGER NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	schema_version   TEXT NOT NULL DEFAULT '',
	execution_order  INTEGER NOT NULL DEFAULT 0,
	cache_ttl_hours  INTEGER NOT NULL DEFAULT 24,
	is_active        INTEGER NOT NULL DEFAULT 1,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE(template_id, signature)
);

CREATE TABLE IF NOT EXISTS placeholder_values (
	id                TEXT PRIMARY KEY,
	placeholder_id    TEXT NOT NULL,
	data_source_id    TEXT NOT NULL,
	query_hash        TEXT NOT NULL,
	raw_result        TEXT NOT NULL,
	processed_value   TEXT NOT NULL DEFAULT '',
	formatted_text    TEXT NOT NULL DEFAULT '',
	executed_query    TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	row_count         INTEGER NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	expires_at        DATETIME NOT NULL,
	hit_count         INTEGER NOT NULL DEFAULT 0,
	last_hit_at       DATETIME
);

CREATE TABLE IF NOT EXISTS resolution_tasks (
	id           TEXT PRIMARY KEY,
	template_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	snapshot     TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS task_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	percentage  REAL NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	placeholder TEXT NOT NULL DEFAULT '',
	ts          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_configs_template ON placeholder_configs(template_id);
CREATE INDEX IF NOT EXISTS idx_configs_signature ON placeholder_configs(template_id, signature);
CREATE INDEX IF NOT EXISTS idx_values_key ON placeholder_values(placeholder_id, data_source_id, query_hash, created_at);
CREATE INDEX IF NOT EXISTS idx_values_expires ON placeholder_values(expires_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON resolution_tasks(status);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Placeholder configs ---

func (s *SQLiteStore) UpsertConfig(ctx context.Context, cfg *model.PlaceholderConfig) error {
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO placeholder_configs (
			id, template_id, signature, placeholder_text, placeholder_type,
			content_type, agent_analyzed, target_database, target_table, target_column,
			generated_query, query_validated, confidence_score, schema_version,
			execution_order, cache_ttl_hours, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(template_id, signature) DO UPDATE SET
			placeholder_text = excluded.placeholder_text,
			content_type     = excluded.content_type,
			agent_analyzed   = excluded.agent_analyzed,
			target_database  = excluded.target_database,
			target_table     = excluded.target_table,
			target_column    = excluded.target_column,
			generated_query  = excluded.generated_query,
			query_validated  = excluded.query_validated,
			confidence_score = excluded.confidence_score,
			schema_version   = excluded.schema_version,
			execution_order  = excluded.execution_order,
			cache_ttl_hours  = excluded.cache_ttl_hours,
			is_active        = excluded.is_active,
			updated_at       = excluded.updated_at`,
		cfg.ID, cfg.TemplateID, cfg.Signature, cfg.PlaceholderText, string(cfg.Type),
		cfg.ContentType, cfg.AgentAnalyzed, cfg.TargetDatabase, cfg.TargetTable, cfg.TargetColumn,
		cfg.GeneratedQuery, cfg.QueryValidated, cfg.ConfidenceScore, cfg.SchemaVersion,
		cfg.ExecutionOrder, cfg.CacheTTLHours, cfg.IsActive, cfg.CreatedAt, cfg.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert config")
}

const configColumns = `id, template_id, signature, placeholder_text, placeholder_type,
	content_type, agent_analyzed, target_database, target_table, target_column,
	generated_query, query_validated, confidence_score, schema_version,
	execution_order, cache_ttl_hours, is_active, created_at, updated_at`

func (s *SQLiteStore) GetConfig(ctx context.Context, id string) (*model.PlaceholderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM placeholder_configs WHERE id = ?`, id)
	return scanConfig(row)
}

func (s *SQLiteStore) GetConfigBySignature(ctx context.Context, templateID, signature string) (*model.PlaceholderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM placeholder_configs
		 WHERE template_id = ? AND signature = ?`, templateID, signature)
	cfg, err := scanConfig(row)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return cfg, err
}

func (s *SQLiteStore) ListConfigs(ctx context.Context, templateID string) ([]model.PlaceholderConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM placeholder_configs
		 WHERE template_id = ? ORDER BY execution_order, created_at`, templateID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list configs")
	}
	defer rows.Close()

	var out []model.PlaceholderConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list configs iterate")
}

func (s *SQLiteStore) DeactivateConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE placeholder_configs SET is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate config %s", id)
	}
	return checkRowsAffected(res, "config", id)
}

// --- Placeholder values ---

func (s *SQLiteStore) GetValue(ctx context.Context, placeholderID, dataSourceID, queryHash string) (*model.PlaceholderValue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+valueColumns+` FROM placeholder_values
		WHERE placeholder_id = ? AND data_source_id = ? AND query_hash = ?
		  AND expires_at > ? AND success = 1
		ORDER BY created_at DESC LIMIT 1`,
		placeholderID, dataSourceID, queryHash, time.Now().UTC())
	v, err := scanValue(row)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return v, err
}

const valueColumns = `id, placeholder_id, data_source_id, query_hash, raw_result,
	processed_value, formatted_text, executed_query, execution_time_ms, row_count,
	success, error_message, created_at, expires_at, hit_count, last_hit_at`

func (s *SQLiteStore) PutValue(ctx context.Context, v *model.PlaceholderValue) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	rawJSON, err := json.Marshal(v.RawResult)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal raw result")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO placeholder_values (
			id, placeholder_id, data_source_id, query_hash, raw_result,
			processed_value, formatted_text, executed_query, execution_time_ms,
			row_count, success, error_message, created_at, expires_at, hit_count, last_hit_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PlaceholderID, v.DataSourceID, v.QueryHash, string(rawJSON),
		v.ProcessedValue, v.FormattedText, v.ExecutedQuery, v.ExecutionTimeMs,
		v.RowCount, v.Success, v.ErrorMessage, v.CreatedAt, v.ExpiresAt, v.HitCount, v.LastHitAt,
	)
	return eris.Wrap(err, "sqlite: put value")
}

func (s *SQLiteStore) RecordHit(ctx context.Context, valueID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE placeholder_values SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`,
		at.UTC(), valueID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record hit %s", valueID)
	}
	return checkRowsAffected(res, "value", valueID)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, placeholderID string, limit int) ([]model.PlaceholderValue, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+valueColumns+` FROM placeholder_values
		WHERE placeholder_id = ? ORDER BY created_at DESC LIMIT ?`,
		placeholderID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list executions")
	}
	defer rows.Close()

	var out []model.PlaceholderValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list executions iterate")
}

func (s *SQLiteStore) InvalidateValues(ctx context.Context, placeholderID, dataSourceID string) (int, error) {
	query := `DELETE FROM placeholder_values WHERE 1=1`
	var args []any
	if placeholderID != "" {
		query += ` AND placeholder_id = ?`
		args = append(args, placeholderID)
	}
	if dataSourceID != "" {
		query += ` AND data_source_id = ?`
		args = append(args, dataSourceID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: invalidate values")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DeleteExpiredValues(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM placeholder_values WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired values")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Resolution tasks ---

func (s *SQLiteStore) SaveTask(ctx context.Context, t *model.ResolutionTask) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resolution_tasks (id, template_id, status, snapshot, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			completed_at = excluded.completed_at`,
		t.ID, t.TemplateID, string(t.Status), string(snapshot), t.StartedAt, t.CompletedAt,
	)
	return eris.Wrap(err, "sqlite: save task")
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.ResolutionTask, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM resolution_tasks WHERE id = ?`, taskID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(errNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get task")
	}

	var t model.ResolutionTask
	if err := json.Unmarshal([]byte(snapshot), &t); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal task")
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.ResolutionTask, error) {
	query := `SELECT snapshot FROM resolution_tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var out []model.ResolutionTask
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		var t model.ResolutionTask
		if err := json.Unmarshal([]byte(snapshot), &t); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

// --- Progress events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, e model.ProgressEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, stage, percentage, message, placeholder, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, string(e.Stage), e.Percentage, e.Message, e.Placeholder, e.Timestamp.UTC(),
	)
	return eris.Wrap(err, "sqlite: append event")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string, afterSeq int64) ([]model.ProgressEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage, percentage, message, placeholder, ts FROM task_events
		WHERE task_id = ? AND seq > ? ORDER BY seq`,
		taskID, afterSeq)
	if err != nil {
		return nil, afterSeq, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var out []model.ProgressEvent
	lastSeq := afterSeq
	for rows.Next() {
		var e model.ProgressEvent
		var stage string
		if err := rows.Scan(&lastSeq, &stage, &e.Percentage, &e.Message, &e.Placeholder, &e.Timestamp); err != nil {
			return nil, afterSeq, eris.Wrap(err, "sqlite: scan event")
		}
		e.TaskID = taskID
		e.Stage = model.TaskStatus(stage)
		out = append(out, e)
	}
	return out, lastSeq, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// --- helpers ---

var errNotFound = eris.New("not found")

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConfig(row scannable) (*model.PlaceholderConfig, error) {
	var cfg model.PlaceholderConfig
	var typ string
	err := row.Scan(
		&cfg.ID, &cfg.TemplateID, &cfg.Signature, &cfg.PlaceholderText, &typ,
		&cfg.ContentType, &cfg.AgentAnalyzed, &cfg.TargetDatabase, &cfg.TargetTable, &cfg.TargetColumn,
		&cfg.GeneratedQuery, &cfg.QueryValidated, &cfg.ConfidenceScore, &cfg.SchemaVersion,
		&cfg.ExecutionOrder, &cfg.CacheTTLHours, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan config")
	}
	cfg.Type = model.PlaceholderType(typ)
	return &cfg, nil
}

func scanValue(row scannable) (*model.PlaceholderValue, error) {
	var v model.PlaceholderValue
	var rawJSON string
	var lastHit sql.NullTime
	err := row.Scan(
		&v.ID, &v.PlaceholderID, &v.DataSourceID, &v.QueryHash, &rawJSON,
		&v.ProcessedValue, &v.FormattedText, &v.ExecutedQuery, &v.ExecutionTimeMs,
		&v.RowCount, &v.Success, &v.ErrorMessage, &v.CreatedAt, &v.ExpiresAt, &v.HitCount, &lastHit,
	)
	if err == sql.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan value")
	}
	if err := json.Unmarshal([]byte(rawJSON), &v.RawResult); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal raw result")
	}
	if lastHit.Valid {
		t := lastHit.Time
		v.LastHitAt = &t
	}
	return &v, nil
}
