package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreport/quill/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetConfig_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "template_id", "signature", "placeholder_text", "placeholder_type",
		"content_type", "agent_analyzed", "target_database", "target_table", "target_column",
		"generated_query", "query_validated", "confidence_score", "schema_version",
		"execution_order", "cache_ttl_hours", "is_active", "created_at", "updated_at",
	}).AddRow(
		"cfg-1", "tpl-1", "sig-1", "{{statistic: total sales}}", "statistic",
		"statistic", true, "", "orders", "amount",
		`SELECT SUM("amount") AS value FROM "orders"`, true, 0.9, "fp-1",
		0, 24, true, now, now,
	)

	mock.ExpectQuery(`SELECT .+ FROM placeholder_configs WHERE id = \$1`).
		WithArgs("cfg-1").
		WillReturnRows(rows)

	cfg, err := s.GetConfig(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, model.TypeStatistic, cfg.Type)
	assert.Equal(t, "amount", cfg.TargetColumn)
	assert.True(t, cfg.QueryValidated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetConfigBySignature_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM placeholder_configs`).
		WithArgs("tpl-1", "no-such-signature").
		WillReturnError(pgx.ErrNoRows)

	cfg, err := s.GetConfigBySignature(context.Background(), "tpl-1", "no-such-signature")
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertConfig(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(template_id, signature\) DO UPDATE`).
		WithArgs(
			pgxmock.AnyArg(), "tpl-1", pgxmock.AnyArg(), pgxmock.AnyArg(), "statistic",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "orders", "amount",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	cfg := sampleConfig("tpl-1", "total sales")
	require.NoError(t, s.UpsertConfig(context.Background(), cfg))
	assert.NotEmpty(t, cfg.ID)
	assert.False(t, cfg.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetValue_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM placeholder_values`).
		WithArgs("ph-1", "default", "hash-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	v, err := s.GetValue(context.Background(), "ph-1", "default", "hash-1")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutValue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO placeholder_values`).
		WithArgs(
			pgxmock.AnyArg(), "ph-1", "default", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"1234", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), true, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.PutValue(context.Background(), sampleValue("ph-1", time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordHit_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE placeholder_values SET hit_count = hit_count \+ 1`).
		WithArgs(pgxmock.AnyArg(), "missing-id").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RecordHit(context.Background(), "missing-id", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredValues(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM placeholder_values WHERE expires_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteExpiredValues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InvalidateValues_ScopedToPlaceholder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM placeholder_values WHERE TRUE AND placeholder_id = \$1`).
		WithArgs("ph-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := s.InvalidateValues(context.Background(), "ph-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT snapshot FROM resolution_tasks WHERE id = \$1`).
		WithArgs("nonexistent-task").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "nonexistent-task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent-task")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask_SnapshotRoundTrip(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	snapshot := `{"id":"task-1","template_id":"tpl-1","status":"completed","progress":100}`
	mock.ExpectQuery(`SELECT snapshot FROM resolution_tasks`).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(snapshot))

	task, err := s.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 100.0, task.Progress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveTask_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO resolution_tasks .+ ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("task-1", "tpl-1", "executing", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveTask(context.Background(), &model.ResolutionTask{
		ID:         "task-1",
		TemplateID: "tpl-1",
		Status:     model.TaskExecuting,
		StartedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAndListEvents(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO task_events`).
		WithArgs("task-1", "analyzing", 25.0, "matching fields", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendEvent(context.Background(), model.ProgressEvent{
		TaskID:     "task-1",
		Stage:      model.TaskAnalyzing,
		Percentage: 25,
		Message:    "matching fields",
		Timestamp:  now,
	})
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"seq", "stage", "percentage", "message", "placeholder", "ts"}).
		AddRow(int64(7), "analyzing", 25.0, "matching fields", "", now).
		AddRow(int64(8), "executing", 55.0, "running queries", "{{statistic: total}}", now)

	mock.ExpectQuery(`SELECT seq, stage, percentage, message, placeholder, ts FROM task_events`).
		WithArgs("task-1", int64(6)).
		WillReturnRows(rows)

	events, lastSeq, err := s.ListEvents(context.Background(), "task-1", 6)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.TaskAnalyzing, events[0].Stage)
	assert.Equal(t, "{{statistic: total}}", events[1].Placeholder)
	assert.Equal(t, int64(8), lastSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}
