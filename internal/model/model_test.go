package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSignature_NormalizesDescription(t *testing.T) {
	a := ConfigSignature("tpl-1", TypeStatistic, "Total  Sales   Amount")
	b := ConfigSignature("tpl-1", TypeStatistic, "total sales amount")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, ConfigSignature("tpl-2", TypeStatistic, "total sales amount"))
	assert.NotEqual(t, a, ConfigSignature("tpl-1", TypeChart, "total sales amount"))
	assert.NotEqual(t, a, ConfigSignature("tpl-1", TypeStatistic, "total orders"))
}

func TestQueryHash_Deterministic(t *testing.T) {
	q := `SELECT COUNT(*) AS value FROM "orders"`
	assert.Equal(t, QueryHash(q), QueryHash(q))
	assert.NotEqual(t, QueryHash(q), QueryHash(q+" "))
	assert.Len(t, QueryHash(q), 32)
}

func TestCacheTTL_Default(t *testing.T) {
	assert.Equal(t, 24*time.Hour, PlaceholderConfig{}.CacheTTL())
	assert.Equal(t, 6*time.Hour, PlaceholderConfig{CacheTTLHours: 6}.CacheTTL())
	assert.Equal(t, 24*time.Hour, PlaceholderConfig{CacheTTLHours: -1}.CacheTTL())
}

func TestTaskStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskInitializing, true},
		{TaskPending, TaskExecuting, true}, // skipping forward is legal
		{TaskInitializing, TaskAnalyzing, true},
		{TaskAnalyzing, TaskExecuting, true},
		{TaskExecuting, TaskAssembling, true},
		{TaskAssembling, TaskCompleted, true},
		{TaskExecuting, TaskAnalyzing, false}, // no going backwards
		{TaskAnalyzing, TaskPending, false},
		{TaskCompleted, TaskExecuting, false}, // terminal states are final
		{TaskFailed, TaskCancelled, false},
		{TaskCancelled, TaskCompleted, false},
		{TaskPending, TaskCancelled, true}, // cancel from any live state
		{TaskAssembling, TaskCancelled, true},
		{TaskAnalyzing, TaskFailed, true},
	}

	for _, c := range cases {
		assert.Equalf(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled} {
		assert.True(t, s.Terminal())
	}
	for _, s := range []TaskStatus{TaskPending, TaskInitializing, TaskAnalyzing, TaskExecuting, TaskAssembling} {
		assert.False(t, s.Terminal())
	}
}

func TestPlaceholderValue_Expired(t *testing.T) {
	now := time.Now()
	v := PlaceholderValue{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, v.Expired(now))
	assert.True(t, v.Expired(now.Add(time.Hour)))
	assert.True(t, v.Expired(now.Add(2*time.Hour)))
}

func TestQueryResult_Scalar(t *testing.T) {
	assert.Nil(t, FailureResult("boom").Scalar())
	assert.Nil(t, SuccessResult([]string{"value"}, nil).Scalar())
	assert.Equal(t, int64(42), SuccessResult([]string{"value"}, [][]any{{int64(42)}}).Scalar())
}

func testSchema() SourceSchema {
	return SourceSchema{
		Tables: []TableSchema{
			{Name: "orders", Columns: []ColumnSchema{
				{Name: "id", DataType: "integer"},
				{Name: "amount", DataType: "real"},
				{Name: "region", DataType: "text"},
			}},
			{Name: "customers", Columns: []ColumnSchema{
				{Name: "id", DataType: "integer"},
				{Name: "name", DataType: "text"},
			}},
		},
	}
}

func TestSourceSchema_Lookups(t *testing.T) {
	s := testSchema()

	require.NotNil(t, s.Table("orders"))
	require.NotNil(t, s.Table("ORDERS"))
	assert.Nil(t, s.Table("payments"))

	col := s.Table("orders").Column("Amount")
	require.NotNil(t, col)
	assert.Equal(t, "amount", col.Name)
	assert.Nil(t, s.Table("orders").Column("missing"))
}

func TestSourceSchema_Fingerprint(t *testing.T) {
	a := testSchema()
	b := testSchema()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Table order must not matter.
	b.Tables[0], b.Tables[1] = b.Tables[1], b.Tables[0]
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// A column type change must.
	b.Tables[0].Columns[0].DataType = "text"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestIsNumericAndTemporal(t *testing.T) {
	assert.True(t, ColumnSchema{DataType: "INTEGER"}.IsNumeric())
	assert.True(t, ColumnSchema{DataType: "double precision"}.IsNumeric())
	assert.False(t, ColumnSchema{DataType: "text"}.IsNumeric())

	assert.True(t, ColumnSchema{DataType: "timestamp with time zone"}.IsTemporal())
	assert.True(t, ColumnSchema{DataType: "DATE"}.IsTemporal())
	assert.False(t, ColumnSchema{DataType: "real"}.IsTemporal())
}
