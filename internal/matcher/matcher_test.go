package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/pkg/anthropic"
)

// fakeClient returns canned replies, or an error, or blocks until the
// context expires.
type fakeClient struct {
	reply string
	err   error
	hang  bool
	calls int
}

func (f *fakeClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{Text: f.reply}, nil
}

func salesSchema() model.SourceSchema {
	return model.SourceSchema{
		Tables: []model.TableSchema{
			{Name: "orders", Columns: []model.ColumnSchema{
				{Name: "id", DataType: "integer"},
				{Name: "amount", DataType: "real"},
				{Name: "region", DataType: "text"},
				{Name: "created_at", DataType: "timestamp"},
			}},
			{Name: "customers", Columns: []model.ColumnSchema{
				{Name: "id", DataType: "integer"},
				{Name: "name", DataType: "text"},
			}},
		},
	}
}

func matcherConfig() config.MatcherConfig {
	return config.MatcherConfig{
		ConfidenceThreshold: 0.5,
		MaxSuggestions:      5,
		SchemaWeight:        0.55,
		AIWeight:            0.45,
		DegradedFactor:      0.85,
		UseAI:               true,
	}
}

func aiConfig() config.AnthropicConfig {
	return config.AnthropicConfig{Model: "test-model", MaxTokens: 256, TimeoutMs: 50}
}

func token(typ model.PlaceholderType, desc string) model.PlaceholderToken {
	return model.PlaceholderToken{RawText: "{{" + string(typ) + ": " + desc + "}}", Type: typ, Description: desc}
}

func TestMatch_DeterministicOnly(t *testing.T) {
	m := New(matcherConfig(), aiConfig(), nil)

	res := m.Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	require.NotNil(t, res.BestMatch)
	assert.Equal(t, "orders", res.BestMatch.Table)
	assert.Equal(t, "amount", res.BestMatch.Column)
	assert.Equal(t, AggSum, res.BestMatch.Aggregation)
	assert.False(t, res.AgentUsed)
	assert.False(t, res.Degraded)
	assert.True(t, res.Resolved(0.5))
}

func TestMatch_CJKFreeTextResolves(t *testing.T) {
	// A free-text placeholder in mixed CJK still binds through synonyms and
	// must clear a 0.7 threshold even when the AI leg is degraded away.
	m := New(matcherConfig(), aiConfig(), &fakeClient{err: eris.New("api down")})

	tok := token(model.TypeText, "区域: top region")
	res := m.Match(context.Background(), tok, salesSchema(), Options{})

	require.NotNil(t, res.BestMatch)
	assert.True(t, res.Degraded)
	assert.Equal(t, "region", res.BestMatch.Column)
	assert.Equal(t, AggTopGroup, res.BestMatch.Aggregation)
	assert.Greater(t, res.Confidence, 0.7)
}

func TestMatch_AIBlended(t *testing.T) {
	client := &fakeClient{
		reply: `{"table": "orders", "column": "amount", "aggregation": "sum", "confidence": 0.95, "summary": "sum of order amounts"}`,
	}
	m := New(matcherConfig(), aiConfig(), client)

	res := m.Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	require.NotNil(t, res.BestMatch)
	assert.True(t, res.AgentUsed)
	assert.False(t, res.Degraded)
	assert.Equal(t, "amount", res.BestMatch.Column)
	assert.Equal(t, "sum of order amounts", res.Understanding)
	assert.Equal(t, 1, client.calls)

	// The blend mixes deterministic score and AI confidence; with both legs
	// strong the result clears the threshold comfortably.
	assert.Greater(t, res.Confidence, 0.7)
	assert.LessOrEqual(t, res.Confidence, 1.0)
}

func TestMatch_AIFailureDegrades(t *testing.T) {
	m := New(matcherConfig(), aiConfig(), &fakeClient{err: eris.New("overloaded")})

	res := m.Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	require.NotNil(t, res.BestMatch)
	assert.True(t, res.Degraded)
	assert.False(t, res.AgentUsed)

	// Degraded confidence is the deterministic score scaled down.
	base := New(matcherConfig(), aiConfig(), nil).
		Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	assert.InDelta(t, base.Confidence*0.85, res.Confidence, 1e-9)
}

func TestMatch_AITimeoutDegrades(t *testing.T) {
	m := New(matcherConfig(), aiConfig(), &fakeClient{hang: true})

	start := time.Now()
	res := m.Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
	require.NotNil(t, res.BestMatch)
}

func TestMatch_AIUnknownFieldDegrades(t *testing.T) {
	client := &fakeClient{
		reply: `{"table": "payments", "column": "total", "aggregation": "sum", "confidence": 0.9}`,
	}
	m := New(matcherConfig(), aiConfig(), client)

	res := m.Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	assert.True(t, res.Degraded)
	require.NotNil(t, res.BestMatch)
	assert.Equal(t, "orders", res.BestMatch.Table)
}

func TestMatch_ErrorTokenAndEmptySchema(t *testing.T) {
	m := New(matcherConfig(), aiConfig(), nil)

	res := m.Match(context.Background(), model.PlaceholderToken{Type: model.TypeError}, salesSchema(), Options{})
	assert.Nil(t, res.BestMatch)
	assert.Zero(t, res.Confidence)

	res = m.Match(context.Background(), token(model.TypeStatistic, "anything"), model.SourceSchema{}, Options{})
	assert.Nil(t, res.BestMatch)
}

func TestMatch_KeepsDeterministicWinner(t *testing.T) {
	// The AI picks a field the ranking scored near zero with middling
	// confidence; the deterministic winner outranks the blend and is kept.
	client := &fakeClient{
		reply: `{"table": "customers", "column": "id", "aggregation": "none", "confidence": 0.3}`,
	}
	m := New(matcherConfig(), aiConfig(), client)

	res := m.Match(context.Background(), token(model.TypeStatistic, "total order amount"), salesSchema(), Options{})
	require.NotNil(t, res.BestMatch)
	assert.Equal(t, "amount", res.BestMatch.Column)
}

func TestParseAIReply(t *testing.T) {
	s, err := parseAIReply("Sure, here you go:\n```json\n{\"table\": \"orders\", \"column\": \"amount\", \"confidence\": 0.8}\n```")
	require.NoError(t, err)
	assert.Equal(t, "orders", s.Table)
	assert.Equal(t, 0.8, s.Confidence)

	_, err = parseAIReply("no json here")
	assert.Error(t, err)

	_, err = parseAIReply(`{"table": "orders"}`)
	assert.Error(t, err)

	_, err = parseAIReply(`{"table": "orders", "column": "amount", "confidence": 1.5}`)
	assert.Error(t, err)
}

func TestRankSchema_DeterministicTieBreak(t *testing.T) {
	tok := token(model.TypeStatistic, "order amount")
	first := rankSchema(tok, salesSchema(), 5)
	second := rankSchema(tok, salesSchema(), 5)
	assert.Equal(t, first, second)
	require.NotEmpty(t, first)
	assert.Equal(t, "amount", first[0].Column)
}

func TestInferAggregation(t *testing.T) {
	numeric := model.ColumnSchema{Name: "amount", DataType: "real"}
	text := model.ColumnSchema{Name: "region", DataType: "text"}

	assert.Equal(t, AggTopGroup, inferAggregation("top region", model.TypeText, text))
	assert.Equal(t, AggMax, inferAggregation("highest amount", model.TypeStatistic, numeric))
	assert.Equal(t, AggAvg, inferAggregation("average order value", model.TypeStatistic, numeric))
	assert.Equal(t, AggSum, inferAggregation("total sales amount", model.TypeStatistic, numeric))
	assert.Equal(t, AggCount, inferAggregation("number of complaints", model.TypeStatistic, text))
	assert.Equal(t, AggCount, inferAggregation("数量", model.TypeStatistic, text))
}
