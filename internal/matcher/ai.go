package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/pkg/anthropic"
)

const matchSystemPrompt = "You map report placeholder descriptions onto database fields. " +
	"Answer with a single JSON object and nothing else."

const matchPromptTemplate = `A report template contains this placeholder:

Type: %s
Description: %s
Context before: %s
Context after: %s

The data source exposes these tables:
%s

Pick the single best field for the placeholder. Return JSON:
{"table": "<table>", "column": "<column>", "aggregation": "<count|sum|avg|max|min|top_group|none>", "confidence": <0.0-1.0>, "summary": "<one sentence on how you read the placeholder>"}`

// aiSuggestion is the parsed shape of the model's reply.
type aiSuggestion struct {
	Table       string  `json:"table"`
	Column      string  `json:"column"`
	Aggregation string  `json:"aggregation"`
	Confidence  float64 `json:"confidence"`
	Summary     string  `json:"summary"`
}

// aiMatcher calls the completion service with a bounded timeout and a
// shared rate limiter.
type aiMatcher struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	limiter   *rate.Limiter
}

func newAIMatcher(client anthropic.Client, modelID string, maxTokens int64, timeout time.Duration, limiter *rate.Limiter) *aiMatcher {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &aiMatcher{
		client:    client,
		model:     modelID,
		maxTokens: maxTokens,
		timeout:   timeout,
		limiter:   limiter,
	}
}

// suggest asks the model for a field binding. Any failure — rate limit
// wait, transport, malformed JSON, a field that does not exist in the
// schema — is returned as an error for the caller to degrade on.
func (m *aiMatcher) suggest(ctx context.Context, token model.PlaceholderToken, schema model.SourceSchema) (*aiSuggestion, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "matcher: rate limit wait")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	prompt := fmt.Sprintf(matchPromptTemplate,
		token.Type, token.Description, token.ContextBefore, token.ContextAfter,
		describeSchema(schema))

	resp, err := m.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		System:    matchSystemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "matcher: completion")
	}
	resp.Usage.LogCost(m.model, "field_match")

	suggestion, err := parseAIReply(resp.Text)
	if err != nil {
		return nil, err
	}

	table := schema.Table(suggestion.Table)
	if table == nil {
		return nil, eris.Errorf("matcher: model chose unknown table %q", suggestion.Table)
	}
	if table.Column(suggestion.Column) == nil {
		return nil, eris.Errorf("matcher: model chose unknown column %q.%q", suggestion.Table, suggestion.Column)
	}

	return suggestion, nil
}

// parseAIReply extracts the JSON object from the model's text, tolerating
// surrounding prose or code fences.
func parseAIReply(text string) (*aiSuggestion, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("matcher: no JSON object in model reply")
	}

	var s aiSuggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &s); err != nil {
		return nil, eris.Wrap(err, "matcher: parse model reply")
	}
	if s.Table == "" || s.Column == "" {
		return nil, eris.New("matcher: model reply missing table or column")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return nil, eris.Errorf("matcher: model confidence %v out of range", s.Confidence)
	}
	return &s, nil
}

// describeSchema renders the schema as a compact prompt block.
func describeSchema(schema model.SourceSchema) string {
	var b strings.Builder
	for _, t := range schema.Tables {
		b.WriteString("- " + t.Name + "(")
		for i, c := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name + " " + c.DataType)
		}
		b.WriteString(")\n")
	}
	return b.String()
}
