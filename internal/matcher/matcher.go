package matcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/pkg/anthropic"
)

// Matcher ranks data source fields for placeholder tokens.
type Matcher struct {
	cfg config.MatcherConfig
	ai  *aiMatcher
}

// New creates a Matcher. client may be nil, in which case matching is
// purely deterministic.
func New(cfg config.MatcherConfig, aiCfg config.AnthropicConfig, client anthropic.Client) *Matcher {
	m := &Matcher{cfg: cfg}
	if client != nil && cfg.UseAI {
		var limiter *rate.Limiter
		if aiCfg.RateLimit > 0 {
			burst := aiCfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(aiCfg.RateLimit), burst)
		}
		m.ai = newAIMatcher(client, aiCfg.Model, aiCfg.MaxTokens,
			time.Duration(aiCfg.TimeoutMs)*time.Millisecond, limiter)
	}
	return m
}

// Match proposes field bindings for the token against the schema. The
// deterministic ranking always runs; when an AI matcher is configured its
// suggestion is blended in. AI failure lowers confidence instead of
// failing the call — the only error paths are an error token or an empty
// schema, and even those return a zero-confidence result, not an error.
func (m *Matcher) Match(ctx context.Context, token model.PlaceholderToken, schema model.SourceSchema, opts Options) Result {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = m.cfg.ConfidenceThreshold
	}
	if opts.MaxSuggestions <= 0 {
		opts.MaxSuggestions = m.cfg.MaxSuggestions
	}

	if token.IsError() || len(schema.Tables) == 0 {
		return Result{Understanding: "no matchable placeholder or empty schema"}
	}

	suggestions := rankSchema(token, schema, opts.MaxSuggestions)
	result := Result{
		Suggestions:   suggestions,
		Understanding: fmt.Sprintf("%s placeholder asking for %q", token.Type, token.Description),
	}

	var schemaBest *FieldSuggestion
	if len(suggestions) > 0 {
		schemaBest = &suggestions[0]
	}

	if m.ai == nil {
		if schemaBest != nil {
			result.BestMatch = schemaBest
			result.Confidence = schemaBest.Score
		}
		return result
	}

	aiPick, err := m.ai.suggest(ctx, token, schema)
	if err != nil {
		// Degrade to the deterministic candidate with reduced confidence.
		zap.L().Warn("matcher: ai suggestion unavailable, degrading to schema match",
			zap.String("placeholder", token.RawText),
			zap.Error(err),
		)
		result.Degraded = true
		if schemaBest != nil {
			result.BestMatch = schemaBest
			result.Confidence = schemaBest.Score * m.degradedFactor()
		}
		return result
	}

	result.AgentUsed = true
	if aiPick.Summary != "" {
		result.Understanding = aiPick.Summary
	}

	// Blend the AI confidence with the deterministic score of the field the
	// AI chose. Weights are configurable; renormalize defensively in case
	// the config does not sum to 1.
	schemaScore := scoreForField(suggestions, aiPick.Table, aiPick.Column)
	wS, wA := m.cfg.SchemaWeight, m.cfg.AIWeight
	if wS+wA <= 0 {
		wS, wA = 0.55, 0.45
	}
	blended := (wS*schemaScore + wA*aiPick.Confidence) / (wS + wA)

	best := FieldSuggestion{
		Table:       aiPick.Table,
		Column:      aiPick.Column,
		Aggregation: Aggregation(aiPick.Aggregation),
		Score:       blended,
		Reason:      "ai blend",
	}
	if best.Aggregation == "none" {
		best.Aggregation = AggNone
	}
	if best.Aggregation == AggNone && schemaBest != nil &&
		schemaBest.Table == best.Table && schemaBest.Column == best.Column {
		best.Aggregation = schemaBest.Aggregation
	}

	// Keep the deterministic winner when it outranks the blend.
	if schemaBest != nil && schemaBest.Score > blended {
		result.BestMatch = schemaBest
		result.Confidence = schemaBest.Score
	} else {
		result.BestMatch = &best
		result.Confidence = blended
	}

	return result
}

func (m *Matcher) degradedFactor() float64 {
	if m.cfg.DegradedFactor <= 0 || m.cfg.DegradedFactor > 1 {
		return 0.85
	}
	return m.cfg.DegradedFactor
}

// scoreForField finds the deterministic score of a specific field in the
// ranked suggestions, 0 when the AI picked something the ranking skipped.
func scoreForField(suggestions []FieldSuggestion, table, column string) float64 {
	for _, s := range suggestions {
		if s.Table == table && s.Column == column {
			return s.Score
		}
	}
	return 0
}
