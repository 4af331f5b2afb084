package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PlaceholderConfig is the durable binding between a placeholder's signature
// and a data source. Created when a placeholder is first analyzed, mutated on
// re-analysis or re-validation, and soft-deactivated (never hard-deleted)
// while report history still references it.
type PlaceholderConfig struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	PlaceholderText string          `json:"placeholder_text"`
	Type            PlaceholderType `json:"placeholder_type"`
	ContentType     string          `json:"content_type"`
	Signature       string          `json:"signature"`
	AgentAnalyzed   bool            `json:"agent_analyzed"`
	TargetDatabase  string          `json:"target_database,omitempty"`
	TargetTable     string          `json:"target_table,omitempty"`
	TargetColumn    string          `json:"target_column,omitempty"`
	GeneratedQuery  string          `json:"generated_query,omitempty"`
	QueryValidated  bool            `json:"query_validated"`
	ConfidenceScore float64         `json:"confidence_score"`
	SchemaVersion   string          `json:"schema_version,omitempty"`
	ExecutionOrder  int             `json:"execution_order"`
	CacheTTLHours   int             `json:"cache_ttl_hours"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ConfigSignature derives the reuse key for a placeholder: same template,
// same type, same normalized description means the persisted config can be
// reused without re-running the matcher.
func ConfigSignature(templateID string, typ PlaceholderType, description string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(templateID + "|" + string(typ) + "|" + norm))
	return hex.EncodeToString(sum[:])
}

// QueryHash fingerprints a generated query for cache keying.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:16])
}

// CacheTTL returns the configured TTL as a duration, defaulting to 24h.
func (c PlaceholderConfig) CacheTTL() time.Duration {
	if c.CacheTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.CacheTTLHours) * time.Hour
}
