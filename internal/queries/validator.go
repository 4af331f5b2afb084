package queries

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/resilience"
	"github.com/quillreport/quill/internal/source"
)

//go:embed dialects.yaml
var dialectRulesYAML []byte

type dialectRule struct {
	AllowedPrefixes   []string `yaml:"allowed_prefixes"`
	ForbiddenKeywords []string `yaml:"forbidden_keywords"`
}

type dialectRules struct {
	Dialects map[string]dialectRule `yaml:"dialects"`
}

var rules dialectRules

func init() {
	if err := yaml.Unmarshal(dialectRulesYAML, &rules); err != nil {
		panic(eris.Wrap(err, "queries: parse dialect rules"))
	}
}

// ValidationResult reports whether a query may be marked validated and why
// not when it may not.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

var identPattern = regexp.MustCompile(`(?i)\bfrom\s+"?([\p{L}\p{N}_]+)"?`)

// Validate checks a generated query against the dialect rules, the source
// schema, and finally a dry-run against the data source itself. No result
// set is materialized. A query that fails here is never marked validated;
// the caller keeps the previous validated query, if any.
func Validate(ctx context.Context, query string, src source.DataSource, schema model.SourceSchema) ValidationResult {
	var diags []string

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return ValidationResult{Diagnostics: []string{"query is empty"}}
	}

	rule, ok := rules.Dialects[src.Dialect()]
	if !ok {
		return ValidationResult{Diagnostics: []string{fmt.Sprintf("unsupported dialect %q", src.Dialect())}}
	}

	lower := strings.ToLower(trimmed)

	prefixOK := false
	for _, p := range rule.AllowedPrefixes {
		if strings.HasPrefix(lower, p) {
			prefixOK = true
			break
		}
	}
	if !prefixOK {
		diags = append(diags, "only read statements are allowed")
	}

	if strings.Contains(strings.TrimSuffix(lower, ";"), ";") {
		diags = append(diags, "multiple statements are not allowed")
	}

	for _, kw := range rule.ForbiddenKeywords {
		if regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`).MatchString(lower) {
			diags = append(diags, fmt.Sprintf("forbidden keyword %q", kw))
		}
	}

	// Referenced tables must exist in the introspected schema. CTE queries
	// are exempt: their FROM targets may be aliases only the dry run can
	// resolve.
	if !strings.HasPrefix(lower, "with") {
		for _, m := range identPattern.FindAllStringSubmatch(trimmed, -1) {
			if schema.Table(m[1]) == nil {
				diags = append(diags, fmt.Sprintf("unknown table %q", m[1]))
			}
		}
	}

	if len(diags) > 0 {
		return ValidationResult{Diagnostics: diags}
	}

	// Dialect-level dry run: the planner checks what static analysis cannot.
	if err := src.Validate(ctx, trimmed); err != nil {
		if resilience.IsFatal(err) {
			diags = append(diags, "data source unreachable: "+err.Error())
		} else {
			diags = append(diags, "dry run rejected query: "+err.Error())
		}
		return ValidationResult{Diagnostics: diags}
	}

	return ValidationResult{Valid: true}
}
