package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

// Critique is the validated, normalized model output: an overall score,
// a summary and the per-category findings.
type Critique struct {
	Score      int
	Summary    string
	Categories []models.Category
}

// CritiqueParseError means the model response could not be turned into a
// usable critique even after every repair strategy.
type CritiqueParseError struct {
	Reason string
}

func (e *CritiqueParseError) Error() string {
	return fmt.Sprintf("unparseable critique: %s", e.Reason)
}

// repairStrategy is one named transform in the repair chain. Strategies
// apply cumulatively: each receives the previous strategy's output, and
// decoding is attempted after every step.
type repairStrategy struct {
	name  string
	apply func(string) (string, error)
}

var repairStrategies = []repairStrategy{
	{"raw", func(s string) (string, error) { return s, nil }},
	{"strip_code_fences", stripCodeFences},
	{"extract_object", extractJSONObject},
	{"normalize_quotes", normalizeQuotes},
	{"jsonrepair", jsonrepair.JSONRepair},
}

// ParseCritique decodes the raw model response, running the repair chain
// until one strategy yields valid JSON, then validates and normalizes the
// result.
func ParseCritique(raw string) (*Critique, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &CritiqueParseError{Reason: "empty response"}
	}

	var rc rawCritique
	decoded := false
	for _, s := range repairStrategies {
		repaired, err := s.apply(text)
		if err != nil {
			continue
		}
		text = repaired
		if err := json.Unmarshal([]byte(text), &rc); err == nil {
			if s.name != "raw" {
				log.WithField("strategy", s.name).Info("critique_json_repaired")
			}
			decoded = true
			break
		}
	}
	if !decoded {
		return nil, &CritiqueParseError{Reason: "no repair strategy produced valid JSON"}
	}

	return normalizeCritique(rc)
}

type rawCritique struct {
	Score      *float64      `json:"score"`
	Summary    *string       `json:"summary"`
	Categories []rawCategory `json:"categories"`
}

type rawCategory struct {
	Name   string     `json:"name"`
	Label  string     `json:"label"`
	Score  *float64   `json:"score"`
	Issues []rawIssue `json:"issues"`
}

type rawIssue struct {
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// normalizeCritique enforces the required fields and coerces everything
// else into range. Required: score, summary, at least one category.
func normalizeCritique(rc rawCritique) (*Critique, error) {
	if rc.Score == nil {
		return nil, &CritiqueParseError{Reason: "missing score"}
	}
	if rc.Summary == nil || strings.TrimSpace(*rc.Summary) == "" {
		return nil, &CritiqueParseError{Reason: "missing summary"}
	}
	if len(rc.Categories) == 0 {
		return nil, &CritiqueParseError{Reason: "missing categories"}
	}

	c := &Critique{
		Score:   clampScore(*rc.Score),
		Summary: strings.TrimSpace(*rc.Summary),
	}
	for _, cat := range rc.Categories {
		c.Categories = append(c.Categories, normalizeCategory(cat))
	}
	return c, nil
}

func normalizeCategory(rc rawCategory) models.Category {
	cat := models.Category{
		Name:  strings.TrimSpace(rc.Name),
		Label: strings.TrimSpace(rc.Label),
		Score: 50,
	}
	if cat.Name == "" {
		cat.Name = "unknown"
	}
	if cat.Label == "" {
		cat.Label = cat.Name
	}
	if rc.Score != nil {
		cat.Score = clampScore(*rc.Score)
	}
	for _, ri := range rc.Issues {
		sev := models.Severity(strings.ToLower(strings.TrimSpace(ri.Severity)))
		if !sev.Valid() {
			sev = models.SeverityInfo
		}
		cat.Issues = append(cat.Issues, models.Issue{
			Severity:       sev,
			Title:          ri.Title,
			Description:    ri.Description,
			Recommendation: ri.Recommendation,
		})
	}
	return cat
}

func clampScore(f float64) int {
	n := int(f)
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag.
func stripCodeFences(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s, nil
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		// drop the language tag line ("json", "JSON", ...)
		if lang := strings.TrimSpace(s[:i]); len(lang) <= 10 && !strings.ContainsAny(lang, "{}") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s), nil
}

// extractJSONObject cuts out the first balanced top-level object, skipping
// any prose the model wrapped around it. Braces inside strings are ignored.
func extractJSONObject(s string) (string, error) {
	start := strings.Index(s, "{")
	if start < 0 {
		return s, fmt.Errorf("no object found")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return s[start:], nil
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// normalizeQuotes replaces smart quotes and strips control characters
// that break the decoder.
func normalizeQuotes(s string) (string, error) {
	s = quoteReplacer.Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}
