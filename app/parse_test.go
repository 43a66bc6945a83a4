package app

import (
	"errors"
	"testing"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

const validCritique = `{
	"score": 72,
	"summary": "Solid page with a weak call to action.",
	"categories": [
		{
			"name": "cta",
			"label": "Call to Action",
			"score": 55,
			"issues": [
				{
					"severity": "critical",
					"title": "CTA below the fold",
					"description": "The signup button only appears after scrolling.",
					"recommendation": "Move the primary CTA above the fold."
				}
			]
		}
	]
}`

func TestParseCritiqueValid(t *testing.T) {
	c, err := ParseCritique(validCritique)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Score != 72 {
		t.Fatalf("expected score 72, got %d", c.Score)
	}
	if len(c.Categories) != 1 || c.Categories[0].Name != "cta" {
		t.Fatalf("unexpected categories: %+v", c.Categories)
	}
	if c.Categories[0].Issues[0].Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity")
	}
}

func TestParseCritiqueRepairs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"code fence", "```json\n" + validCritique + "\n```"},
		{"bare fence", "```\n" + validCritique + "\n```"},
		{"prose wrapped", "Here is my audit:\n\n" + validCritique + "\n\nLet me know if you need more."},
		{"smart quotes", `{“score”: 72, “summary”: “ok page”, “categories”: [{“name”: “cta”, “score”: 60, “issues”: []}]}`},
		{"trailing comma", `{"score": 72, "summary": "ok", "categories": [{"name": "cta", "score": 60, "issues": []},]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCritique(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Score != 72 {
				t.Fatalf("expected score 72, got %d", c.Score)
			}
		})
	}
}

func TestParseCritiqueScoreClamping(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"above range", `{"score": 150, "summary": "ok", "categories": [{"name": "cta"}]}`, 100},
		{"below range", `{"score": -10, "summary": "ok", "categories": [{"name": "cta"}]}`, 0},
		{"fractional", `{"score": 71.9, "summary": "ok", "categories": [{"name": "cta"}]}`, 71},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCritique(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Score != tt.want {
				t.Fatalf("expected score %d, got %d", tt.want, c.Score)
			}
		})
	}
}

func TestParseCritiqueCategoryDefaults(t *testing.T) {
	raw := `{
		"score": 60,
		"summary": "ok",
		"categories": [
			{
				"issues": [
					{"severity": "URGENT", "title": "x"}
				]
			}
		]
	}`
	c, err := ParseCritique(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cat := c.Categories[0]
	if cat.Name != "unknown" {
		t.Fatalf("expected default name, got %q", cat.Name)
	}
	if cat.Label != "unknown" {
		t.Fatalf("expected label to default to name, got %q", cat.Label)
	}
	if cat.Score != 50 {
		t.Fatalf("expected default score 50, got %d", cat.Score)
	}
	if cat.Issues[0].Severity != models.SeverityInfo {
		t.Fatalf("expected unknown severity to normalize to info, got %q", cat.Issues[0].Severity)
	}
	if cat.Issues[0].Recommendation != "" {
		t.Fatalf("expected missing recommendation to be empty")
	}
}

func TestParseCritiqueMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json at all", "the page looks fine to me"},
		{"missing score", `{"summary": "ok", "categories": [{"name": "cta"}]}`},
		{"missing summary", `{"score": 50, "categories": [{"name": "cta"}]}`},
		{"blank summary", `{"score": 50, "summary": "  ", "categories": [{"name": "cta"}]}`},
		{"missing categories", `{"score": 50, "summary": "ok"}`},
		{"empty categories", `{"score": 50, "summary": "ok", "categories": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCritique(tt.raw)
			var pe *CritiqueParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected CritiqueParseError, got %v", err)
			}
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	got, err := extractJSONObject(`noise {"a": "brace } in string", "b": {"c": 1}} trailing`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a": "brace } in string", "b": {"c": 1}}`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
