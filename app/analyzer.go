package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
)

const (
	CodeAnalysisFailed = "ANALYSIS_FAILED"
	CodeTimeout        = "TIMEOUT"
)

// AnalysisError is a critique failure. Unlike scrape errors these are on
// our side (model unavailable, malformed output), so the pipeline retries
// once before giving up.
type AnalysisError struct {
	Message string
}

func (e *AnalysisError) Error() string { return CodeAnalysisFailed + ": " + e.Message }

// Critic produces a conversion critique of a scraped page.
type Critic interface {
	Critique(ctx context.Context, page *models.ScrapedPage) (*Critique, error)
}

// AnthropicCritic implements Critic against the Anthropic Messages API.
type AnthropicCritic struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	httpc     *http.Client
}

func NewAnthropicCritic(cfg config.AnthropicConfig) *AnthropicCritic {
	return &AnthropicCritic{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens: 4096,
		httpc:     &http.Client{Timeout: 120 * time.Second},
	}
}

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicCritic) Critique(ctx context.Context, page *models.ScrapedPage) (*Critique, error) {
	reqBody, err := json.Marshal(messagesRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    systemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: buildPrompt(page)}},
	})
	if err != nil {
		return nil, &AnalysisError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &AnalysisError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	res, err := a.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// let the pipeline classify the deadline
			return nil, ctx.Err()
		}
		return nil, &AnalysisError{Message: fmt.Sprintf("model API unreachable: %v", err)}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &AnalysisError{Message: err.Error()}
	}
	if res.StatusCode != http.StatusOK {
		var mr messagesResponse
		msg := fmt.Sprintf("model API returned HTTP %d", res.StatusCode)
		if json.Unmarshal(raw, &mr) == nil && mr.Error != nil {
			msg = fmt.Sprintf("%s: %s", msg, mr.Error.Message)
		}
		return nil, &AnalysisError{Message: msg}
	}

	var mr messagesResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, &AnalysisError{Message: fmt.Sprintf("invalid model response: %v", err)}
	}
	text := ""
	for _, block := range mr.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, &AnalysisError{Message: "model returned no text content"}
	}

	critique, err := ParseCritique(text)
	if err != nil {
		return nil, &AnalysisError{Message: err.Error()}
	}

	log.WithFields(log.Fields{
		"model":         a.model,
		"score":         critique.Score,
		"duration_ms":   time.Since(start).Milliseconds(),
		"input_tokens":  mr.Usage.InputTokens,
		"output_tokens": mr.Usage.OutputTokens,
	}).Info("analysis_completed")

	return critique, nil
}

const systemPrompt = `You are a senior conversion rate optimization consultant. You audit landing pages and report every element that leaks conversions. You are direct, specific and practical. You respond with JSON only, no prose before or after it.`

// The eight audit axes every critique must cover.
var promptCategories = []struct {
	Name  string
	Label string
	Brief string
}{
	{"headline", "Headline & Value Proposition", "Is the main message clear within 5 seconds? Does it state a concrete benefit?"},
	{"cta", "Call to Action", "Is the primary CTA visible above the fold, specific, and free of competing actions?"},
	{"social_proof", "Social Proof", "Testimonials, logos, counts, reviews. Are they present, specific and credible?"},
	{"form", "Forms & Friction", "Field count, labels, error states. How much effort does conversion require?"},
	{"visual_hierarchy", "Visual Hierarchy", "Does the layout guide the eye toward the conversion goal? Contrast, spacing, order."},
	{"trust", "Trust & Credibility", "Security signals, guarantees, contact info, policies, professional polish."},
	{"mobile", "Mobile Experience", "Tap targets, viewport fit, readable text without zooming."},
	{"speed", "Page Speed", "Load time impact on conversion. Heavy images, blocking resources."},
}

func buildPrompt(page *models.ScrapedPage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Audit this landing page for conversion leaks.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", page.FinalURL)
	fmt.Fprintf(&b, "Title: %s\n", page.Title)
	if page.MetaDescription != "" {
		fmt.Fprintf(&b, "Meta description: %s\n", page.MetaDescription)
	}
	fmt.Fprintf(&b, "Load time: %dms | Words: %d | Images: %d | Links: %d | Has form: %t\n\n",
		page.LoadTimeMS, page.WordCount, page.ImageCount, page.LinkCount, page.HasForm)

	b.WriteString("Score each of these categories from 0 to 100:\n")
	for _, c := range promptCategories {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name, c.Label, c.Brief)
	}

	b.WriteString(`
Respond with exactly this JSON structure:
{
  "score": <overall 0-100>,
  "summary": "<2-3 sentence verdict>",
  "categories": [
    {
      "name": "<category name from the list>",
      "label": "<human readable label>",
      "score": <0-100>,
      "issues": [
        {
          "severity": "critical|warning|info",
          "title": "<short issue title>",
          "description": "<what is wrong and where on the page>",
          "recommendation": "<concrete fix>"
        }
      ]
    }
  ]
}

Include every category even when it has no issues. Severity "critical" means measurable conversion loss, "warning" means likely friction, "info" means polish.

`)
	fmt.Fprintf(&b, "Page HTML (trimmed):\n%s\n\n", SummarizeHTML(page.HTML, 15000))

	text := page.TextContent
	if len(text) > 5000 {
		text = text[:5000] + "... [truncated]"
	}
	fmt.Fprintf(&b, "Visible text:\n%s\n", text)

	return b.String()
}
