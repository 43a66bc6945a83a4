package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
)

// Scrape error codes form a closed taxonomy. All of them are page-owner
// problems and therefore terminal for the analysis: no retry.
const (
	CodePageNotFound  = "PAGE_NOT_FOUND"
	CodePageBlocked   = "PAGE_BLOCKED"
	CodePageTimeout   = "PAGE_TIMEOUT"
	CodeScrapingError = "SCRAPING_ERROR"
)

// ScrapeError is a renderer failure with its taxonomy code.
type ScrapeError struct {
	Code    string
	Message string
}

func (e *ScrapeError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Renderer turns a URL into a rendered page snapshot. The real service is
// an external headless browser; tests substitute fakes.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (*models.ScrapedPage, error)
}

// HTTPRenderer calls the render service over HTTP and derives page
// statistics from the returned document.
type HTTPRenderer struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client
}

func NewHTTPRenderer(cfg config.RendererConfig) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		timeout: cfg.Timeout,
		// The client timeout sits above the render timeout so the
		// service can report its own timeout before we cut it off.
		httpc: &http.Client{Timeout: cfg.Timeout + 10*time.Second},
	}
}

type renderRequest struct {
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeout_ms"`
	FullPage  bool   `json:"full_page"`
}

type renderResponse struct {
	FinalURL   string `json:"final_url"`
	Status     int    `json:"status"`
	HTML       string `json:"html"`
	Text       string `json:"text"`
	Screenshot string `json:"screenshot"` // base64 png
	LoadTimeMS int    `json:"load_time_ms"`
	TimedOut   bool   `json:"timed_out"`
}

func (r *HTTPRenderer) Render(ctx context.Context, pageURL string) (*models.ScrapedPage, error) {
	domain := ""
	if u, err := url.Parse(pageURL); err == nil {
		domain = u.Host
	}
	log.WithField("url_domain", domain).Info("scraping_started")

	body, err := json.Marshal(renderRequest{URL: pageURL, TimeoutMS: int(r.timeout.Milliseconds()), FullPage: true})
	if err != nil {
		return nil, &ScrapeError{Code: CodeScrapingError, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, &ScrapeError{Code: CodeScrapingError, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ScrapeError{Code: CodePageTimeout, Message: "page took too long to load"}
		}
		return nil, &ScrapeError{Code: CodeScrapingError, Message: fmt.Sprintf("renderer unreachable: %v", err)}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &ScrapeError{Code: CodeScrapingError, Message: fmt.Sprintf("renderer returned HTTP %d", res.StatusCode)}
	}

	var rr renderResponse
	if err := json.NewDecoder(res.Body).Decode(&rr); err != nil {
		return nil, &ScrapeError{Code: CodeScrapingError, Message: fmt.Sprintf("invalid renderer response: %v", err)}
	}

	if rr.TimedOut {
		log.WithField("url_domain", domain).Warn("scraping_timeout")
		return nil, &ScrapeError{Code: CodePageTimeout, Message: fmt.Sprintf("page took too long to load (>%ds)", int(r.timeout.Seconds()))}
	}
	switch {
	case rr.Status == http.StatusNotFound:
		return nil, &ScrapeError{Code: CodePageNotFound, Message: "page not found (404)"}
	case rr.Status == http.StatusForbidden:
		return nil, &ScrapeError{Code: CodePageBlocked, Message: "access denied (403)"}
	case rr.Status >= 400:
		return nil, &ScrapeError{Code: CodeScrapingError, Message: fmt.Sprintf("page returned error status %d", rr.Status)}
	}

	screenshot, err := base64.StdEncoding.DecodeString(rr.Screenshot)
	if err != nil {
		// A bad screenshot is not worth failing the scrape; the upload
		// step is best-effort anyway.
		screenshot = nil
	}

	page := buildScrapedPage(pageURL, rr, screenshot)

	log.WithFields(log.Fields{
		"url_domain":   domain,
		"load_time_ms": page.LoadTimeMS,
		"word_count":   page.WordCount,
	}).Info("scraping_completed")

	return page, nil
}

// buildScrapedPage derives title, meta description and page statistics
// from the rendered document.
func buildScrapedPage(pageURL string, rr renderResponse, screenshot []byte) *models.ScrapedPage {
	page := &models.ScrapedPage{
		URL:         pageURL,
		FinalURL:    rr.FinalURL,
		HTML:        rr.HTML,
		TextContent: rr.Text,
		Screenshot:  screenshot,
		LoadTimeMS:  rr.LoadTimeMS,
	}
	if page.FinalURL == "" {
		page.FinalURL = pageURL
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rr.HTML))
	if err != nil {
		page.WordCount = len(strings.Fields(page.TextContent))
		return page
	}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		page.MetaDescription = strings.TrimSpace(desc)
	}
	if page.TextContent == "" {
		page.TextContent = strings.TrimSpace(doc.Find("body").Text())
	}
	page.WordCount = len(strings.Fields(page.TextContent))
	page.ImageCount = doc.Find("img").Length()
	page.LinkCount = doc.Find("a").Length()
	page.HasForm = doc.Find("form").Length() > 0

	return page
}

var (
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reComment    = regexp.MustCompile(`(?s)<!--.*?-->`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// SummarizeHTML strips scripts, styles and comments and truncates the
// document so it fits in the critique prompt.
func SummarizeHTML(html string, maxLength int) string {
	html = reScript.ReplaceAllString(html, "")
	html = reStyle.ReplaceAllString(html, "")
	html = reComment.ReplaceAllString(html, "")
	html = reWhitespace.ReplaceAllString(html, " ")
	html = strings.TrimSpace(html)
	if len(html) > maxLength {
		html = html[:maxLength] + "... [truncated]"
	}
	return html
}
