package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

type fakePipelineStore struct {
	analysis    models.Analysis
	analysisErr error
	profile     models.Profile
	reportErr   error

	calls    []string
	failCode string
	failMsg  string
}

func (f *fakePipelineStore) GetAnalysis(_ context.Context, _ string) (models.Analysis, error) {
	f.calls = append(f.calls, "get_analysis")
	return f.analysis, f.analysisErr
}

func (f *fakePipelineStore) GetProfile(_ context.Context, _ string) (models.Profile, error) {
	f.calls = append(f.calls, "get_profile")
	return f.profile, nil
}

func (f *fakePipelineStore) MarkAnalysisProcessing(_ context.Context, _ string) error {
	f.calls = append(f.calls, "mark_processing")
	return nil
}

func (f *fakePipelineStore) MarkAnalysisCompleted(_ context.Context, _ string) error {
	f.calls = append(f.calls, "mark_completed")
	return nil
}

func (f *fakePipelineStore) MarkAnalysisFailed(_ context.Context, _ string, code, msg string) error {
	f.calls = append(f.calls, "mark_failed")
	f.failCode = code
	f.failMsg = msg
	return nil
}

func (f *fakePipelineStore) CreateReport(_ context.Context, analysisID string, score int, summary string, categories []models.Category, screenshotURL string, meta *models.PageMetadata) (models.Report, error) {
	f.calls = append(f.calls, "create_report")
	if f.reportErr != nil {
		return models.Report{}, f.reportErr
	}
	return models.Report{ID: "report-1", AnalysisID: analysisID, Score: score, Summary: summary, Categories: categories}, nil
}

func (f *fakePipelineStore) ConsumeQuota(_ context.Context, _ string) error {
	f.calls = append(f.calls, "consume_quota")
	return nil
}

func (f *fakePipelineStore) called(name string) bool {
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

type fakeRenderer struct {
	page *models.ScrapedPage
	err  error
}

func (f *fakeRenderer) Render(_ context.Context, _ string) (*models.ScrapedPage, error) {
	return f.page, f.err
}

type fakeCritic struct {
	critique *Critique
	errs     []error
	callN    int
}

func (f *fakeCritic) Critique(_ context.Context, _ *models.ScrapedPage) (*Critique, error) {
	f.callN++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.critique, nil
}

func pendingAnalysis() models.Analysis {
	return models.Analysis{
		ID:     "analysis-1",
		UserID: "user-1",
		URL:    "https://example.com",
		Status: models.StatusPending,
	}
}

func testPage() *models.ScrapedPage {
	return &models.ScrapedPage{
		URL:        "https://example.com",
		FinalURL:   "https://example.com",
		Title:      "Example",
		HTML:       "<html><body>hi</body></html>",
		LoadTimeMS: 1200,
		WordCount:  40,
	}
}

func testCritique() *Critique {
	return &Critique{
		Score:   72,
		Summary: "Solid page with a weak call to action.",
		Categories: []models.Category{
			{
				Name:  "cta",
				Label: "Call to Action",
				Score: 60,
				Issues: []models.Issue{
					{
						Severity:       models.SeverityCritical,
						Title:          "CTA not visible",
						Description:    "d",
						Recommendation: "r",
					},
				},
			},
		},
	}
}

func newTestPipeline(store *fakePipelineStore, renderer Renderer, critic Critic) *Pipeline {
	p := NewPipeline(store, renderer, critic, nil, nil, nil, "https://app.example.com")
	p.retryBackoff = time.Millisecond
	return p
}

func TestPipelineSuccess(t *testing.T) {
	store := &fakePipelineStore{
		analysis: pendingAnalysis(),
		profile:  models.Profile{ID: "user-1", Email: "user@example.com"},
	}
	p := newTestPipeline(store, &fakeRenderer{page: testPage()}, &fakeCritic{critique: testCritique()})

	result, err := p.Run(context.Background(), "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ReportID != "report-1" || result.Score != 72 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// the charge must land after the report and before completion
	order := map[string]int{}
	for i, c := range store.calls {
		order[c] = i
	}
	if !(order["create_report"] < order["consume_quota"] && order["consume_quota"] < order["mark_completed"]) {
		t.Fatalf("wrong call order: %v", store.calls)
	}
}

func TestPipelineScrapeFailureIsTerminal(t *testing.T) {
	store := &fakePipelineStore{analysis: pendingAnalysis()}
	critic := &fakeCritic{critique: testCritique()}
	p := newTestPipeline(store, &fakeRenderer{err: &ScrapeError{Code: CodePageNotFound, Message: "page not found (404)"}}, critic)

	result, err := p.Run(context.Background(), "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ErrorCode != CodePageNotFound {
		t.Fatalf("expected %s, got %q", CodePageNotFound, result.ErrorCode)
	}
	if store.failCode != CodePageNotFound {
		t.Fatalf("expected terminal failure persisted, got %q", store.failCode)
	}
	if critic.callN != 0 {
		t.Fatalf("critic should not run after a scrape failure")
	}
	if store.called("consume_quota") {
		t.Fatalf("failed analysis must not be charged")
	}
}

func TestPipelineCritiqueRetriesOnce(t *testing.T) {
	store := &fakePipelineStore{
		analysis: pendingAnalysis(),
		profile:  models.Profile{ID: "user-1", Email: "user@example.com"},
	}
	critic := &fakeCritic{
		critique: testCritique(),
		errs:     []error{&AnalysisError{Message: "model API returned HTTP 529"}, nil},
	}
	p := newTestPipeline(store, &fakeRenderer{page: testPage()}, critic)

	result, err := p.Run(context.Background(), "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected retry to recover, got %+v", result)
	}
	if critic.callN != 2 {
		t.Fatalf("expected exactly 2 critique attempts, got %d", critic.callN)
	}
}

func TestPipelineCritiqueFailsAfterRetry(t *testing.T) {
	store := &fakePipelineStore{analysis: pendingAnalysis()}
	critic := &fakeCritic{
		errs: []error{
			&AnalysisError{Message: "bad json"},
			&AnalysisError{Message: "bad json again"},
		},
	}
	p := newTestPipeline(store, &fakeRenderer{page: testPage()}, critic)

	result, err := p.Run(context.Background(), "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ErrorCode != CodeAnalysisFailed {
		t.Fatalf("expected %s, got %q", CodeAnalysisFailed, result.ErrorCode)
	}
	if critic.callN != 2 {
		t.Fatalf("expected exactly 2 critique attempts, got %d", critic.callN)
	}
	if store.called("consume_quota") {
		t.Fatalf("failed analysis must not be charged")
	}
}

func TestPipelineMissingRecord(t *testing.T) {
	store := &fakePipelineStore{analysisErr: sql.ErrNoRows}
	p := newTestPipeline(store, &fakeRenderer{page: testPage()}, &fakeCritic{critique: testCritique()})

	result, err := p.Run(context.Background(), "analysis-gone")
	if err != nil {
		t.Fatalf("expected quiet abort, got %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if store.called("mark_processing") || store.called("mark_failed") {
		t.Fatalf("no state should change for a missing record: %v", store.calls)
	}
}

func TestPipelineTerminalRecordIsNoop(t *testing.T) {
	a := pendingAnalysis()
	a.Status = models.StatusCompleted
	store := &fakePipelineStore{analysis: a}
	renderer := &fakeRenderer{page: testPage()}
	p := newTestPipeline(store, renderer, &fakeCritic{critique: testCritique()})

	result, err := p.Run(context.Background(), "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected no-op result, got %+v", result)
	}
	if store.called("mark_processing") {
		t.Fatalf("terminal analysis must not be reprocessed: %v", store.calls)
	}
}

func TestPipelineInfraFailureSurfaces(t *testing.T) {
	store := &fakePipelineStore{
		analysis:  pendingAnalysis(),
		reportErr: errors.New("connection refused"),
	}
	p := newTestPipeline(store, &fakeRenderer{page: testPage()}, &fakeCritic{critique: testCritique()})

	_, err := p.Run(context.Background(), "analysis-1")
	if err == nil {
		t.Fatalf("expected infrastructure error to surface for redelivery")
	}
	if store.called("mark_failed") {
		t.Fatalf("infra trouble must not burn a terminal failure state")
	}
	if store.called("consume_quota") {
		t.Fatalf("no report, no charge")
	}
}

func TestPipelineTimeout(t *testing.T) {
	store := &fakePipelineStore{analysis: pendingAnalysis()}
	slowRenderer := &blockingRenderer{}
	p := newTestPipeline(store, slowRenderer, &fakeCritic{critique: testCritique()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := p.Run(ctx, "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ErrorCode != CodeTimeout {
		t.Fatalf("expected %s, got %q", CodeTimeout, result.ErrorCode)
	}
	if store.failCode != CodeTimeout {
		t.Fatalf("expected timeout persisted, got %q", store.failCode)
	}
}

func TestPipelineShutdownCancelKeepsJobAlive(t *testing.T) {
	store := &fakePipelineStore{analysis: pendingAnalysis()}
	p := newTestPipeline(store, &blockingRenderer{}, &fakeCritic{critique: testCritique()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, "analysis-1")
	if err == nil {
		t.Fatalf("cancellation must surface as an error so the message is redelivered")
	}
	if store.called("mark_failed") {
		t.Fatalf("an interrupted job must not be terminally failed: %v", store.calls)
	}
	if store.called("consume_quota") {
		t.Fatalf("an interrupted job must not be charged")
	}
}

func TestPipelineDeadlineBeatsScrapeTimeout(t *testing.T) {
	store := &fakePipelineStore{analysis: pendingAnalysis()}
	p := newTestPipeline(store, &deadlineScrapeRenderer{}, &fakeCritic{critique: testCritique()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := p.Run(ctx, "analysis-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the job deadline expired, so the failure is ours, not the page's
	if result.ErrorCode != CodeTimeout {
		t.Fatalf("expected %s, got %q", CodeTimeout, result.ErrorCode)
	}
	if store.failCode != CodeTimeout {
		t.Fatalf("expected %s persisted, got %q", CodeTimeout, store.failCode)
	}
}

type blockingRenderer struct{}

func (b *blockingRenderer) Render(ctx context.Context, _ string) (*models.ScrapedPage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// deadlineScrapeRenderer mimics the HTTP renderer client when the job
// deadline fires mid-request: the request error is wrapped as a page
// timeout even though the page never got a full chance to load.
type deadlineScrapeRenderer struct{}

func (d *deadlineScrapeRenderer) Render(ctx context.Context, _ string) (*models.ScrapedPage, error) {
	<-ctx.Done()
	return nil, &ScrapeError{Code: CodePageTimeout, Message: "page took too long to load"}
}
