package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/models"
)

// PipelineStore is the slice of the data layer the pipeline needs.
type PipelineStore interface {
	GetAnalysis(ctx context.Context, analysisID string) (models.Analysis, error)
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	MarkAnalysisProcessing(ctx context.Context, analysisID string) error
	MarkAnalysisCompleted(ctx context.Context, analysisID string) error
	MarkAnalysisFailed(ctx context.Context, analysisID, errorCode, errorMessage string) error
	CreateReport(ctx context.Context, analysisID string, score int, summary string, categories []models.Category, screenshotURL string, meta *models.PageMetadata) (models.Report, error)
	ConsumeQuota(ctx context.Context, userID string) error
}

// Pipeline runs one analysis end to end: scrape, screenshot, critique,
// report, quota charge, completion. Quota is charged only after the report
// exists; a failure at any earlier step costs the user nothing.
type Pipeline struct {
	store       PipelineStore
	renderer    Renderer
	critic      Critic
	screenshots ScreenshotStore
	mailer      Mailer
	metrics     *Metrics
	frontendURL string

	// wait before the single critique retry; shortened in tests
	retryBackoff time.Duration
}

func NewPipeline(store PipelineStore, renderer Renderer, critic Critic, screenshots ScreenshotStore, mailer Mailer, metrics *Metrics, frontendURL string) *Pipeline {
	return &Pipeline{
		store:        store,
		renderer:     renderer,
		critic:       critic,
		screenshots:  screenshots,
		mailer:       mailer,
		metrics:      metrics,
		frontendURL:  frontendURL,
		retryBackoff: 5 * time.Second,
	}
}

// Run executes the pipeline for one queued analysis. A returned error means
// infrastructure trouble before any terminal state was written; the caller
// should let the queue redeliver. A TaskResult with an error code is a
// terminal, already-persisted failure and must NOT be redelivered.
func (p *Pipeline) Run(ctx context.Context, analysisID string) (models.TaskResult, error) {
	logger := log.WithField("analysis_id", analysisID)

	a, err := p.store.GetAnalysis(ctx, analysisID)
	if errors.Is(err, sql.ErrNoRows) {
		// The record was deleted between enqueue and pickup. Nothing to
		// update, nothing to charge.
		logger.Warn("analysis_record_missing")
		return models.TaskResult{AnalysisID: analysisID}, nil
	}
	if err != nil {
		return models.TaskResult{}, err
	}
	if a.Status.Terminal() {
		logger.WithField("status", a.Status).Info("analysis_already_terminal")
		return models.TaskResult{AnalysisID: analysisID}, nil
	}

	if err := p.store.MarkAnalysisProcessing(ctx, analysisID); err != nil {
		return models.TaskResult{}, err
	}
	logger.WithField("url", a.URL).Info("analysis_started")

	page, err := p.renderer.Render(ctx, a.URL)
	if err != nil {
		// The deadline check comes first: a render cut short by the job
		// deadline may surface as a scrape error, but the page is not to
		// blame for our time limit.
		if deadlineExpired(ctx) {
			return p.fail(ctx, logger, analysisID, CodeTimeout, "analysis exceeded the time limit")
		}
		if ctx.Err() != nil {
			// shutdown, not a time limit; leave the record for redelivery
			return models.TaskResult{}, ctx.Err()
		}
		var se *ScrapeError
		if errors.As(err, &se) {
			return p.fail(ctx, logger, analysisID, se.Code, se.Message)
		}
		return p.fail(ctx, logger, analysisID, CodeScrapingError, err.Error())
	}

	screenshotURL := p.uploadScreenshot(ctx, logger, analysisID, page.Screenshot)

	critique, err := p.critiqueWithRetry(ctx, logger, page)
	if err != nil {
		if deadlineExpired(ctx) {
			return p.fail(ctx, logger, analysisID, CodeTimeout, "analysis exceeded the time limit")
		}
		if ctx.Err() != nil {
			return models.TaskResult{}, ctx.Err()
		}
		return p.fail(ctx, logger, analysisID, CodeAnalysisFailed, err.Error())
	}

	meta := &models.PageMetadata{
		Title:      page.Title,
		LoadTimeMS: page.LoadTimeMS,
		WordCount:  page.WordCount,
		ImageCount: page.ImageCount,
	}
	report, err := p.store.CreateReport(ctx, analysisID, critique.Score, critique.Summary, critique.Categories, screenshotURL, meta)
	if err != nil {
		return models.TaskResult{}, err
	}

	// Charge only now, with the report safely persisted. The increment is
	// atomic, so a crash after it at worst leaves status=processing with
	// the charge taken; the completion mark below is idempotent on retry.
	if err := p.store.ConsumeQuota(ctx, a.UserID); err != nil {
		return models.TaskResult{}, err
	}
	if err := p.store.MarkAnalysisCompleted(ctx, analysisID); err != nil {
		return models.TaskResult{}, err
	}

	p.metrics.AnalysisCompleted()
	logger.WithFields(log.Fields{
		"report_id": report.ID,
		"score":     report.Score,
	}).Info("analysis_pipeline_completed")

	p.notifyCompletion(ctx, logger, a.UserID, report)

	return models.TaskResult{
		AnalysisID: analysisID,
		ReportID:   report.ID,
		Score:      report.Score,
	}, nil
}

// critiqueWithRetry calls the critic and retries exactly once after a
// short backoff. Scrape problems never reach here; only model-side
// failures are worth a second attempt.
func (p *Pipeline) critiqueWithRetry(ctx context.Context, logger *log.Entry, page *models.ScrapedPage) (*Critique, error) {
	critique, err := p.critic.Critique(ctx, page)
	if err == nil {
		return critique, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	logger.WithError(err).Warn("critique_retrying")

	select {
	case <-time.After(p.retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.critic.Critique(ctx, page)
}

// uploadScreenshot is best-effort. A missing screenshot degrades the
// report, it never fails the analysis.
func (p *Pipeline) uploadScreenshot(ctx context.Context, logger *log.Entry, analysisID string, png []byte) string {
	if p.screenshots == nil || len(png) == 0 {
		return ""
	}
	url, err := p.screenshots.Upload(ctx, analysisID, png)
	if err != nil {
		logger.WithError(err).Warn("screenshot_upload_failed")
		return ""
	}
	return url
}

// deadlineExpired reports whether ctx ended because its deadline passed.
// A context cancelled by worker shutdown is not a timeout: the analysis
// was interrupted, not slow, and must stay eligible for redelivery.
func deadlineExpired(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), context.DeadlineExceeded)
}

// fail writes the terminal failure. When the job context is already dead
// the write happens on a fresh context so the state change still lands.
func (p *Pipeline) fail(ctx context.Context, logger *log.Entry, analysisID, code, message string) (models.TaskResult, error) {
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := p.store.MarkAnalysisFailed(writeCtx, analysisID, code, message); err != nil {
		return models.TaskResult{}, err
	}

	p.metrics.AnalysisFailed(code)
	logger.WithFields(log.Fields{
		"error_code":    code,
		"error_message": message,
	}).Warn("analysis_pipeline_failed")

	return models.TaskResult{
		AnalysisID:   analysisID,
		ErrorCode:    code,
		ErrorMessage: message,
	}, nil
}

func (p *Pipeline) notifyCompletion(ctx context.Context, logger *log.Entry, userID string, report models.Report) {
	if p.mailer == nil {
		return
	}
	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		logger.WithError(err).Warn("completion_email_profile_lookup_failed")
		return
	}
	reportURL := p.frontendURL + "/reports/" + report.ID
	if err := p.mailer.SendAnalysisComplete(ctx, profile.Email, profile.FullName, report.Score, reportURL); err != nil {
		logger.WithError(err).Warn("completion_email_failed")
	}
}
