package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
)

// Store is the single data-access layer. All mutations are single-row
// atomic statements keyed by profile/analysis/subscription id; cross-entity
// consistency is enforced by caller program order, not transactions.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// MustOpenDB connects to Postgres from config and fails fast on error.
func MustOpenDB(cfg *config.Config) *sql.DB {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		cfg.DB.Username,
		cfg.DB.Password,
		cfg.DB.URL,
		cfg.DB.Port,
		cfg.DB.Database,
	)

	d, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("sql.Open: %v", err)
	}
	if err := d.Ping(); err != nil {
		log.Fatalf("db.Ping: %v", err)
	}

	log.Info("connected to Postgres")
	return d
}

// ---- profiles ----

const profileColumns = `id, email, COALESCE(full_name, ''), plan, analyses_used, analyses_limit, analyses_reset_at, COALESCE(stripe_customer_id, '')`

func scanProfile(row *sql.Row) (models.Profile, error) {
	var p models.Profile
	var resetAt sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.Plan,
		&p.AnalysesUsed,
		&p.AnalysesLimit,
		&resetAt,
		&p.StripeCustomerID,
	)
	if err != nil {
		return models.Profile{}, err
	}
	if resetAt.Valid {
		p.AnalysesResetAt = &resetAt.Time
	}
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE id = $1;
	`, userID)
	return scanProfile(row)
}

func (s *Store) GetProfileByStripeCustomer(ctx context.Context, customerID string) (models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE stripe_customer_id = $1;
	`, customerID)
	return scanProfile(row)
}

// InsertProfileIfMissing creates a free-plan profile row on first login.
func (s *Store) InsertProfileIfMissing(ctx context.Context, userID, email, fullName string, freeLimit int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, full_name, plan, analyses_used, analyses_limit)
		VALUES ($1, $2, NULLIF($3, ''), $4, 0, $5)
		ON CONFLICT (id) DO NOTHING;
	`, userID, email, fullName, models.PlanFree, freeLimit)
	return err
}

func (s *Store) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET stripe_customer_id = $1
		WHERE id = $2;
	`, customerID, userID)
	return err
}

// ApplyPlan sets plan and limit without touching usage counters. Used for
// subscription.updated deliveries where the plan did not actually change.
func (s *Store) ApplyPlan(ctx context.Context, userID string, plan models.Plan, limit int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET plan = $1, analyses_limit = $2
		WHERE id = $3;
	`, plan, limit, userID)
	return err
}

// ApplyPlanWithReset sets the plan and starts a fresh usage period.
func (s *Store) ApplyPlanWithReset(ctx context.Context, userID string, plan models.Plan, limit int, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET plan = $1, analyses_limit = $2, analyses_used = 0, analyses_reset_at = $3
		WHERE id = $4;
	`, plan, limit, resetAt, userID)
	return err
}

// ConsumeQuota charges one analysis against the user's period. This is a
// single atomic increment, not read-modify-write: two analyses for one
// user can complete concurrently.
func (s *Store) ConsumeQuota(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET analyses_used = analyses_used + 1
		WHERE id = $1;
	`, userID)
	return err
}

// ResetQuota zeroes usage; resetAt, when non-nil, marks the new period end.
func (s *Store) ResetQuota(ctx context.Context, userID string, resetAt *time.Time) error {
	if resetAt != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE profiles
			SET analyses_used = 0, analyses_reset_at = $1
			WHERE id = $2;
		`, *resetAt, userID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET analyses_used = 0
		WHERE id = $1;
	`, userID)
	return err
}

// ResetExpiredFreeQuotas rolls free-plan profiles whose period has lapsed
// into a new period. Paid plans reset via payment-succeeded webhooks.
func (s *Store) ResetExpiredFreeQuotas(ctx context.Context, period time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET analyses_used = 0, analyses_reset_at = now() + $1::interval
		WHERE plan = $2
		  AND (analyses_reset_at IS NULL OR analyses_reset_at < now());
	`, fmt.Sprintf("%d seconds", int(period.Seconds())), models.PlanFree)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- analyses ----

const analysisColumns = `id, user_id, url, status, COALESCE(error_code, ''), COALESCE(error_message, ''), created_at, started_at, completed_at`

func scanAnalysis(scan func(dest ...any) error) (models.Analysis, error) {
	var a models.Analysis
	var startedAt, completedAt sql.NullTime
	err := scan(
		&a.ID,
		&a.UserID,
		&a.URL,
		&a.Status,
		&a.ErrorCode,
		&a.ErrorMessage,
		&a.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return models.Analysis{}, err
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

func (s *Store) CreateAnalysis(ctx context.Context, userID, url string) (models.Analysis, error) {
	id := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO analyses (id, user_id, url, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+analysisColumns+`;
	`, id, userID, url, models.StatusPending)
	return scanAnalysis(row.Scan)
}

func (s *Store) GetAnalysis(ctx context.Context, analysisID string) (models.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE id = $1;
	`, analysisID)
	return scanAnalysis(row.Scan)
}

func (s *Store) GetAnalysisForUser(ctx context.Context, analysisID, userID string) (models.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE id = $1 AND user_id = $2;
	`, analysisID, userID)
	return scanAnalysis(row.Scan)
}

func (s *Store) ListAnalyses(ctx context.Context, userID string, limit, offset int) ([]models.Analysis, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM analyses WHERE user_id = $1;
	`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// MarkAnalysisProcessing transitions pending -> processing and stamps the
// start time. Terminal rows are left untouched.
func (s *Store) MarkAnalysisProcessing(ctx context.Context, analysisID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analyses
		SET status = $1, started_at = now()
		WHERE id = $2 AND status NOT IN ($3, $4);
	`, models.StatusProcessing, analysisID, models.StatusCompleted, models.StatusFailed)
	return err
}

func (s *Store) MarkAnalysisCompleted(ctx context.Context, analysisID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analyses
		SET status = $1, completed_at = now()
		WHERE id = $2 AND status NOT IN ($1, $3);
	`, models.StatusCompleted, analysisID, models.StatusFailed)
	return err
}

func (s *Store) MarkAnalysisFailed(ctx context.Context, analysisID, errorCode, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analyses
		SET status = $1, error_code = $2, error_message = $3, completed_at = now()
		WHERE id = $4 AND status NOT IN ($1, $5);
	`, models.StatusFailed, errorCode, errorMessage, analysisID, models.StatusCompleted)
	return err
}

// ---- reports ----

// CreateReport persists the report for a completed analysis. The unique
// index on analysis_id makes a redelivered completion a no-op: on conflict
// the existing report is returned instead of a second one being created.
func (s *Store) CreateReport(ctx context.Context, analysisID string, score int, summary string, categories []models.Category, screenshotURL string, meta *models.PageMetadata) (models.Report, error) {
	catJSON, err := json.Marshal(categories)
	if err != nil {
		return models.Report{}, err
	}
	metaJSON := []byte("{}")
	if meta != nil {
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return models.Report{}, err
		}
	}

	id := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (id, analysis_id, score, summary, categories, screenshot_url, page_metadata)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (analysis_id) DO NOTHING
		RETURNING id, created_at;
	`, id, analysisID, score, summary, catJSON, screenshotURL, metaJSON)

	report := models.Report{
		ID:            id,
		AnalysisID:    analysisID,
		Score:         score,
		Summary:       summary,
		Categories:    categories,
		ScreenshotURL: screenshotURL,
		PageMetadata:  meta,
	}
	if err := row.Scan(&report.ID, &report.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			// Conflict: a report already exists for this analysis.
			return s.getReportByAnalysisID(ctx, analysisID)
		}
		return models.Report{}, err
	}
	return report, nil
}

const reportColumns = `r.id, r.analysis_id, r.score, r.summary, r.categories, COALESCE(r.screenshot_url, ''), r.page_metadata, r.created_at, a.url`

func scanReport(scan func(dest ...any) error) (models.Report, error) {
	var r models.Report
	var catJSON, metaJSON []byte
	err := scan(
		&r.ID,
		&r.AnalysisID,
		&r.Score,
		&r.Summary,
		&catJSON,
		&r.ScreenshotURL,
		&metaJSON,
		&r.CreatedAt,
		&r.URL,
	)
	if err != nil {
		return models.Report{}, err
	}
	if err := json.Unmarshal(catJSON, &r.Categories); err != nil {
		return models.Report{}, fmt.Errorf("decode report categories: %w", err)
	}
	if len(metaJSON) > 0 && string(metaJSON) != "{}" {
		var meta models.PageMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return models.Report{}, fmt.Errorf("decode report metadata: %w", err)
		}
		r.PageMetadata = &meta
	}
	return r, nil
}

func (s *Store) getReportByAnalysisID(ctx context.Context, analysisID string) (models.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		JOIN analyses a ON a.id = r.analysis_id
		WHERE r.analysis_id = $1;
	`, analysisID)
	return scanReport(row.Scan)
}

func (s *Store) GetReport(ctx context.Context, reportID, userID string) (models.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		JOIN analyses a ON a.id = r.analysis_id
		WHERE r.id = $1 AND a.user_id = $2;
	`, reportID, userID)
	return scanReport(row.Scan)
}

func (s *Store) GetReportByAnalysis(ctx context.Context, analysisID, userID string) (models.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		JOIN analyses a ON a.id = r.analysis_id
		WHERE r.analysis_id = $1 AND a.user_id = $2;
	`, analysisID, userID)
	return scanReport(row.Scan)
}

func (s *Store) ListReports(ctx context.Context, userID string, limit, offset int) ([]models.Report, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		JOIN analyses a ON a.id = r.analysis_id
		WHERE a.user_id = $1
		ORDER BY r.created_at DESC
		LIMIT $2 OFFSET $3;
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Report
	for rows.Next() {
		r, err := scanReport(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM reports r
		JOIN analyses a ON a.id = r.analysis_id
		WHERE a.user_id = $1;
	`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ---- subscriptions ----

func (s *Store) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	var cancelAt sql.NullTime
	if sub.CancelAt != nil {
		cancelAt = sql.NullTime{Time: *sub.CancelAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (stripe_subscription_id, user_id, stripe_price_id, status, current_period_start, current_period_end, cancel_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_subscription_id) DO UPDATE
		SET stripe_price_id = EXCLUDED.stripe_price_id,
		    status = EXCLUDED.status,
		    current_period_start = EXCLUDED.current_period_start,
		    current_period_end = EXCLUDED.current_period_end,
		    cancel_at = EXCLUDED.cancel_at;
	`, sub.StripeSubscriptionID, sub.UserID, sub.StripePriceID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, cancelAt)
	return err
}

// GetActiveSubscription returns the user's active/trialing subscription, or
// nil when there is none.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stripe_subscription_id, user_id, stripe_price_id, status, current_period_start, current_period_end, cancel_at
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trialing')
		ORDER BY current_period_end DESC
		LIMIT 1;
	`, userID)

	var sub models.Subscription
	var cancelAt sql.NullTime
	err := row.Scan(
		&sub.StripeSubscriptionID,
		&sub.UserID,
		&sub.StripePriceID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&cancelAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cancelAt.Valid {
		sub.CancelAt = &cancelAt.Time
	}
	return &sub, nil
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1
		WHERE stripe_subscription_id = $2;
	`, status, stripeSubscriptionID)
	return err
}
