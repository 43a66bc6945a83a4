package app

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
	"github.com/altidigitech-ui/leak-detector/auth"
)

const maxWebhookBody = 64 * 1024

// Server bundles the handler dependencies behind the HTTP API.
type Server struct {
	store   *Store
	queue   JobQueue
	gateway *StripeGateway
	billing *BillingEngine
	metrics *Metrics
	cfg     *config.Config
}

func NewServer(store *Store, queue JobQueue, gateway *StripeGateway, billing *BillingEngine, metrics *Metrics, cfg *config.Config) *Server {
	return &Server{
		store:   store,
		queue:   queue,
		gateway: gateway,
		billing: billing,
		metrics: metrics,
		cfg:     cfg,
	}
}

func (s *Server) currentProfile(c *gin.Context) (models.Profile, bool) {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return models.Profile{}, false
	}
	profile, err := s.store.GetProfile(c.Request.Context(), claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "profile not found"})
		return models.Profile{}, false
	}
	if err != nil {
		s.internalError(c, err)
		return models.Profile{}, false
	}
	return profile, true
}

func (s *Server) internalError(c *gin.Context, err error) {
	log.WithFields(log.Fields{
		"path":  c.Request.URL.Path,
		"error": err,
	}).Error("request failed")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// ---- analyses ----

type createAnalysisRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) CreateAnalysis(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	var req createAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	target, err := validateTargetURL(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := CheckQuota(profile); err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) {
			s.metrics.QuotaRejected()
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error": qe.Error(),
				"plan":  qe.Plan,
				"used":  qe.Used,
				"limit": qe.Limit,
			})
			return
		}
		s.internalError(c, err)
		return
	}

	a, err := s.store.CreateAnalysis(c.Request.Context(), profile.ID, target)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if err := s.queue.EnqueueAnalysis(c.Request.Context(), models.AnalysisJob{
		AnalysisID: a.ID,
		UserID:     profile.ID,
	}); err != nil {
		// no quota was charged; the row stays pending and surfaces the
		// problem in the dashboard
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, a)
}

func (s *Server) GetAnalysis(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	a, err := s.store.GetAnalysisForUser(c.Request.Context(), c.Param("id"), profile.ID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) ListAnalyses(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	analyses, total, err := s.store.ListAnalyses(c.Request.Context(), profile.ID, limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"analyses": analyses,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// ---- reports ----

func (s *Server) GetReport(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	r, err := s.store.GetReport(c.Request.Context(), c.Param("id"), profile.ID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) GetReportByAnalysis(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	r, err := s.store.GetReportByAnalysis(c.Request.Context(), c.Param("id"), profile.ID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) ListReports(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	reports, total, err := s.store.ListReports(c.Request.Context(), profile.ID, limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// ---- account & billing ----

func (s *Server) GetMe(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, profile)
}

type checkoutRequest struct {
	PriceID string `json:"price_id" binding:"required"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_id is required"})
		return
	}

	result, err := s.gateway.StartCheckout(c.Request.Context(), profile, req.PriceID)
	if err != nil {
		var pce *PriceConfigError
		if errors.As(err, &pce) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown price"})
			return
		}
		if errors.Is(err, ErrAlreadySubscribed) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	url, err := s.gateway.PortalURL(c.Request.Context(), profile)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) GetBillingStatus(c *gin.Context) {
	profile, ok := s.currentProfile(c)
	if !ok {
		return
	}

	sub, err := s.store.GetActiveSubscription(c.Request.Context(), profile.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan":              profile.Plan,
		"analyses_used":     profile.AnalysesUsed,
		"analyses_limit":    profile.AnalysesLimit,
		"analyses_reset_at": profile.AnalysesResetAt,
		"subscription":      sub,
	})
}

// ---- webhooks ----

// StripeWebhook verifies the delivery signature and hands the event to
// the billing engine. Only a retryable failure maps to a non-2xx status.
func (s *Server) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		s.cfg.Stripe.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		log.WithField("error", err).Warn("webhook_signature_invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	switch s.billing.HandleEvent(c.Request.Context(), event) {
	case OutcomeRetry:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "retry"})
	case OutcomeDuplicate:
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ---- helpers ----

func pagination(c *gin.Context) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// validateTargetURL accepts only public http(s) URLs. Loopback, private
// and link-local targets are rejected so the renderer cannot be pointed
// at internal infrastructure.
func validateTargetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("url has no host")
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return "", errors.New("url points to an internal host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return "", errors.New("url points to a private address")
		}
	}
	if !strings.Contains(host, ".") && net.ParseIP(host) == nil {
		return "", errors.New("url host is not a public domain")
	}

	return u.String(), nil
}
