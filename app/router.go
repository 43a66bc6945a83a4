package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altidigitech-ui/leak-detector/auth"
)

// NewRouter wires the HTTP API. The Stripe webhook and the health check
// are the only unauthenticated routes; everything else requires a bearer
// token.
func NewRouter(s *Server, verifier *auth.Verifier, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{s.cfg.FrontendURL}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	corsCfg.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// webhook deliveries authenticate by signature, not bearer token
	router.POST("/api/v1/webhooks/stripe", s.StripeWebhook)

	api := router.Group("/api/v1")
	api.Use(auth.Middleware(verifier, auth.MiddlewareConfig{
		DisableAuth: !s.cfg.IsProduction() && verifier == nil,
		OnAuthenticated: func(ctx context.Context, claims *auth.Claims) error {
			return s.store.InsertProfileIfMissing(ctx, claims.Subject, claims.Email, claims.FullName, s.cfg.Quota.Free)
		},
	}))
	{
		api.GET("/me", s.GetMe)

		api.POST("/analyses", s.CreateAnalysis)
		api.GET("/analyses", s.ListAnalyses)
		api.GET("/analyses/:id", s.GetAnalysis)
		api.GET("/analyses/:id/report", s.GetReportByAnalysis)

		api.GET("/reports", s.ListReports)
		api.GET("/reports/:id", s.GetReport)

		api.POST("/billing/checkout", s.CreateCheckout)
		api.POST("/billing/portal", s.CreatePortalSession)
		api.GET("/billing/status", s.GetBillingStatus)
	}

	return router
}
