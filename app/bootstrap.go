package app

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/auth"
)

// InitLogging configures the process-wide logger from config.
func InitLogging(cfg *config.Config) {
	if cfg.Logs.Style == "json" || cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Logs.Level); err == nil {
		log.SetLevel(lvl)
	}
}

// BuildAPI assembles the full HTTP API from config. Shared by the
// standalone server and the Lambda entrypoint.
func BuildAPI(ctx context.Context) (*gin.Engine, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	InitLogging(cfg)

	store := NewStore(MustOpenDB(cfg))

	queue, err := NewSQSQueue(ctx, cfg.QueueURL)
	if err != nil {
		return nil, nil, err
	}
	cache, err := NewEventCache(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	mailer := NewBrevoMailer(cfg.Brevo)
	gateway := NewStripeGateway(store, cfg)
	billing := NewBillingEngine(store, cache, gateway, mailer, metrics, cfg)
	server := NewServer(store, queue, gateway, billing, metrics, cfg)

	verifier, err := auth.NewVerifierFromEnv()
	if err != nil {
		if cfg.IsProduction() {
			return nil, nil, err
		}
		log.WithError(err).Warn("auth verifier not configured; running with auth disabled")
		verifier = nil
	}

	return NewRouter(server, verifier, registry), cfg, nil
}
