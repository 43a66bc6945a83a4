package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app"
	"github.com/altidigitech-ui/leak-detector/app/config"
	"github.com/altidigitech-ui/leak-detector/app/models"
)

const freeQuotaPeriod = 30 * 24 * time.Hour

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	app.InitLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := app.NewStore(app.MustOpenDB(cfg))
	queue, err := app.NewSQSQueue(ctx, cfg.QueueURL)
	if err != nil {
		log.Fatalf("initializing queue: %v", err)
	}

	var screenshots app.ScreenshotStore
	if cfg.Storage.ScreenshotBucket != "" {
		s3store, err := app.NewS3ScreenshotStore(ctx, cfg.Storage)
		if err != nil {
			log.Fatalf("initializing screenshot store: %v", err)
		}
		screenshots = s3store
	}

	registry := prometheus.NewRegistry()
	metrics := app.NewMetrics(registry)
	go serveMetrics(registry)

	pipeline := app.NewPipeline(
		store,
		app.NewHTTPRenderer(cfg.Renderer),
		app.NewAnthropicCritic(cfg.Anthropic),
		screenshots,
		app.NewBrevoMailer(cfg.Brevo),
		metrics,
		cfg.FrontendURL,
	)

	// Paid plans reset via billing webhooks; free plans roll over on a
	// daily sweep.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@daily", func() {
		n, err := store.ResetExpiredFreeQuotas(context.Background(), freeQuotaPeriod)
		if err != nil {
			log.WithError(err).Error("free_quota_sweep_failed")
			return
		}
		log.WithField("profiles_reset", n).Info("free_quota_sweep_completed")
	}); err != nil {
		log.Fatalf("scheduling quota sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	log.WithField("concurrency", cfg.Worker.Concurrency).Info("worker_started")
	runLoop(ctx, cfg, queue, pipeline)
	log.Info("worker_stopped")
}

// runLoop long-polls the queue and fans messages out over a fixed number
// of slots. The visibility timeout is the hard time limit: a worker that
// dies mid-job simply lets the message reappear.
func runLoop(ctx context.Context, cfg *config.Config, queue *app.SQSQueue, pipeline *app.Pipeline) {
	slots := make(chan struct{}, cfg.Worker.Concurrency)
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		msgs, err := queue.ReceiveJobs(ctx, int32(cfg.Worker.Concurrency), 20, int32(cfg.Worker.HardTimeLimit.Seconds()))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Error("queue_receive_failed")
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range msgs {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(msg types.Message) {
				defer wg.Done()
				defer func() { <-slots }()
				handleMessage(ctx, cfg, queue, pipeline, msg)
			}(msg)
		}
	}

	wg.Wait()
}

func handleMessage(ctx context.Context, cfg *config.Config, queue *app.SQSQueue, pipeline *app.Pipeline, msg types.Message) {
	var job models.AnalysisJob
	if msg.Body == nil || json.Unmarshal([]byte(*msg.Body), &job) != nil || job.AnalysisID == "" {
		log.Warn("dropping malformed queue message")
		deleteMessage(queue, msg)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, cfg.Worker.SoftTimeLimit)
	defer cancel()

	result, err := pipeline.Run(jobCtx, job.AnalysisID)
	if err != nil {
		// no terminal state was written; leave the message for redelivery
		if ctx.Err() != nil {
			log.WithField("analysis_id", job.AnalysisID).Info("job_interrupted_by_shutdown")
			return
		}
		log.WithFields(log.Fields{
			"analysis_id": job.AnalysisID,
			"error":       err,
		}).Error("pipeline_infra_failure")
		return
	}

	if result.Failed() {
		log.WithFields(log.Fields{
			"analysis_id": result.AnalysisID,
			"error_code":  result.ErrorCode,
		}).Warn("job_failed")
	} else {
		log.WithFields(log.Fields{
			"analysis_id": result.AnalysisID,
			"report_id":   result.ReportID,
		}).Info("job_completed")
	}
	deleteMessage(queue, msg)
}

func deleteMessage(queue *app.SQSQueue, msg types.Message) {
	if msg.ReceiptHandle == nil {
		return
	}
	// deletion runs on its own context so shutdown cannot strand a
	// finished job into redelivery
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.DeleteMessage(ctx, *msg.ReceiptHandle); err != nil {
		log.WithError(err).Error("queue_delete_failed")
	}
}

func serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":2112", mux); err != nil {
		log.WithError(err).Warn("metrics_listener_stopped")
	}
}
