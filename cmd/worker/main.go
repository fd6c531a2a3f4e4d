// The worker consumes statement-processing jobs from NATS and drives each
// through the extraction pipeline.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"

	"github.com/finwell/statement-pipeline/internal/config"
	"github.com/finwell/statement-pipeline/internal/extraction"
	"github.com/finwell/statement-pipeline/internal/fetch"
	"github.com/finwell/statement-pipeline/internal/logger"
	"github.com/finwell/statement-pipeline/internal/metrics"
	"github.com/finwell/statement-pipeline/internal/pipeline"
	"github.com/finwell/statement-pipeline/internal/queue"
	"github.com/finwell/statement-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New("statement-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	gcs, err := storage.NewClient(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("connect object storage")
	}
	defer gcs.Close()
	fetcher := fetch.New(fetch.GCSSigner(gcs, cfg.StorageBucket, cfg.SignedURLTTL), log)

	client, err := extraction.NewClient(cfg.ExtractionURL, cfg.ExtractionAPIKey, cfg.ExtractionTimeout, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build extraction client")
	}
	router := extraction.NewRouter(client, extraction.DefaultServiceRetryConfig, log)

	m := metrics.NewWorker()
	coord := pipeline.NewCoordinator(st, fetcher, router, m, pipeline.Config{
		JobBudget:         cfg.JobBudget,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxUploadAttempts: cfg.MaxUploadAttempts,
	}, log)

	q, err := queue.Connect(cfg.NATSURL, cfg.NATSSubject, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer q.Close()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux(m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	log.Info().Str("subject", cfg.NATSSubject).Msg("worker started")

	// Subscribe returns only after its drain completes, so no handler can
	// start once it does and the Add below never races the Wait.
	var wg sync.WaitGroup
	err = q.Subscribe(ctx, func(ctx context.Context, msg queue.JobMessage) {
		if ctx.Err() != nil {
			return
		}
		wg.Add(1)
		defer wg.Done()
		status, err := coord.Run(ctx, msg.JobID)
		if err != nil {
			log.Error().Err(err).Str("job_id", msg.JobID).Msg("job run failed")
			return
		}
		log.Info().Str("job_id", msg.JobID).Str("status", string(status)).Msg("job finished")
	})
	if err != nil {
		log.Error().Err(err).Msg("subscription ended")
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("worker stopped")
}

func metricsMux(m *metrics.Worker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
