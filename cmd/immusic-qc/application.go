package main

import (
	"context"
	"time"

	"github.com/spf13/viper"
	"github.com/tonipetergugic/immusic-sub001/internal/auth"
	"github.com/tonipetergugic/immusic-sub001/internal/config"
	"github.com/tonipetergugic/immusic-sub001/internal/database"
	"github.com/tonipetergugic/immusic-sub001/internal/feedback"
	"github.com/tonipetergugic/immusic-sub001/internal/logging"
	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/review"
	"github.com/tonipetergugic/immusic-sub001/internal/server"
	"github.com/tonipetergugic/immusic-sub001/internal/storage"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenIssuerName   = "immusic-auth"
	tokenAudienceName = "immusic-qc"
)

// application holds the wired services shared by the serve and process commands.
type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	tokens       *auth.TokenIssuer
	unlocks      *store.FeedbackStore
	feedback     *feedback.Builder
	orchestrator *review.Orchestrator
	events       *server.DecisionDispatcher
}

func newApplication(_ context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger, db: db}
	if err := app.wire(); err != nil {
		return nil, multierr.Append(err, app.Close())
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.config
	ids := store.NewUUIDProvider()
	base := store.Config{Database: a.db, Logger: a.logger}

	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		return err
	}
	queue, err := store.NewQueueStore(store.QueueConfig{Config: base, IDProvider: ids})
	if err != nil {
		return err
	}
	metrics, err := store.NewMetricsStore(base)
	if err != nil {
		return err
	}
	catalog, err := store.NewCatalogStore(base)
	if err != nil {
		return err
	}
	unlocks, err := store.NewFeedbackStore(store.FeedbackConfig{Config: base, IDProvider: ids})
	if err != nil {
		return err
	}

	ingest, err := storage.NewLocalArea("ingest", cfg.IngestRoot)
	if err != nil {
		return err
	}
	deliverables, err := storage.NewLocalArea("catalog", cfg.CatalogRoot)
	if err != nil {
		return err
	}

	prober := probe.NewProber(probe.Config{
		FFmpegPath:         cfg.FFmpegPath,
		FFprobePath:        cfg.FFprobePath,
		SilenceThresholdDB: cfg.SilenceThresholdDB,
		Logger:             a.logger.Named("probe"),
	})
	detector, err := review.NewDuplicateDetector(queue, catalog)
	if err != nil {
		return err
	}
	builder, err := feedback.NewBuilder(feedback.Config{
		Queue:   queue,
		Metrics: metrics,
		Unlocks: unlocks,
		Logger:  a.logger.Named("feedback"),
	})
	if err != nil {
		return err
	}
	worker, err := review.NewWorker(review.WorkerConfig{
		Queue:              queue,
		Metrics:            metrics,
		Catalog:            catalog,
		Ingest:             ingest,
		Deliverables:       deliverables,
		Analyzer:           prober,
		Duplicates:         detector,
		Codec:              review.NewCodecSimulator(prober, cfg.CodecPresets, a.logger.Named("codec")),
		Feedback:           builder,
		Policy:             cfg.Policy,
		Gates:              cfg.Gates,
		TempDir:            cfg.TempDir,
		CatalogBitrateKbps: cfg.CatalogBitrateKbps,
		IDProvider:         ids,
		Logger:             a.logger.Named("worker"),
	})
	if err != nil {
		return err
	}

	events := server.NewDecisionDispatcher()
	orchestrator, err := review.NewOrchestrator(review.OrchestratorConfig{
		Queue:         queue,
		Worker:        worker,
		Payloads:      unlocks,
		Publisher:     events,
		LeaseDuration: cfg.LeaseDuration,
		MaxAttempts:   cfg.MaxAttempts,
		Clock:         time.Now,
		Logger:        a.logger.Named("orchestrator"),
	})
	if err != nil {
		return err
	}

	a.tokens = tokens
	a.unlocks = unlocks
	a.feedback = builder
	a.orchestrator = orchestrator
	a.events = events
	return nil
}

// Close releases the database handle and flushes the logger.
func (a *application) Close() error {
	var combined error
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err != nil {
			combined = multierr.Append(combined, err)
		} else {
			combined = multierr.Append(combined, sqlDB.Close())
		}
	}
	_ = a.logger.Sync()
	return combined
}

func newTokenIssuer(cfg config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
		TokenTTL:      cfg.TokenTTL,
	})
}
