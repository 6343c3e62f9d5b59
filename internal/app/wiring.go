// Package app assembles the components shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"guestpost-automation/internal/config"
	"guestpost-automation/internal/converter"
	"guestpost-automation/internal/creator"
	"guestpost-automation/internal/imagegen"
	"guestpost-automation/internal/media"
	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/store"
	"guestpost-automation/internal/wordpress"
)

// OpenStore applies pending migrations and connects the pool.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*store.Store, error) {
	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN, int32(cfg.DBMaxConns))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("store.ready", zap.Int("max_conns", cfg.DBMaxConns))
	return st, nil
}

// Pipeline builds the orchestrator and its HTTP collaborators from cfg.
// Collaborators without configuration fail their stage permanently when used.
func Pipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pipeline.Orchestrator, error) {
	archiver, err := media.NewArchiver(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("asset archiver: %w", err)
	}
	deps := pipeline.Deps{
		Converter: converter.New(cfg.ConverterEndpoint, cfg.RequestTimeout),
		Images: imagegen.New(imagegen.Options{
			APIKey:         cfg.LeonardoAPIKey,
			BaseURL:        cfg.LeonardoBaseURL,
			ModelID:        cfg.LeonardoModelID,
			RequestTimeout: cfg.RequestTimeout,
			PollInterval:   cfg.ImagePollInterval,
			PollTimeout:    cfg.ImagePollTimeout,
		}, logger.Named("imagegen")),
		Creator:    creator.New(cfg.CreatorEndpoint, cfg.CreatorTimeout),
		Fetcher:    media.NewFetcher(cfg.RequestTimeout, cfg.ImageMaxBytes),
		Shrinker:   media.NewResizer(),
		Archiver:   archiver,
		Publishers: wordpress.NewFactory(cfg.RequestTimeout),
	}
	logger.Info("pipeline.configured",
		zap.Bool("converter", cfg.ConverterEndpoint != ""),
		zap.Bool("image_generator", cfg.LeonardoAPIKey != ""),
		zap.Bool("creator", cfg.CreatorEndpoint != ""),
		zap.Bool("archive", archiver != nil),
	)
	return pipeline.New(deps, pipeline.Options{
		ImageWidth:  cfg.ImageWidth,
		ImageHeight: cfg.ImageHeight,
	}, logger.Named("pipeline")), nil
}
