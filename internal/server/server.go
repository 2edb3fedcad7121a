// Package server provides the application composition root.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/crawlkit/coordinator/internal/api"
	"github.com/crawlkit/coordinator/internal/clock/system"
	"github.com/crawlkit/coordinator/internal/config"
	"github.com/crawlkit/coordinator/internal/frontier"
	"github.com/crawlkit/coordinator/internal/id/uuid"
	"github.com/crawlkit/coordinator/internal/logging"
	memorypublisher "github.com/crawlkit/coordinator/internal/publisher/memory"
	pubsubpublisher "github.com/crawlkit/coordinator/internal/publisher/pubsub"
	memorystore "github.com/crawlkit/coordinator/internal/store/memory"
	postgresstore "github.com/crawlkit/coordinator/internal/store/postgres"
	"github.com/crawlkit/coordinator/internal/sweeper"
	"github.com/crawlkit/coordinator/internal/workqueue"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	sweeper      *sweeper.Sweeper
	store        workqueue.Store
	pubsubClient *gcppubsub.Client
	pubsubTopic  *pubsubpublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New("coordinator", cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies")

	clock := system.New()
	idGen := uuid.NewGenerator()

	if err := app.setupStore(ctx, clock, idGen); err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	frontierSvc := frontier.New(app.store, publisher, clock, frontier.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		MaxErrorLen: cfg.Queue.MaxErrorLen,
		BatchLimit:  cfg.Queue.BatchLimit,
		EventTopic:  cfg.Publisher.Topic,
	}, logger.Named("frontier"))

	app.sweeper = sweeper.New(frontierSvc, sweeper.Config{
		Interval: cfg.SweepInterval(),
		Timeout:  cfg.SweepTimeout(),
	}, logger.Named("sweeper"))

	app.apiServer = api.NewServer(frontierSvc, app.store, *cfg, logger.Named("api"))
	return app, nil
}

func (a *App) setupStore(ctx context.Context, clock workqueue.Clock, idGen workqueue.IDGenerator) error {
	switch a.cfg.Store.Backend {
	case "postgres":
		a.logger.Info("using postgres store backend")
		store, err := postgresstore.NewWorkStore(ctx, postgresstore.Config{
			DSN:             a.cfg.Store.Postgres.DSN,
			Table:           a.cfg.Store.Postgres.Table,
			MaxConns:        a.cfg.Store.Postgres.MaxConns,
			MinConns:        a.cfg.Store.Postgres.MinConns,
			MaxConnLifetime: a.cfg.PostgresConnLifetime(),
		}, clock, idGen)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		if a.cfg.Store.Postgres.Migrate {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		a.store = store
	default:
		a.logger.Info("using in-memory store backend")
		a.store = memorystore.NewWorkStore(clock, idGen)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (workqueue.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		a.logger.Info("using pubsub publisher",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		client, err := gcppubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubTopic = pubsubpublisher.New(client.Topic(a.cfg.Publisher.Topic))
		return a.pubsubTopic, nil
	case "none":
		a.logger.Info("event publishing disabled")
		return nil, nil
	default:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	}
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close()
}

// Close gracefully shuts down the application's resources.
func (a *App) Close() error {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr sync fails on some platforms.
		_ = err
	}
	return nil
}
