// Package server wires the redirection service together and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lewisedginton/telefeed/internal/access"
	"github.com/lewisedginton/telefeed/internal/api"
	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/chat/memory"
	"github.com/lewisedginton/telefeed/internal/chat/mtproto"
	appconfig "github.com/lewisedginton/telefeed/internal/config"
	"github.com/lewisedginton/telefeed/internal/connection"
	"github.com/lewisedginton/telefeed/internal/connectors/telegram"
	"github.com/lewisedginton/telefeed/internal/middleware"
	"github.com/lewisedginton/telefeed/internal/monitoring"
	"github.com/lewisedginton/telefeed/internal/persistence"
	"github.com/lewisedginton/telefeed/internal/redirection"
	"github.com/lewisedginton/telefeed/internal/restorer"
	"github.com/lewisedginton/telefeed/internal/rule_manager"
	"github.com/lewisedginton/telefeed/internal/session_manager"
	"github.com/lewisedginton/telefeed/internal/storage_manager"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/health/checkers"
	"github.com/lewisedginton/telefeed/pkg/httpmiddleware"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
	"github.com/lewisedginton/telefeed/pkg/utils"
)

const (
	storeFile       = "telefeed.json"
	shutdownTimeout = 10 * time.Second
)

// Options are build-time settings that do not come from configuration.
type Options struct {
	Version string
	// Dialer overrides the chat backend selected by configuration.
	Dialer chat.Dialer
}

// Server encapsulates all the service components and lifecycle management
type Server struct {
	cfg  *appconfig.AppConfig
	log  logger.Logger
	opts Options

	metrics  *metrics.Metrics
	store    store.Store
	dialer   chat.Dialer
	sessions *session_manager.Manager
	engine   *redirection.Engine
	rules    *rule_manager.Manager
	flow     *connection.Flow
	restorer *restorer.Restorer
	bot      *telegram.Connector
	health   *monitoring.HealthMonitor
	api      *api.Server

	healthServer *http.Server
	closeOnce    sync.Once
}

// New creates a new Server instance with all components initialized
//
//nolint:revive // cognitive-complexity: Server initialization requires sequential component setup
func New(ctx context.Context, cfg *appconfig.AppConfig, log logger.Logger, opts Options) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     log,
		opts:    opts,
		metrics: metrics.NewMetrics(cfg.Metrics.HTTP, log),
	}

	var err error
	s.store, err = s.createStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := s.createCore(); err != nil {
		_ = s.store.Close()
		return nil, err
	}

	if cfg.Telegram.Enabled() {
		if err := s.createBot(); err != nil {
			s.close()
			return nil, err
		}
	}

	s.health = monitoring.NewHealthMonitor(monitoring.Config{
		Logger:           log,
		Version:          opts.Version,
		Store:            s.store,
		Bot:              s.botReadier(),
		Stats:            s.stats,
		FailureThreshold: cfg.Health.FailureThreshold,
	})

	if cfg.API.Enabled {
		s.api = api.NewServer(cfg.API, s.apiHandler().Router(), log)
	}

	return s, nil
}

func newDialer(cfg appconfig.TelegramConfig, log logger.Logger) (chat.Dialer, error) {
	switch cfg.Backend {
	case appconfig.ChatBackendMTProto:
		return mtproto.NewDialer(mtproto.Config{
			AppID:   cfg.APIID,
			AppHash: cfg.APIHash,
			Logger:  log.WithFields(logger.StringField("component", "mtproto")),
		})
	default:
		return memory.NewNetwork(), nil
	}
}

// createCore builds the session, rule, listener and sign-in components.
func (s *Server) createCore() error {
	cfg := s.cfg
	timeout := cfg.Redirection.Timeout()

	var err error
	s.dialer = s.opts.Dialer
	if s.dialer == nil {
		s.dialer, err = newDialer(cfg.Telegram, s.log)
		if err != nil {
			return err
		}
	}

	s.sessions, err = session_manager.New(session_manager.Config{
		Store:            s.store,
		Dialer:           s.dialer,
		Logger:           s.log,
		Metrics:          s.metrics.Forwarding,
		OperationTimeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	s.engine, err = redirection.New(redirection.Config{
		Sessions:         s.sessions,
		Rules:            s.store,
		Logger:           s.log,
		Metrics:          s.metrics.Forwarding,
		OperationTimeout: timeout,
		QueueSize:        cfg.Redirection.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create redirection engine: %w", err)
	}
	s.sessions.OnEvict(s.engine.RemoveSession)

	s.rules, err = rule_manager.New(rule_manager.Config{
		Store:      s.store,
		Authorizer: s.authorizer(),
		Logger:     s.log,
		Listeners:  s.engine,
	})
	if err != nil {
		return fmt.Errorf("failed to create rule manager: %w", err)
	}

	s.flow, err = connection.New(connection.Config{
		Dialer:           s.dialer,
		Sessions:         s.sessions,
		Listeners:        s.engine,
		Logger:           s.log,
		OperationTimeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection flow: %w", err)
	}

	grace := cfg.Redirection.RestoreGracePeriod
	if grace == 0 {
		grace = -1
	}
	s.restorer, err = restorer.New(restorer.Config{
		Sessions:    s.sessions,
		Rules:       s.store,
		Listeners:   s.engine,
		Logger:      s.log,
		Metrics:     s.metrics.Forwarding,
		GracePeriod: grace,
	})
	if err != nil {
		return fmt.Errorf("failed to create restorer: %w", err)
	}
	return nil
}

func (s *Server) createBot() error {
	router, err := telegram.NewRouter(telegram.RouterConfig{
		Connections: s.flow,
		Rules:       s.rules,
		Sessions:    s.sessions,
		Logger:      s.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create command router: %w", err)
	}

	s.bot, err = telegram.NewConnector(telegram.Config{
		BotToken: s.cfg.Telegram.BotToken,
		Debug:    s.cfg.Telegram.Debug,
		Logger:   s.log,
	}, router)
	if err != nil {
		return fmt.Errorf("failed to create Telegram connector: %w", err)
	}
	return nil
}

func (s *Server) authorizer() access.Authorizer {
	tg := s.cfg.Telegram
	if len(tg.AllowedOwners) == 0 {
		return access.AllowAll{}
	}
	return access.NewStaticList(tg.AdminIDs, tg.AllowedOwners)
}

func (s *Server) apiHandler() *api.Handler {
	mw := httpmiddleware.DefaultConfig()
	mw.Logger = s.log
	mw.EnableLogging = true
	mw.Recovery = middleware.Recovery(middleware.DefaultRecoveryConfig(s.log))
	if s.cfg.Metrics.HTTP {
		mw.Metrics = s.metrics.HTTPMiddleware()
	}

	return api.NewHandler(api.HandlerConfig{
		Sessions:   s.sessions,
		Rules:      s.rules,
		Engine:     s.engine,
		Logger:     s.log,
		Middleware: mw,
	})
}

// botReadier keeps a nil connector out of the interface.
func (s *Server) botReadier() checkers.Readier {
	if s.bot == nil {
		return nil
	}
	return s.bot
}

func (s *Server) stats() map[string]int {
	st := s.engine.Stats()
	return map[string]int{
		"sessions_live": s.sessions.LiveCount(),
		"listeners":     st.Listeners,
		"links":         st.Links,
	}
}

// Run starts every enabled listener, restores persisted state and blocks
// until ctx is cancelled, a termination signal arrives or a component fails.
//
//nolint:revive // cognitive-complexity: Server orchestration requires managing multiple components
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setupGracefulShutdown(ctx, cancel)
	defer s.close()

	var errChans []<-chan error

	if s.cfg.Health.Enabled {
		errChans = append(errChans, s.startHealthServer())
	}
	if s.cfg.Metrics.Enabled {
		s.metrics.Listen(s.cfg.Metrics.Port)
	}

	result := s.restorer.Run(ctx)
	if result.Err != nil {
		s.log.Warn("Restoration finished with failures", logger.ErrorField(result.Err))
	}
	if ctx.Err() != nil {
		return nil
	}

	var wg sync.WaitGroup
	if s.bot != nil {
		botErrs := make(chan error, 1)
		errChans = append(errChans, botErrs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(botErrs)
			if err := s.bot.Start(ctx); err != nil {
				botErrs <- fmt.Errorf("telegram connector: %w", err)
			}
		}()
	} else {
		s.log.Info("Telegram connector disabled (missing TELEGRAM_BOT_TOKEN)")
	}

	if s.api != nil {
		errChans = append(errChans, s.api.Listen())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runCleanup(ctx)
	}()

	s.log.Info("Service started",
		logger.IntField("sessions_restored", result.SessionsRestored+result.Reconnected),
		logger.IntField("rules_restored", result.RulesRestored))

	errs := utils.MergeErrorChans(errChans...)
	var runErr error
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case err, ok := <-errs:
			if !ok {
				// Every component exited cleanly; keep waiting for cancellation.
				errs = nil
				continue
			}
			if err != nil {
				s.log.Error("Component failed, shutting down", logger.ErrorField(err))
				runErr = err
				running = false
			}
		}
	}

	cancel()
	s.shutdownListeners()
	wg.Wait()
	s.log.Info("Service stopped")
	return runErr
}

// runCleanup periodically expires idle sessions until ctx is done.
func (s *Server) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Redirection.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.CleanupExpired(ctx, s.cfg.Redirection.SessionMaxIdle)
			if err != nil {
				s.log.Warn("Session cleanup failed", logger.ErrorField(err))
				continue
			}
			if n > 0 {
				s.log.Info("Expired sessions cleaned up", logger.IntField("count", n))
			}
		}
	}
}

// startHealthServer serves the health endpoints in the background.
func (s *Server) startHealthServer() <-chan error {
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	s.health.RegisterHandlers(mux)
	s.healthServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Health.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.healthServer
	go func() {
		defer close(errChan)
		s.log.Info("Health check server listening", logger.IntField("port", s.cfg.Health.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("health server: %w", err)
		}
	}()
	return errChan
}

// shutdownListeners stops the HTTP surfaces. Readiness flips first so load
// balancers stop routing before the listeners close.
func (s *Server) shutdownListeners() {
	s.health.MarkShuttingDown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.api != nil {
		if err := s.api.Shutdown(ctx); err != nil {
			s.log.Error("Admin API shutdown error", logger.ErrorField(err))
		}
	}
	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(ctx); err != nil {
			s.log.Error("Health server shutdown error", logger.ErrorField(err))
		}
	}
	if err := s.metrics.Shutdown(ctx); err != nil {
		s.log.Error("Metrics shutdown error", logger.ErrorField(err))
	}
}

// close releases listeners, chat clients and the store. Safe to call twice.
func (s *Server) close() {
	s.closeOnce.Do(func() {
		if s.engine != nil {
			s.engine.Close()
		}
		if s.flow != nil {
			s.flow.Close()
		}
		if s.sessions != nil {
			s.sessions.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.log.Error("Failed to close store", logger.ErrorField(err))
			}
		}
	})
}

// setupGracefulShutdown cancels the run on SIGINT or SIGTERM.
func (s *Server) setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			s.log.Info("Received shutdown signal", logger.StringField("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
}

// createStore opens the persistence backend selected by configuration.
func (s *Server) createStore(ctx context.Context) (store.Store, error) {
	cfg := &s.cfg.Storage

	switch cfg.Backend {
	case appconfig.BackendFile:
		manager, err := s.createStorageManager(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage manager: %w", err)
		}
		return store.NewFileStore(ctx, store.FileConfig{
			File:         storeFile,
			FileProvider: manager.GetProvider("state"),
			Logger:       s.log,
		})

	case appconfig.BackendSQLite:
		s.log.Info("Using SQLite storage", logger.StringField("path", cfg.SQLitePath))
		return persistence.OpenSQLite(ctx, cfg.SQLitePath, s.log)

	case appconfig.BackendPostgres:
		s.log.Info("Using Postgres storage",
			logger.StringField("host", s.cfg.Database.Host),
			logger.StringField("database", s.cfg.Database.Database))
		return persistence.OpenPostgres(ctx, s.cfg.Database.GetConnectionConfig(), s.log)

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (must be 'file', 'sqlite' or 'postgres')", cfg.Backend)
	}
}

// createStorageManager creates a storage manager for the file store
func (s *Server) createStorageManager(ctx context.Context) (*storage_manager.StorageManager, error) {
	cfg := &s.cfg.Storage

	switch cfg.FileBackend {
	case appconfig.FileBackendLocal:
		s.log.Info("Using local file-based storage", logger.StringField("directory", cfg.LocalDir))

		// Ensure directory exists (0750 needed for directory traversal)
		if err := os.MkdirAll(cfg.LocalDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}

		return storage_manager.New(storage_manager.Config{
			Backend: storage_manager.BackendLocal,
			LocalConfig: &storage_manager.LocalConfig{
				BaseDir: cfg.LocalDir,
			},
		})

	case appconfig.FileBackendS3:
		s.log.Info("Using S3-based storage",
			logger.StringField("bucket", cfg.S3Bucket),
			logger.StringField("prefix", cfg.S3Prefix),
			logger.StringField("region", cfg.S3Region))

		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3 bucket is required when using S3 storage")
		}

		var configOptions []func(*awsconfig.LoadOptions) error
		if cfg.S3Region != "" {
			configOptions = append(configOptions, awsconfig.WithRegion(cfg.S3Region))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return storage_manager.New(storage_manager.Config{
			Backend: storage_manager.BackendS3,
			S3Config: &storage_manager.S3Config{
				Bucket: cfg.S3Bucket,
				Prefix: cfg.S3Prefix,
				Client: s3.NewFromConfig(awsCfg),
			},
		})

	default:
		return nil, fmt.Errorf("unsupported file backend: %s (must be 'local' or 's3')", cfg.FileBackend)
	}
}
