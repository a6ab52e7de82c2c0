package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medflow/medflow/internal/config"
	"github.com/medflow/medflow/internal/domain/directory"
	"github.com/medflow/medflow/internal/domain/provisioning"
	"github.com/medflow/medflow/internal/domain/session"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/metrics"
	"github.com/medflow/medflow/internal/platform/middleware"
	"github.com/medflow/medflow/internal/platform/provision"
	"github.com/medflow/medflow/internal/platform/tenancy"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "medflow-server",
		Short:        "MedFlow multi-tenant hospital platform",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(adminCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// platform holds the long-lived dependencies shared by the server and the
// management commands.
type platform struct {
	cfg     *config.Config
	logger  zerolog.Logger
	control *pgxpool.Pool
	admin   *pgxpool.Pool
	redis   *redis.Client
	metrics *metrics.Metrics

	store       *directory.Store
	provisioner *provision.Provisioner
	registry    *tenancy.Registry
	hasher      *auth.PasswordHasher
	tokens      *auth.TokenService
	revoked     *auth.RevocationList
	sessions    *session.Service
	tenants     *provisioning.Service
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newPlatform(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*platform, error) {
	p := &platform{cfg: cfg, logger: logger, metrics: m}

	var err error
	p.control, err = db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "medflow-control",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to control database: %w", err)
	}

	// CREATE/DROP DATABASE needs only a couple of connections.
	p.admin, err = db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.AdminDatabaseURL,
		MaxConns:        2,
		ApplicationName: "medflow-admin",
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("connect to admin database: %w", err)
	}

	dsn, err := provision.NewDSNBuilder(cfg.TenantDatabaseURLTemplate, cfg.AdminDatabaseURL)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.store = directory.NewStore(
		directory.NewTenantRepo(p.control),
		directory.NewAdministratorRepo(p.control),
		directory.NewPlanRepo(p.control),
		directory.NewSubscriptionRepo(p.control),
		directory.NewAdvisoryLocker(p.control),
	)
	p.provisioner = provision.NewProvisioner(p.admin, dsn, provision.Config{
		Prefix:           cfg.TenantDatabasePrefix,
		MigrationTimeout: cfg.MigrationTimeout,
	}, logger)

	opts := []tenancy.Option{tenancy.WithMetrics(m)}
	if cfg.RedisURL != "" {
		p.redis, err = tenancy.NewRedisClient(cfg.RedisURL)
		if err != nil {
			p.Close()
			return nil, err
		}
		opts = append(opts, tenancy.WithCache(tenancy.NewRedisLocatorCache(p.redis)))
		logger.Info().Msg("tenant locator cache enabled")
	}
	p.registry = tenancy.NewRegistry(p.store, tenancy.PGOpener{DSN: dsn}, cfg.TenantLocatorTTL, logger, opts...)

	p.hasher = auth.NewPasswordHasher(cfg.BcryptCost, cfg.HashWorkers)
	p.tokens, err = auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.AuthIssuer,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.revoked = auth.NewRevocationList()

	p.sessions = session.NewService(p.store, p.registry, p.hasher, p.tokens, p.revoked, session.Config{
		MaxFailedAttempts: cfg.LockoutMaxAttempts,
		LockoutDuration:   cfg.LockoutDuration,
		ScanTimeout:       cfg.TenantScanTimeout,
	}, logger)
	p.sessions.SetMetrics(m)

	p.tenants = provisioning.NewService(p.store, p.provisioner, p.registry, p.hasher, logger)
	p.tenants.SetMetrics(m)
	return p, nil
}

func (p *platform) Close() {
	if p.redis != nil {
		_ = p.redis.Close()
	}
	if p.admin != nil {
		p.admin.Close()
	}
	if p.control != nil {
		p.control.Close()
	}
}

// migrateControl applies the embedded control-database migrations.
func (p *platform) migrateControl(ctx context.Context) (int, error) {
	return db.NewMigrator(p.control, db.ControlMigrations()).Up(ctx)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if cfg.UsesDevSecrets() {
		logger.Warn().Msg("using development token secrets")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx := context.Background()
	p, err := newPlatform(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise platform")
	}
	defer p.Close()
	logger.Info().Msg("connected to database")

	applied, err := p.migrateControl(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("control database migration failed")
	}
	logger.Info().Int("applied", applied).Msg("control database migrated")

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})

	sweeper, err := tenancy.NewSweeper(p.registry, cfg.RegistrySweepInterval, logger,
		tenancy.SweepTask{Name: "revoked-token-sweep", Run: p.revoked.Sweep},
		tenancy.SweepTask{Name: "rate-limiter-sweep", Run: limiter.Sweep},
		tenancy.SweepTask{Name: "refresh-token-purge", Run: func(time.Time) int {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.RegistrySweepInterval)
			defer cancel()
			n, err := p.sessions.PurgeExpiredRefreshTokens(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("refresh token purge incomplete")
			}
			return int(n)
		}},
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start sweeper")
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn().Err(err).Msg("sweeper shutdown")
		}
	}()

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tokens:   p.tokens,
		revoked:  p.revoked,
		limiter:  limiter,
		registry: p.registry,
		store:    p.store,
		sessions: p.sessions,
		tenants:  p.tenants,
		health: []db.HealthCheck{
			db.PoolCheck("control", p.control),
			db.PoolCheck("admin", p.admin),
			{Name: "tenant_registry", Stats: func() interface{} { return p.registry.Stats() }},
		},
	}
	e := srv.routes()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// server is the HTTP surface: middleware chain, health endpoints and the
// domain handlers.
type server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tokens   *auth.TokenService
	revoked  *auth.RevocationList
	limiter  *middleware.RateLimiter
	registry *tenancy.Registry
	store    *directory.Store
	sessions *session.Service
	tenants  *provisioning.Service
	health   []db.HealthCheck
}

func (s *server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.ErrorHandler

	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	e.Use(s.metrics.Middleware())
	e.Use(middleware.RequestTimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: s.cfg.RequestTimeout,
		// Tenant creation runs migrations bounded by MIGRATION_TIMEOUT.
		Routes: map[string]time.Duration{
			http.MethodPost + " /api/v1/tenants": s.cfg.MigrationTimeout + s.cfg.RequestTimeout,
		},
	}))
	e.Use(middleware.BodyLimit(s.cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(s.health...))
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	authenticate := auth.Authenticate(s.tokens, s.revoked)
	apiV1 := e.Group("/api/v1")

	authGroup := apiV1.Group("/auth", s.limiter.Middleware())
	session.NewHandler(s.sessions).RegisterRoutes(authGroup, authenticate, tenancy.Middleware(s.registry))

	protected := apiV1.Group("", authenticate, middleware.Audit(s.logger))
	directory.NewHandler(s.store).RegisterRoutes(protected)
	provisioning.NewHandler(s.tenants).RegisterRoutes(protected)
	auth.RegisterRevocationRoutes(protected, s.revoked, s.cfg.AccessTokenTTL)

	return e
}
