package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/cids-io/cids/pkg/apikeys"
	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/config"
	"github.com/cids-io/cids/pkg/discovery"
	"github.com/cids-io/cids/pkg/middleware"
	"github.com/cids-io/cids/pkg/observability"
	"github.com/cids-io/cids/pkg/rbac"
	"github.com/cids-io/cids/pkg/registry"
	"github.com/cids-io/cids/pkg/sso"
	"github.com/cids-io/cids/pkg/tokens"
	"github.com/cids-io/cids/pkg/webhooks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting CIDS identity discovery service")

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	// Redis (optional read cache; the service runs without it)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Error("Invalid redis URL")
			os.Exit(1)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Warn("Redis unavailable at startup, caches will fill once it recovers")
		}
	}

	// Metrics
	var metrics *observability.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
		dbStatsCtx, stopDBStats := context.WithCancel(context.Background())
		defer stopDBStats()
		go metrics.CollectDBStats(dbStatsCtx, db, 15*time.Second)
	}

	// Audit
	dbAudit, err := audit.NewDBLogger(db, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create audit logger")
		os.Exit(1)
	}
	var auditLog audit.Logger = dbAudit
	activity := audit.NewActivityRecorder(db)

	// App registry
	registryStore := registry.NewStore(db)
	var registryCache *registry.Cache
	var appSource interface {
		GetApp(ctx context.Context, clientID string) (*registry.RegisteredApp, error)
	} = registryStore
	if redisClient != nil {
		registryCache = registry.NewCache(registryStore, redisClient)
		appSource = registryCache
	}

	// Discovery
	discoveryStore := discovery.NewStore(db)
	crawler := discovery.NewCrawler(discovery.CrawlerConfig{
		Timeout:        cfg.Discovery.Timeout,
		MaxAttempts:    cfg.Discovery.MaxAttempts,
		InitialBackoff: cfg.Discovery.InitialBackoff,
		MaxPayloadSize: cfg.Discovery.MaxPayloadSize,
	})
	discoverySvc := discovery.NewService(appSource, discoveryStore, crawler, auditLog, metrics, logger)

	// RBAC
	rbacStore := rbac.NewStore(db)
	var rbacCache *rbac.Cache
	var roleSource rbac.RoleSource = rbacStore
	if redisClient != nil {
		rbacCache = rbac.NewCache(rbacStore, redisClient)
		roleSource = rbacCache
	}
	resolver, err := rbac.NewResolver(roleSource, discoveryStore, 128, metrics)
	if err != nil {
		logger.WithError(err).Error("Failed to create permission resolver")
		os.Exit(1)
	}

	// API keys and rotation
	notifier := webhooks.NewNotifier(cfg.Rotation.WebhookSecret, webhooks.DefaultRetryConfig())
	keyStore := apikeys.NewStore(db)
	keySvc := apikeys.NewService(keyStore, appSource, notifier, auditLog, metrics, logger, apikeys.ServiceConfig{
		DefaultGraceHours: cfg.Rotation.DefaultGraceHours,
		SweepConcurrency:  cfg.Rotation.SweepConcurrency,
	})

	// Tokens
	tokenStore := tokens.NewStore(db)
	var roleMapper tokens.RoleSource = rbacStore
	if rbacCache != nil {
		roleMapper = rbacCache
	}
	issuer, err := tokens.NewIssuer([]byte(cfg.Auth.SigningSecret), cfg.Auth.Issuer, cfg.Auth.A2ATTL,
		tokenStore, appSource, roleMapper, resolver, keySvc, activity, auditLog, metrics, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create token issuer")
		os.Exit(1)
	}

	var verifier tokens.IdentityVerifier
	if cfg.Auth.OIDCIssuerURL != "" {
		v, err := sso.NewVerifier(context.Background(), sso.Config{
			IssuerURL:  cfg.Auth.OIDCIssuerURL,
			ClientID:   cfg.Auth.OIDCClientID,
			SkipVerify: cfg.Auth.OIDCSkipVerify,
		})
		if err != nil {
			logger.WithError(err).Error("Failed to configure OIDC verifier")
			os.Exit(1)
		}
		verifier = v
	} else {
		logger.Warn("No OIDC issuer configured, user token identity comes from the request body")
	}

	// Router
	router := mux.NewRouter()
	router.Use(middleware.NewRequestLogger(logger, metrics).Handler)
	router.Use(middleware.NewAPIKeyAuth(keySvc, true).Handler)

	registry.NewHandlers(registryStore, registryCache, auditLog).RegisterRoutes(router)
	discovery.NewHandlers(discoverySvc, discoveryStore).RegisterRoutes(router)
	rbac.NewHandlers(rbacStore, rbacCache, resolver, auditLog).RegisterRoutes(router)
	apikeys.NewHandlers(keySvc, keyStore).RegisterRoutes(router)
	tokens.NewHandlers(issuer, tokenStore, verifier, auditLog).RegisterRoutes(router)

	// Health and metrics on a separate port for k8s probes
	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	healthMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	// Scheduled jobs: rotation sweep and cache refresh
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Rotation.SweepSchedule, func() {
		result, err := keySvc.CheckRotations(context.Background())
		if err != nil {
			logger.WithError(err).Error("Rotation sweep failed")
			return
		}
		if result.Checked > 0 {
			logger.WithFields(map[string]interface{}{
				"checked": result.Checked,
				"rotated": result.Rotated,
				"failed":  result.Failed,
			}).Info("Rotation sweep complete")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to schedule rotation sweep")
		os.Exit(1)
	}
	if registryCache != nil {
		_, err = scheduler.AddFunc(cfg.Rotation.CacheRefresh, func() {
			if err := registryCache.RefreshAll(context.Background()); err != nil {
				logger.WithError(err).Warn("Cache refresh failed")
			}
		})
		if err != nil {
			logger.WithError(err).Error("Failed to schedule cache refresh")
			os.Exit(1)
		}
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return dbAudit.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if redisClient != nil {
			return redisClient.Close()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
