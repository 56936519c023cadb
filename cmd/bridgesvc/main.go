package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dhawalhost/scimbridge/internal/audit"
	"github.com/dhawalhost/scimbridge/internal/directory"
	"github.com/dhawalhost/scimbridge/internal/events"
	"github.com/dhawalhost/scimbridge/internal/provisioning"
	"github.com/dhawalhost/scimbridge/pkg/database"
	"github.com/dhawalhost/scimbridge/pkg/logger"
	"github.com/dhawalhost/scimbridge/pkg/middleware"
	"github.com/dhawalhost/scimbridge/pkg/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const serviceName = "scimbridge"

type config struct {
	Port    int    `validate:"min=1,max=65535"`
	BaseURL string `validate:"required,url"`
	APIKey  string `validate:"required"`

	BaseOU          string `validate:"required"`
	DefaultPassword string `validate:"required"`
	ADServer        string
	ADToolPath      string

	TLSCertFile string
	TLSKeyFile  string

	DBHost     string `validate:"required"`
	DBPort     int    `validate:"min=1,max=65535"`
	DBUser     string `validate:"required"`
	DBPassword string
	DBName     string `validate:"required"`
	DBSSLMode  string

	WebhookURL    string `validate:"omitempty,url"`
	WebhookSecret string
}

func loadConfig() (config, error) {
	cfg := config{
		Port:            envInt("PORT", 8443),
		BaseURL:         envStr("BASE_URL", "https://localhost:8443"),
		APIKey:          os.Getenv("API_KEY"),
		BaseOU:          os.Getenv("BASE_OU"),
		DefaultPassword: os.Getenv("DEFAULT_PASSWORD"),
		ADServer:        os.Getenv("AD_SERVER"),
		ADToolPath:      os.Getenv("AD_TOOL_PATH"),
		TLSCertFile:     os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:      os.Getenv("TLS_KEY_FILE"),
		DBHost:          envStr("DB_HOST", "localhost"),
		DBPort:          envInt("DB_PORT", 5432),
		DBUser:          envStr("DB_USER", "scimbridge"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		DBName:          envStr("DB_NAME", "scimbridge"),
		DBSSLMode:       envStr("DB_SSLMODE", "disable"),
		WebhookURL:      os.Getenv("WEBHOOK_URL"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	log, err := logger.New(zapcore.InfoLevel)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	db, err := database.NewConnection(database.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: serviceName,
		Environment: envStr("ENVIRONMENT", "production"),
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	auditSvc := audit.NewService(audit.NewStore(db))
	runner := directory.NewRunner(directory.Config{
		ToolPath:        cfg.ADToolPath,
		Server:          cfg.ADServer,
		DefaultPassword: cfg.DefaultPassword,
	}, auditSvc, metrics, log)

	dispatcher := events.NewDispatcher(events.Config{
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
	}, log)

	provSvc := provisioning.NewService(
		provisioning.NewStore(db),
		runner,
		dispatcher,
		provisioning.Config{BaseOU: cfg.BaseOU, BaseURL: cfg.BaseURL},
		log,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.PrometheusMiddleware(metrics))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.RateLimitMiddleware(rate.Limit(50), 100))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))

	authed := router.Group("", middleware.APIKeyAuth(middleware.APIKeyConfig{Key: cfg.APIKey}))

	provHandler := provisioning.NewHTTPHandler(provSvc, log)
	provHandler.RegisterRoutes(authed)

	internal := authed.Group("/internal")
	provHandler.RegisterInternalRoutes(internal)
	audit.NewHTTPHandler(auditSvc, log).RegisterRoutes(internal)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr), zap.Bool("tls", cfg.TLSCertFile != ""))
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracer(ctx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}
}
