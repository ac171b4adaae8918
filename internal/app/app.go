// Package app wires the stores, services, handlers and router of the API
// from a loaded configuration.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/medrecords-api/config"
	"github.com/jwalitptl/medrecords-api/internal/email"
	accounthandler "github.com/jwalitptl/medrecords-api/internal/handler/account"
	authhandler "github.com/jwalitptl/medrecords-api/internal/handler/auth"
	dashboardhandler "github.com/jwalitptl/medrecords-api/internal/handler/dashboard"
	"github.com/jwalitptl/medrecords-api/internal/handler/health"
	mehandler "github.com/jwalitptl/medrecords-api/internal/handler/me"
	patienthandler "github.com/jwalitptl/medrecords-api/internal/handler/patient"
	"github.com/jwalitptl/medrecords-api/internal/handler/prometheus"
	recordhandler "github.com/jwalitptl/medrecords-api/internal/handler/record"
	"github.com/jwalitptl/medrecords-api/internal/middleware"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/repository/memory"
	"github.com/jwalitptl/medrecords-api/internal/repository/postgres"
	"github.com/jwalitptl/medrecords-api/internal/router"
	"github.com/jwalitptl/medrecords-api/internal/service/account"
	authsvc "github.com/jwalitptl/medrecords-api/internal/service/auth"
	"github.com/jwalitptl/medrecords-api/internal/service/dashboard"
	"github.com/jwalitptl/medrecords-api/internal/service/patient"
	"github.com/jwalitptl/medrecords-api/internal/service/rbac"
	"github.com/jwalitptl/medrecords-api/internal/service/record"
	"github.com/jwalitptl/medrecords-api/pkg/auth"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/messaging"
	"github.com/jwalitptl/medrecords-api/pkg/messaging/redis"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
	"github.com/jwalitptl/medrecords-api/pkg/qrcode"
	"github.com/jwalitptl/medrecords-api/pkg/security"
	"github.com/jwalitptl/medrecords-api/pkg/storage"
)

// Options are the collaborators App does not build itself. Nil Broker,
// Mailer and Metrics fall back to no-op implementations.
type Options struct {
	Config  *config.Config
	Store   *repository.Store
	Files   storage.Store
	Broker  messaging.Broker
	Mailer  email.Service
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type App struct {
	Router    *router.Router
	Auth      *authsvc.Service
	Accounts  *account.Service
	Patients  *patient.Service
	Records   *record.Service
	Dashboard *dashboard.Service
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if opts.Broker == nil {
		opts.Broker = messaging.NopBroker{}
	}
	if opts.Mailer == nil {
		opts.Mailer = email.Nop{}
	}

	if err := middleware.RegisterValidators(); err != nil {
		return nil, err
	}

	jwtSvc, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	if err != nil {
		return nil, err
	}
	encryptor, err := NewEncryptor(cfg.Security, opts.Logger)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	m := opts.Metrics
	hasher := security.NewBcryptHasher(cfg.Security.BcryptCost)
	events := event.NewService(opts.Broker, cfg.Redis.Channel, m, opts.Logger)
	authz := rbac.NewService(m)
	codec := qrcode.NewCodec(cfg.QR.Size)

	a := &App{}
	a.Auth = authsvc.NewService(store.Accounts, store.Patients, hasher, encryptor, jwtSvc, events, m, opts.Logger)
	a.Accounts = account.NewService(store.Accounts, store.Patients, hasher, opts.Mailer, authz, events, opts.Logger)
	a.Patients = patient.NewService(store.Patients, store.Accounts, opts.Files, codec, encryptor, authz, events, m, opts.Logger)
	a.Records = record.NewService(store.Records, store.Accounts, a.Patients, opts.Files, authz, events, m, opts.Logger, cfg.Attachments.MaxFiles)
	a.Dashboard = dashboard.NewService(store, a.Patients, authz)

	checks := map[string]health.Pinger{"store": store.Health}
	if p, ok := opts.Broker.(health.Pinger); ok {
		checks["broker"] = p
	}
	var metricsHandler gin.HandlerFunc
	if m != nil {
		metricsHandler = prometheus.Handler(m.Registry)
	}

	a.Router = router.NewRouter(
		middleware.NewAuthMiddleware(a.Auth, cfg.JWT.CookieName),
		health.NewHandler(checks, metricsHandler),
		[]router.Handler{
			authhandler.NewHandler(a.Auth, authhandler.CookieConfig{Name: cfg.JWT.CookieName, Secure: cfg.JWT.CookieSecure}),
		},
		[]router.Handler{
			patienthandler.NewHandler(a.Patients),
			recordhandler.NewHandler(a.Records),
			accounthandler.NewHandler(a.Accounts, a.Patients),
			mehandler.NewHandler(a.Patients, a.Records),
			dashboardhandler.NewHandler(a.Dashboard),
		},
		m,
		opts.Logger,
		routerConfig(cfg),
	)
	a.Router.Setup()
	return a, nil
}

func routerConfig(cfg *config.Config) router.RouterConfig {
	mode := gin.ReleaseMode
	if cfg.Server.Mode != "" {
		mode = cfg.Server.Mode
	}
	return router.RouterConfig{
		Mode:             mode,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
		RateBurst:        cfg.RateLimit.Burst,
		WindowRequests:   cfg.RateLimit.WindowRequests,
		Window:           cfg.RateLimit.Window,
		RequestTimeout:   cfg.Server.RequestTimeout,
		CORSConfig:       middleware.DefaultCORSConfig(cfg.CORS.AllowedOrigins),
		SecurityConfig:   middleware.DefaultSecurityConfig(cfg.JWT.CookieSecure),
		SizeLimitConfig:  middleware.DefaultSizeLimitConfig(cfg.Attachments.MaxFiles, cfg.Attachments.MaxFileSize),
	}
}

// NewEncryptor returns the AES-GCM encryptor for the configured key. Without
// a key NIC values are stored in clear, which is only acceptable locally.
func NewEncryptor(cfg config.SecurityConfig, logger zerolog.Logger) (security.Encryptor, error) {
	if cfg.EncryptionKey == "" {
		logger.Warn().Msg("no encryption key configured, NIC values are stored unencrypted")
		return security.NopEncryptor{}, nil
	}
	return security.NewAESEncryptor([]byte(cfg.EncryptionKey))
}

// OpenStore connects the configured backend, applying the schema when
// auto migration is on.
func OpenStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*repository.Store, error) {
	if cfg.Store.Driver == "memory" {
		return memory.NewStore(), nil
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return postgres.NewStore(db, m), nil
}

// OpenFiles returns the attachment store.
func OpenFiles(cfg config.AttachmentsConfig) (storage.Store, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemory(cfg.MaxFileSize), nil
	}
	disk, err := storage.NewDisk(cfg.Dir, cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment dir: %w", err)
	}
	return disk, nil
}

// OpenBroker connects to Redis when enabled. Events are best effort, so the
// caller may continue with a NopBroker on error.
func OpenBroker(cfg config.RedisConfig, logger *zerolog.Logger) (messaging.Broker, error) {
	if !cfg.Enabled {
		return messaging.NopBroker{}, nil
	}
	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.URL,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}, logger)
	if err != nil {
		return messaging.NopBroker{}, err
	}
	return broker, nil
}

// NewMailer returns the SMTP mailer when enabled.
func NewMailer(cfg config.SMTPConfig, logger zerolog.Logger) email.Service {
	if !cfg.Enabled {
		return email.Nop{}
	}
	return email.NewSMTPService(email.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		LoginURL: cfg.LoginURL,
	}, logger)
}
