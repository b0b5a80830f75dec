// Package app wires configuration into stores, services and the HTTP
// handler shared by the api and gate binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"landlink/pkg/cache"
	"landlink/pkg/config"
	apphttp "landlink/pkg/http"
	"landlink/pkg/logging"
	"landlink/pkg/media"
	"landlink/pkg/metrics"
	"landlink/pkg/middleware"
	"landlink/pkg/service"
	"landlink/pkg/sms"
	"landlink/pkg/storage"
	"landlink/pkg/storage/memory"
)

type Mode int

const (
	// ModeAPI runs migrations and enables owner, admin and media routes.
	ModeAPI Mode = iota
	// ModeGate serves only the public unlock flow.
	ModeGate
)

type stores struct {
	links        storage.LinkStorage
	views        storage.ViewStorage
	otps         storage.OTPStorage
	profiles     storage.ProfileStorage
	entitlements storage.EntitlementStorage
	properties   storage.PropertyDirectory
}

type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	OTP     *service.OTPService
	Handler *apphttp.Handler

	auth    *middleware.Authenticator
	proxies middleware.TrustedProxies
	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, mode Mode) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a.proxies = proxies
	if cfg.MetricsEnabled {
		a.Metrics = metrics.New()
	}

	st, err := a.openStores(ctx, mode)
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		linkCache cache.LinkCacheInterface
		throttle  service.Throttle
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		linkCache = cache.NewLinkCache(client)
		throttle = cache.NewOTPThrottle(client, cfg.OTPResendCooldown, cfg.OTPWindow, cfg.OTPMaxPerWindow)
	} else {
		logger.Warn(ctx, "REDIS_URL not set; OTP throttling is per-process and links are not cached")
		throttle = service.NewMemoryThrottle(cfg.OTPResendCooldown, cfg.OTPWindow, cfg.OTPMaxPerWindow)
	}

	var sender sms.Sender
	switch cfg.SMSProvider {
	case "http":
		sender = sms.NewHTTPSender(cfg.SMSEndpoint, cfg.SMSAPIKey, cfg.SMSSenderID, cfg.SMSTimeout)
	default:
		sender = sms.NewLogSender(logger)
	}

	var codes service.CodeGenerator = service.RandomCodeGenerator{Digits: config.OTPCodeLength}
	if cfg.OTPTestMode {
		logger.Warn(ctx, "OTP test mode is enabled; every code is fixed")
		codes = service.FixedCodeGenerator(cfg.OTPTestCode)
	}

	policy, err := service.ParsePolicy(cfg.EntitlementPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := service.Options{Logger: logger, Metrics: a.Metrics, StoreTimeout: cfg.StoreTimeout}

	a.OTP = service.NewOTPService(st.otps, sender, codes, throttle, service.OTPConfig{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		HashCost:    cfg.OTPHashCost,
		SendTimeout: cfg.SMSTimeout,
	}, opts)
	ents := service.NewEntitlementService(st.entitlements, service.EntitlementRules{
		Policy:    policy,
		PlanType:  cfg.EntitlementPlanType,
		PlanTiers: cfg.EntitlementPlanTiers,
	}, opts)
	links := service.NewLinkService(st.links, st.profiles, st.properties, ents, linkCache, service.LinkConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		CacheTTL:      cfg.LinkCacheTTL,
	}, opts)
	views := service.NewViewLog(st.views, st.links, opts)
	gate := service.NewGate(a.OTP, links, st.profiles, st.properties, views, opts)

	sessions := middleware.NewSessionManager(cfg.JWTSecret, cfg.SessionTTL)
	verifiers := []middleware.TokenVerifier{sessions}

	deps := apphttp.Deps{
		OTP:          a.OTP,
		Identity:     service.NewIdentityService(a.OTP, st.profiles, sessions, opts),
		Gate:         gate,
		Links:        links,
		Views:        views,
		Entitlements: ents,
		Metrics:      a.Metrics,
		Logger:       logger,
	}

	if mode == ModeAPI {
		if cfg.OIDCIssuer != "" {
			oidcVerifier, err := middleware.NewOIDCVerifier(ctx, middleware.OAuthConfig{
				IssuerURL:  cfg.OIDCIssuer,
				Audience:   cfg.OIDCAudience,
				AdminGroup: cfg.OIDCAdminGroup,
			})
			if err != nil {
				a.Close()
				return nil, err
			}
			verifiers = append(verifiers, oidcVerifier)
		}

		if cfg.MediaEndpoint != "" {
			store, err := media.New(media.Config{
				Endpoint:  cfg.MediaEndpoint,
				AccessKey: cfg.MediaAccessKey,
				SecretKey: cfg.MediaSecretKey,
				Bucket:    cfg.MediaBucket,
				Region:    cfg.MediaRegion,
				UseSSL:    cfg.MediaUseSSL,
				TTL:       cfg.MediaPresignTTL,
			})
			if err != nil {
				a.Close()
				return nil, err
			}
			if err := store.EnsureBucket(ctx); err != nil {
				logger.Warn(ctx, "media bucket check failed", "error", err.Error())
			}
			deps.Media = store
		}

		a.auth = middleware.NewAuthenticator(logger, verifiers...)
	}

	a.Handler = apphttp.NewHandler(deps)
	return a, nil
}

func (a *App) openStores(ctx context.Context, mode Mode) (*stores, error) {
	cfg := a.Config
	if cfg.StorageDriver == config.DriverMemory {
		a.Logger.Warn(ctx, "using in-memory storage; data is lost on restart")
		m := memory.New()
		return &stores{
			links:        m.Links,
			views:        m.Views,
			otps:         m.OTPs,
			profiles:     m.Profiles,
			entitlements: m.Entitlements,
			properties:   m.Properties,
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if mode == ModeAPI && cfg.RunMigrations {
		if err := storage.RunMigrations(pool); err != nil {
			return nil, err
		}
		a.Logger.Info(ctx, "database migrations applied")
	}

	return &stores{
		links:        storage.NewPostgresLinkStorage(pool),
		views:        storage.NewPostgresViewStorage(pool),
		otps:         storage.NewPostgresOTPStorage(pool),
		profiles:     storage.NewPostgresProfileStorage(pool),
		entitlements: storage.NewPostgresEntitlementStorage(pool),
		properties:   storage.NewPostgresPropertyDirectory(pool),
	}, nil
}

func (a *App) RouterOptions() apphttp.RouterOptions {
	cfg := a.Config
	return apphttp.RouterOptions{
		Auth:           a.auth,
		GeneralLimiter: middleware.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		OTPLimiter:     middleware.NewRateLimiter(rate.Limit(cfg.RateLimitOTPRPS), cfg.RateLimitOTPBurst),
		TrustedProxies: a.proxies,
		RequestTimeout: cfg.RequestTimeout,
		ExposeMetrics:  cfg.MetricsEnabled,
	}
}

// RunPurge deletes expired OTP challenges every interval until ctx ends.
func (a *App) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.OTP.PurgeExpired(ctx)
			if err != nil {
				a.Logger.Warn(ctx, "otp purge failed", "error", err.Error())
				continue
			}
			if n > 0 {
				a.Logger.Info(ctx, "purged expired otp challenges", "count", n)
			}
		}
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Serve runs srv until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, logger *logging.Logger, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Options{
		Level:      logging.LogLevel(cfg.LogLevel),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}
