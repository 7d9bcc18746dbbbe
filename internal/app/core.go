package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/letsgo/internal/access"
	"github.com/hitoshi/letsgo/internal/account"
	"github.com/hitoshi/letsgo/internal/auth"
	"github.com/hitoshi/letsgo/internal/config"
	"github.com/hitoshi/letsgo/internal/directory"
	"github.com/hitoshi/letsgo/internal/event"
	"github.com/hitoshi/letsgo/internal/handler"
	"github.com/hitoshi/letsgo/internal/invitation"
	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/middleware"
	"github.com/hitoshi/letsgo/internal/security"
	"github.com/hitoshi/letsgo/internal/session"
)

// Core はドキュメントストア上に構成したコアのコンポーネント一式。
type Core struct {
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Accounts  *account.Store
	Directory *directory.Directory
	Limiter   *auth.FailureLimiter
	Auth      *auth.PasswordProvider
	Tokens    *auth.TokenIssuer
	Registrar *account.Registrar
	Resolver  *session.Resolver
	Guard     *access.Guard
	Events    *event.Repository
	Invites   *invitation.Manager
}

// NewCore はストアと設定からコアのコンポーネントを組み立てる。
func NewCore(cfg *config.Config, store DocumentStore, mailer auth.Mailer, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = auth.NewLogMailer(logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	guard, err := access.NewGuard(cfg.AccessPolicy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create access guard: %w", err)
	}

	accounts := account.NewStore(store)
	dir := directory.New(store, accounts,
		directory.WithMode(cfg.UsernameReservation),
		directory.WithMetrics(m),
		directory.WithLogger(logger),
	)

	limiter := auth.NewFailureLimiter(auth.FailureLimiterConfig{
		MaxFailures: cfg.LoginMaxFailures,
		Window:      cfg.LoginFailureWindow,
	})
	provider := auth.NewPasswordProvider(store, limiter, mailer, auth.ProviderConfig{
		BcryptCost: cfg.BcryptCost,
		ResetTTL:   cfg.PasswordResetTTL,
	}, logger)

	events := event.NewRepository(store, guard, security.NewTextSanitizer(), m, logger)

	return &Core{
		Registry:  reg,
		Metrics:   m,
		Accounts:  accounts,
		Directory: dir,
		Limiter:   limiter,
		Auth:      provider,
		Tokens:    auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL),
		Registrar: account.NewRegistrar(accounts, dir, provider, logger),
		Resolver:  session.NewResolver(dir, accounts, provider, m, logger),
		Guard:     guard,
		Events:    events,
		Invites:   invitation.NewManager(events, dir, accounts, guard, m, logger),
	}, nil
}

// Router はコアをHTTP APIとして公開するルーターを返す。
// 返されたRateLimiterは呼び出し側でStopする。
func (c *Core) Router(cfg *config.Config, health handler.HealthCheckFunc, logger *slog.Logger) (http.Handler, *middleware.RateLimiter) {
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitWrite))

	return handler.NewRouter(&handler.RouterDeps{
		TokenVerifier:     c.Tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Metrics:           c.Metrics,
		Logger:            logger,

		HealthCheck:    health,
		MetricsHandler: metrics.Handler(c.Registry),

		Signup:        c.Registrar,
		Login:         c.Resolver,
		PasswordReset: c.Auth,
		Tokens:        c.Tokens,

		Accounts:  c.Accounts,
		Directory: c.Directory,

		Events:  c.Events,
		Watcher: c.Events,
		Inviter: c.Invites,
	}), limiter
}

// Close はコアが保持するバックグラウンド処理を停止する。
func (c *Core) Close() {
	c.Limiter.Stop()
}
