package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/middleware"
)

// HealthCheckFunc はバックエンドの疎通確認を行う関数。
type HealthCheckFunc func(ctx context.Context) error

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	Logger            *slog.Logger

	// 運用
	HealthCheck    HealthCheckFunc
	MetricsHandler http.Handler

	// 認証
	Signup        SignupService
	Login         LoginService
	PasswordReset PasswordResetService
	Tokens        TokenIssuer

	// アカウント
	Accounts  AccountGetter
	Directory IdentityDirectory

	// イベント
	Events  EventService
	Watcher EventWatcher
	Inviter Inviter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Metrics
//	  /auth/*: RateLimit(General, Write)
//	  /api/*:  Token → RateLimit(General) [→ RateLimit(Write)]
//
// /health と /metrics は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))

	authHandler := NewAuthHandler(deps.Signup, deps.Login, deps.PasswordReset, deps.Tokens)
	accountHandler := NewAccountHandler(deps.Accounts, deps.Directory)
	eventHandler := NewEventHandler(deps.Events, deps.Watcher, deps.Inviter)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthCheck))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	// 未認証リクエストはIPアドレス単位でレート制限する
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(deps.RateLimiter.WriteMiddleware())

		r.Post("/signup", authHandler.Signup)
		r.Post("/login", authHandler.Login)
		r.Post("/password-reset", authHandler.RequestPasswordReset)
		r.Post("/password-reset/confirm", authHandler.ConfirmPasswordReset)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Token → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewTokenMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/me", accountHandler.Me)
		r.Get("/api/accounts/{id}", accountHandler.GetAccount)
		r.Get("/api/usernames/{username}", accountHandler.ResolveUsername)

		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", eventHandler.ListEvents)
			r.Get("/stream", eventHandler.StreamEvents)
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/", eventHandler.CreateEvent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", eventHandler.GetEvent)
				r.With(deps.RateLimiter.WriteMiddleware()).Patch("/", eventHandler.UpdateEvent)
				r.With(deps.RateLimiter.WriteMiddleware()).Post("/members", eventHandler.InviteMember)
			})
		})
	})

	return r
}

// healthResponse はヘルスチェックのAPIレスポンス。
type healthResponse struct {
	Status string `json:"status"`
}

// healthHandler はバックエンドの疎通を確認し、結果を返すハンドラーを生成する。
func healthHandler(check HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
