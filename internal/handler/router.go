package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AdminToken        string

	HealthChecker HealthChecker

	// 公開API
	DealService DealServiceInterface

	// 審査API
	AdminService AdminServiceInterface
}

// NewRouter はAPIサーバーの全エンドポイントのルーティングとミドルウェアチェーンを構成する。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → (公開) RateLimit / (管理) SecurityHeaders(no-store) → AdminAuth
//
// /health はレート制限・認証の対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))

	dealHandler := NewDealHandler(deps.DealService)
	adminHandler := NewAdminHandler(deps.AdminService)

	// --- 公開API ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware(false))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/api/deals", func(r chi.Router) {
			r.Get("/", dealHandler.ListDeals)
			r.Get("/{id}", dealHandler.GetDeal)
		})
	})

	// --- 管理API ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware(true))
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))

		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", adminHandler.Stats)

			r.Route("/deals", func(r chi.Router) {
				r.Get("/pending", adminHandler.ListPending)

				r.Route("/{id}", func(r chi.Router) {
					r.Patch("/", adminHandler.Patch)
					r.Post("/approve", adminHandler.Approve)
					r.Post("/reject", adminHandler.Reject)
				})
			})
		})
	})

	return r
}

// WorkerRouterDeps はNewWorkerRouterに必要な依存関係をまとめた構造体。
type WorkerRouterDeps struct {
	Logger     *slog.Logger
	AdminToken string
	Metrics    http.Handler
	Jobs       JobController
}

// NewWorkerRouter はワーカープロセスの運用エンドポイントを構成する。
//
//	GET  /health
//	GET  /metrics
//	GET  /admin/jobs
//	POST /admin/jobs/{name}/trigger
func NewWorkerRouter(deps *WorkerRouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", NewHealthHandler(nil))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	if deps.Jobs != nil {
		jobsHandler := NewJobsHandler(deps.Jobs)
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewLoggingMiddleware(logger))
			r.Use(middleware.NewSecurityHeadersMiddleware(true))
			r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))

			r.Get("/admin/jobs", jobsHandler.ListJobs)
			r.Post("/admin/jobs/{name}/trigger", jobsHandler.TriggerJob)
		})
	}

	return r
}
