package app

import (
	"database/sql"
	"net/http"
	"time"

	"cbtexam/internal/app/observability"
	"cbtexam/internal/auth"
	"cbtexam/internal/credential"
	"cbtexam/internal/exam"
	"cbtexam/internal/question"
	"cbtexam/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps carries the wired services the router exposes.
type Deps struct {
	DB          *sql.DB
	Verifier    *auth.Verifier
	Exam        *exam.Handler
	Reports     *report.Handler
	Credentials *credential.Handler
	Questions   *question.Handler
	Limiter     RateLimiter
}

func NewRouter(cfg Config, deps Deps) http.Handler {
	collector := observability.NewCollector(deps.DB)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(collector.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Session-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/metrics", collector.MetricsHandler)

	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewIPRateLimiter(cfg.RateLimitPerMin, time.Minute)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(deps.Verifier.RequireAuth)
		api.Use(tagRequestUser)

		api.Group(func(limited chi.Router) {
			limited.Use(RateLimitMiddleware(limiter))
			limited.Post("/attempts/start", deps.Exam.Start)
			limited.Post("/attempts/questions", deps.Exam.Questions)
		})

		api.Get("/attempts/{id}", deps.Exam.GetAttempt)
		api.Put("/attempts/{id}/answers/{questionID}", deps.Exam.SaveAnswer)
		api.Post("/attempts/{id}/events", deps.Exam.RecordEvent)
		api.Post("/attempts/{id}/submit", deps.Exam.Submit)
		api.Get("/credentials/me", deps.Credentials.Mine)

		api.Group(func(staff chi.Router) {
			staff.Use(auth.RequireRoles(auth.RoleAdmin, auth.RoleProktor))
			staff.Get("/attempts/{id}/events", deps.Exam.ListEvents)
			staff.Get("/reports/summary", deps.Reports.Summary)
			staff.Get("/reports/attempts", deps.Reports.Attempts)
			staff.Get("/reports/export.xlsx", deps.Reports.ExportXLSX)
			staff.Get("/question-pools", deps.Questions.Readiness)
			staff.Post("/admin/sweep", deps.Exam.Sweep)
		})
	})

	return r
}

func tagRequestUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := auth.CurrentUser(r.Context()); ok {
			observability.SetUser(r.Context(), u.ID, u.Role)
		}
		next.ServeHTTP(w, r)
	})
}
