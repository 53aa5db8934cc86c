package routes

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowledger/core"
	"escrowledger/gateway/middleware"
	"escrowledger/services/audit"
	"escrowledger/services/notify"
)

const defaultPageSize = 50

// Notifications backs the notification endpoints.
type Notifications interface {
	ForRecipient(account string, unreadOnly bool, offset, limit int) ([]notify.Notification, error)
	MarkRead(id uint64, account string) (notify.Notification, error)
}

// AuditTrail backs the admin audit endpoint.
type AuditTrail interface {
	Recent(limit int) ([]audit.Record, error)
	VerifyChain() (int, error)
}

type Config struct {
	Service       *core.Service
	Notifications Notifications
	Audit         AuditTrail
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
	// Tracing wraps the router with otelhttp spans.
	Tracing bool
}

type api struct {
	svc    *core.Service
	notes  Notifications
	audit  AuditTrail
	logger *slog.Logger
}

// New builds the ledger HTTP API.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{svc: cfg.Service, notes: cfg.Notifications, audit: cfg.Audit, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware())
	}

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.Authenticator != nil {
			v1.Use(cfg.Authenticator.Middleware())
		}
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware())
		}

		v1.Get("/balance", a.balance)
		v1.Get("/balance/history", a.history)
		v1.Post("/deposits", a.deposit)
		v1.Post("/withdrawals", a.withdraw)

		v1.Route("/transactions", func(tx chi.Router) {
			tx.Post("/", a.createTransaction)
			tx.Get("/", a.listTransactions)
			tx.Get("/{id}", a.getTransaction)
			tx.Post("/{id}/cancel", a.cancel)
			tx.Post("/{id}/dispute", a.dispute)
			tx.Post("/{id}/{action}", a.transition)
		})

		if a.notes != nil {
			v1.Get("/notifications", a.listNotifications)
			v1.Post("/notifications/{id}/read", a.markRead)
		}

		v1.Route("/admin", func(admin chi.Router) {
			admin.Get("/system", a.systemState)
			admin.Post("/pause", a.pause)
			admin.Post("/resume", a.resume)
			admin.Post("/fee", a.setFee)
			admin.Get("/stats", a.stats)
			admin.Post("/history/prune", a.pruneHistory)
			admin.Post("/transactions/{id}/reverse", a.reverse)
			admin.Post("/transactions/{id}/review", a.review)
			admin.Post("/transactions/{id}/resolve", a.resolve)
			admin.Post("/transactions/{id}/settle-fee", a.settleFee)
			if a.audit != nil {
				admin.Get("/audit", a.auditTrail)
			}
		})
	})

	if cfg.Tracing {
		return otelhttp.NewHandler(r, "escrow-api")
	}
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	state := a.svc.SystemState()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"currency": a.svc.Currency(),
		"paused":   state.Pause.Paused,
	})
}
