package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gridcredit/accounting/internal/database"
	mw "github.com/gridcredit/accounting/internal/middleware"
	iredis "github.com/gridcredit/accounting/internal/redis"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Wallet handlers
	Balance            http.HandlerFunc
	AddCredits         http.HandlerFunc
	AddCreditsBulk     http.HandlerFunc
	SetBalance         http.HandlerFunc
	ReserveCredits     http.HandlerFunc
	ReserveCreditsBulk http.HandlerFunc
	ChargeReservation  http.HandlerFunc
	Transfer           http.HandlerFunc
	RetrieveWallets    http.HandlerFunc

	// Directory handlers
	SaveProject     http.HandlerFunc
	PublishCategory http.HandlerFunc

	// Provider notification stream; authenticates inside its own handshake
	Notifications http.HandlerFunc

	AuthMiddleware    func(http.Handler) http.Handler
	WalletRateLimiter func(http.Handler) http.Handler

	// Role gates, applied after AuthMiddleware
	RequireOperator     func(http.Handler) http.Handler
	RequireWalletReader func(http.Handler) http.Handler

	ProviderSessions func() int
}

type RouterConfig struct {
	CORSAllowedOrigins []string
}

// HealthChecker reports whether a connection is usable.
type HealthChecker interface {
	Healthy() bool
}

// Deps are the backing services checked by the readiness endpoint. Any of them
// may be nil.
type Deps struct {
	Pool  *pgxpool.Pool
	NATS  HealthChecker
	Redis redis.Cmdable
}

func NewRouter(deps Deps, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":            "healthy",
			"database":          "not configured",
			"nats":              "not configured",
			"redis":             "not configured",
			"provider_sessions": "0",
		}
		status := http.StatusOK
		degrade := func(component string) {
			health[component] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if deps.Pool != nil {
			health["database"] = "healthy"
			if err := database.HealthCheck(r.Context(), deps.Pool); err != nil {
				degrade("database")
			}
		}
		if deps.NATS != nil {
			health["nats"] = "healthy"
			if !deps.NATS.Healthy() {
				degrade("nats")
			}
		}
		// Redis only backs rate limiting, which fails open.
		if deps.Redis != nil {
			health["redis"] = "healthy"
			if err := iredis.HealthCheck(r.Context(), deps.Redis); err != nil {
				health["redis"] = "unhealthy"
			}
		}
		if h.ProviderSessions != nil {
			health["provider_sessions"] = strconv.Itoa(h.ProviderSessions())
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/accounting", func(r chi.Router) {
		if h.Notifications != nil {
			r.Get("/notifications", h.Notifications)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			if h.WalletRateLimiter != nil {
				r.Use(h.WalletRateLimiter)
			}

			r.Route("/wallets", func(r chi.Router) {
				r.Get("/balance", h.Balance)
				r.Post("/transfer", h.Transfer)

				r.Group(func(r chi.Router) {
					r.Use(h.RequireWalletReader)
					r.Post("/retrieveWallets", h.RetrieveWallets)
				})

				r.Group(func(r chi.Router) {
					r.Use(h.RequireOperator)
					r.Post("/add-credits", h.AddCredits)
					r.Post("/add-credits-bulk", h.AddCreditsBulk)
					r.Post("/set-balance", h.SetBalance)
					r.Post("/reserve-credits", h.ReserveCredits)
					r.Post("/reserve-credits-bulk", h.ReserveCreditsBulk)
					r.Post("/charge-reservation", h.ChargeReservation)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(h.RequireOperator)
				r.Post("/projects", h.SaveProject)
				r.Put("/projects/{projectID}", h.SaveProject)
				r.Post("/products", h.PublishCategory)
			})
		})
	})

	return r
}
