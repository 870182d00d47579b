/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. hlog:       Request-scoped zerolog logger + access log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters by route pattern
  6. CORS:       Cross-origin requests for ERP frontends

ROUTE GROUPS:
  /api/movements      Single-line postings
  /api/transfers      Warehouse transfers
  /api/vouchers/*     Multi-line vouchers, amend, cancel
  /api/partitions/*   Timeline, balance and verification reads
  /api/policies       Negative stock policies
  /metrics            Prometheus scrape endpoint
  /healthz            Liveness and store reachability

SECURITY NOTE:
  No authentication middleware. Deploy behind the ERP gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/stock-ledger/metrics"
)

// NewRouter creates a new router with all routes configured.
// m may be nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, m *metrics.Metrics, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware(m))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/movements", h.PostMovement)
		r.Post("/transfers", h.PostTransfer)

		// Voucher routes
		r.Route("/vouchers", func(r chi.Router) {
			r.Post("/", h.PostVoucher)
			r.Put("/{type}/{no}", h.AmendVoucher)
			r.Delete("/{type}/{no}", h.CancelVoucher)
			r.Get("/{type}/{no}/entries", h.GetVoucherEntries)
		})

		// Partition routes
		r.Route("/partitions", func(r chi.Router) {
			r.Get("/", h.ListPartitions)
			r.Get("/entries", h.GetPartitionEntries)
			r.Get("/balance", h.GetPartitionBalance)
			r.Get("/bin", h.GetCachedBin)
			r.Get("/verify", h.VerifyPartition)
			r.Post("/repair", h.RepairPartition)
		})

		// Verification routes
		r.Route("/verifications", func(r chi.Router) {
			r.Get("/", h.ListVerifications)
			r.Post("/", h.RunVerification)
			r.Get("/schedule", h.GetVerificationSchedule)
		})

		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.GetPolicies)
			r.Put("/", h.PutPolicies)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// metricsMiddleware records request counts and latency by route pattern,
// keeping label cardinality bounded.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Method, pattern, status, time.Since(start))
		})
	}
}
