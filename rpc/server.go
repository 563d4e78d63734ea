package rpc

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"synthd/native/oracle"
	"synthd/native/stable"
	"synthd/observability"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the solvency engine over HTTP.
type Server struct {
	engine  *stable.Engine
	log     *slog.Logger
	metrics *observability.EngineMetrics
}

// NewServer wires an engine into an HTTP facade.
func NewServer(engine *stable.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, log: log, metrics: observability.Engine()}
}

// Router mounts every endpoint and returns the root handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.Post("/deposit", s.handleDeposit)
		v.Post("/mint", s.handleMint)
		v.Post("/deposit-and-mint", s.handleDepositAndMint)
		v.Post("/redeem", s.handleRedeem)
		v.Post("/burn", s.handleBurn)
		v.Post("/redeem-and-burn", s.handleRedeemAndBurn)
		v.Post("/liquidate", s.handleLiquidate)

		v.Get("/assets", s.handleAssets)
		v.Get("/position/{address}", s.handlePosition)
		v.Get("/collateral/{address}/{asset}", s.handleCollateral)
		v.Get("/value/{asset}", s.handleUsdValue)
		v.Get("/asset-amount/{asset}", s.handleAssetAmount)
	})

	return r
}

// requestID stamps every request with a correlation identifier and logs
// the outcome.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) observe(operation string, start time.Time, err error) {
	s.metrics.ObserveOperation(operation, start, err)
	if err == nil {
		return
	}
	if reason := oracleRejectReason(err); reason != "" {
		s.metrics.ObserveOracleReject(reason)
	}
	s.log.Info("engine operation rejected", "operation", operation, "error", err)
}

func oracleRejectReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "invalid"
	case errors.Is(err, oracle.ErrUnknownFeed):
		return "unknown_feed"
	case errors.Is(err, oracle.ErrNoReading):
		return "no_reading"
	default:
		return ""
	}
}
