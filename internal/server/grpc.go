package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"CauldronLedger/internal/core"
	"CauldronLedger/internal/observability"
	"CauldronLedger/internal/persistence"
	"CauldronLedger/internal/projection"
	"CauldronLedger/internal/query"
)

// Server hosts the gRPC endpoint (health and reflection) and the HTTP
// JSON API. The JSON routes are served straight off the gateway mux;
// the engine's command surface is deliberately not exposed over HTTP.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	health     *observability.HealthChecker
	log        zerolog.Logger
}

// Deps holds everything the API surface reads from.
type Deps struct {
	DB          *sql.DB
	Query       *query.Service
	Engine      *core.Engine
	SnapshotMgr *persistence.SnapshotManager
	Metrics     *observability.Metrics
	Health      *observability.HealthChecker
	Log         zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		health:     deps.Health,
		log:        deps.Log,
	}
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.buildHTTPHandler(deps),
	}
	return s
}

// ServeGRPC starts the gRPC listener, blocking until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// ServeHTTP starts the JSON API listener, blocking until ctx is
// cancelled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildHTTPHandler(deps *Deps) http.Handler {
	mux := runtime.NewServeMux()

	handle := func(method, pattern, endpoint string, h runtime.HandlerFunc) {
		mux.HandlePath(method, pattern, instrument(deps.Metrics, endpoint, h))
	}

	handle(http.MethodGet, "/v1/balances/{owner}", "balances",
		func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			balances, err := deps.Query.VaultBalances(r.Context(), params["owner"])
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"balances": balances})
		})

	handle(http.MethodGet, "/v1/markets/{id}", "market",
		func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			m, err := deps.Query.Market(r.Context(), params["id"])
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if m == nil {
				writeError(w, http.StatusNotFound, fmt.Errorf("market %s not found", params["id"]))
				return
			}
			writeJSON(w, http.StatusOK, m)
		})

	handle(http.MethodGet, "/v1/markets/{id}/users/{user}", "market_user",
		func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			u, err := deps.Query.MarketUser(r.Context(), params["id"], params["user"])
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, u)
		})

	handle(http.MethodGet, "/v1/liquidations/{liquidator}", "liquidations",
		func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			results, err := deps.Query.Liquidations(r.Context(), params["liquidator"])
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": results})
		})

	handle(http.MethodGet, "/v1/journal/{account}", "journal",
		func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			limit := 100
			if v := r.URL.Query().Get("limit"); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
					limit = n
				}
			}
			var after *int64
			if v := r.URL.Query().Get("after"); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					after = &n
				}
			}
			entries, err := deps.Query.JournalHistory(r.Context(), params["account"], limit, after)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
		})

	handle(http.MethodGet, "/v1/status", "status",
		func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			latest := int64(-1)
			if deps.SnapshotMgr != nil {
				if seq, err := deps.SnapshotMgr.LatestSequence(r.Context()); err == nil {
					latest = seq
				}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"next_sequence":      deps.Engine.GetSequence(),
				"persisted_sequence": latest,
			})
		})

	handle(http.MethodGet, "/v1/admin/integrity", "integrity",
		func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			report, err := deps.Query.VerifyIntegrity(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

	handle(http.MethodPost, "/v1/admin/rebuild-projections", "rebuild",
		func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			if err := projection.Rebuild(r.Context(), deps.DB, deps.Log); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
		})

	outer := http.NewServeMux()
	if s.health != nil {
		outer.HandleFunc("/healthz", s.health.LivenessHandler)
		outer.HandleFunc("/readyz", s.health.ReadinessHandler)
	} else {
		outer.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	outer.Handle("/metrics", promhttp.Handler())
	outer.Handle("/", mux)
	return outer
}

func instrument(m *observability.Metrics, endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	if m == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
