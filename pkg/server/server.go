package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enocoosync/enocoosync/pkg/common"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/statistics"
	"github.com/enocoosync/enocoosync/pkg/storage"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// Poller polls the dashboard and keeps the latest snapshot.
type Poller interface {
	Update(ctx context.Context) (types.DashboardData, error)
	Data() (types.DashboardData, bool)
}

// Inserter runs statistics insertion passes.
type Inserter interface {
	InsertStatistics(ctx context.Context) error
	Status() statistics.PassStatus
}

// Server serves health, metrics, the latest dashboard snapshot and manual
// triggers for polling and statistics insertion.
type Server struct {
	poller   Poller
	inserter Inserter
	store    storage.Statistics

	listenAddr string
	httpServer *http.Server
	serverName string

	updateEmail string
	verifier    tokenVerifier
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(p Poller, i Inserter, s storage.Statistics) *Server {
	srv := &Server{
		poller:     p,
		inserter:   i,
		store:      s,
		serverName: "enocoosync/" + common.Version(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	updateAudience := lflag.String("update-audience", "", "Audience of the Google ID tokens accepted for the update endpoints. Empty disables authentication.")
	updateEmail := lflag.String("update-email", "", "Email the ID token for the update endpoints must belong to")
	issuer := lflag.String("update-issuer", "https://accounts.google.com", "OIDC issuer of the ID tokens for the update endpoints")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.updateEmail = *updateEmail
		if *updateAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *issuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: *updateAudience}))
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("GET /api/statistics/status", s.handleStatisticsStatus)
	apiMux.HandleFunc("POST /api/statistics/insert", s.handleInsertStatistics)
	apiMux.HandleFunc("GET /api/statistics/{id}", s.handleGetStatistic)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
