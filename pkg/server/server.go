package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/pulquero/agile-powerwall/pkg/controller"
	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/tariff"
)

// maxBodyBytes limits request bodies. A day of half-hour rates is well under
// this.
const maxBodyBytes = 1 << 20

// identity is the verified subject of an ID token.
type identity struct {
	Email   string
	Subject string
}

// tokenVerifier validates a raw OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (identity, error)

// Server exposes ingestion, refresh, schedule inspection and gateway
// settings over HTTP.
type Server struct {
	controller *controller.Controller

	listenAddr  string
	httpServer  *http.Server
	serverName  string
	corsOrigins []string

	verifier      tokenVerifier
	allowedEmails []string
}

// Configured initializes the Server. It uses lflag to register command-line
// flags for configuration. The controller is supplied to Run once the flags
// have been parsed.
func Configured() *Server {
	srv := &Server{
		serverName: "agile-powerwall",
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "Issuer of the ID tokens accepted on /api")
	oidcAudience := lflag.String("oidc-audience", "", "Audience ID tokens must carry, empty disables authentication")
	allowedEmails := lflag.String("allowed-emails", "", "comma-delimited list of email addresses allowed to call /api")
	corsOrigins := lflag.String("cors-origins", "", "comma-delimited list of origins allowed to call /api from a browser")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.allowedEmails = splitList(*allowedEmails)
		srv.corsOrigins = splitList(*corsOrigins)
		if *oidcAudience == "" {
			return
		}
		provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
			os.Exit(1)
		}
		srv.verifier = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
	})

	return srv
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func oidcVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, raw string) (identity, error) {
		token, err := v.Verify(ctx, raw)
		if err != nil {
			return identity{}, err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := token.Claims(&claims); err != nil {
			return identity{}, fmt.Errorf("failed to parse claims: %w", err)
		}
		return identity{Email: claims.Email, Subject: token.Subject}, nil
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/rates", s.handleIngest)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)
	apiMux.HandleFunc("GET /api/schedules", s.handleSchedules)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	var api http.Handler = s.authMiddleware(apiMux)
	if len(s.corsOrigins) > 0 {
		api = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server for c and blocks until the context is canceled
// or an error occurs.
func (s *Server) Run(ctx context.Context, c *controller.Controller) error {
	s.controller = c
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, struct {
		Error string `json:"error"`
	}{Error: msg}, code)
}

// errorResponse carries the class of a failed operation so callers can tell
// a retryable wait from a broken configuration.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusCode maps an error class onto an HTTP status.
func statusCode(kind tariff.Kind) int {
	switch kind {
	case tariff.KindReadiness:
		return http.StatusConflict
	case tariff.KindConfiguration, tariff.KindComposition:
		return http.StatusUnprocessableEntity
	case tariff.KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeClassifiedError(w http.ResponseWriter, r *http.Request, err error) {
	kind := tariff.Classify(err)
	code := statusCode(kind)
	if code == http.StatusInternalServerError {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "request failed", slog.Any("error", err))
	}
	writeJSON(w, errorResponse{Error: err.Error(), Kind: string(kind)}, code)
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
