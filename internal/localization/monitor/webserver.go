// Package monitor serves the localizer's HTTP surface: health, Prometheus
// metrics and the /debug/ pages (status, charts, diagnostics tail and the
// diagnostics database).
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/dynamic-localization/internal/httputil"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
	"github.com/banshee-data/dynamic-localization/internal/version"
)

var logger = monitoring.For("monitor")

// StatusSource reports the localizer's state.
type StatusSource interface {
	Status() pipeline.Status
}

// AdminRoutes mounts extra /debug/ routes, e.g. the diagnostics store.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

// WebServer serves the monitoring routes.
type WebServer struct {
	address   string
	server    *http.Server
	status    StatusSource
	recorder  *Recorder
	metrics   http.Handler
	publisher *pipeline.Publisher
	admin     []AdminRoutes
	mounts    map[string]http.Handler
}

// WebServerConfig contains configuration options for the web server.
// Every field but Address is optional.
type WebServerConfig struct {
	Address   string
	Status    StatusSource
	Recorder  *Recorder
	Metrics   http.Handler
	Publisher *pipeline.Publisher
	Admin     []AdminRoutes
	// Mounts adds handlers by ServeMux pattern, e.g. "/api/".
	Mounts map[string]http.Handler
}

// NewWebServer builds the server and its routes.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	ws := &WebServer{
		address:   config.Address,
		status:    config.Status,
		recorder:  config.Recorder,
		metrics:   config.Metrics,
		publisher: config.Publisher,
		admin:     config.Admin,
		mounts:    config.Mounts,
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler is the server's root handler.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is done, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		logger.Opsf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Opsf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		logger.Opsf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			logger.Opsf("HTTP server force close error: %v", err)
		}
	}
	logger.Diagf("HTTP server routine stopped")
	return nil
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	if ws.metrics != nil {
		mux.Handle("/metrics", ws.metrics)
	}
	for pattern, h := range ws.mounts {
		mux.Handle(pattern, h)
	}

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Version)
	debug.HandleFunc("localization/status", "Localizer status (JSON)", ws.handleStatus)
	debug.HandleFunc("localization/records", "Recent diagnostics records (JSON, ?limit=N)", ws.handleRecords)
	debug.HandleFunc("localization/charts", "Registration quality and tracking mode charts", ws.handleCharts)
	if ws.publisher != nil {
		ws.publisher.AttachAdminRoutes(mux)
	}
	for _, a := range ws.admin {
		if err := a.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
	}
	if ws.status != nil {
		resp["mode"] = string(ws.status.Status().Mode)
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.status == nil {
		httputil.ServiceUnavailable(w, "no localizer attached")
		return
	}
	httputil.WriteJSONOK(w, ws.status.Status())
}

func (ws *WebServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	if ws.recorder == nil {
		httputil.ServiceUnavailable(w, "no recorder attached")
		return
	}
	records := ws.recorder.Records()
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		if n < len(records) {
			records = records[len(records)-n:]
		}
	}
	httputil.WriteJSONOK(w, records)
}
