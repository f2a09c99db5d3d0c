// Package api serves the localizer's control surface as JSON over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/httputil"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
	"github.com/banshee-data/dynamic-localization/internal/security"
)

var logger = monitoring.For("api")

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Localizer is the control surface both the HTTP and gRPC transports drive.
type Localizer interface {
	StartProcessing() pipeline.Reply
	StopProcessing() pipeline.Reply
	ReloadConfiguration(path string) pipeline.Reply
	ReloadReferenceMap(ctx context.Context) pipeline.Reply
	SaveReferenceMap(ctx context.Context, dst refmap.Sink, binary bool) pipeline.Reply
	SetInitialPose(p geometry.PoseWithCovariance) pipeline.Reply
	Reset() pipeline.Reply
	ResetProcessedCount() pipeline.Reply
	Status() pipeline.Status
	AcceptedCorrections() []geometry.Pose
}

// Options restrict what remote callers may touch.
type Options struct {
	// AllowedDirs bounds config and map paths given in requests. Empty
	// means requests may not name paths at all.
	AllowedDirs []string
	// S3 configures s3:// map locations.
	S3 refmap.S3Options
	// Now stamps initial poses that arrive without a timestamp.
	Now func() time.Time
}

type Server struct {
	loc  Localizer
	opts Options
}

func NewServer(loc Localizer, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{loc: loc, opts: opts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Diagf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the control routes. Mount it under /api/.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/localization/status", s.handleStatus)
	mux.HandleFunc("/localization/corrections", s.handleCorrections)
	mux.HandleFunc("/localization/start", s.post(func(r *http.Request) pipeline.Reply { return s.loc.StartProcessing() }))
	mux.HandleFunc("/localization/stop", s.post(func(r *http.Request) pipeline.Reply { return s.loc.StopProcessing() }))
	mux.HandleFunc("/localization/reset", s.post(func(r *http.Request) pipeline.Reply { return s.loc.Reset() }))
	mux.HandleFunc("/localization/reset_processed_count", s.post(func(r *http.Request) pipeline.Reply { return s.loc.ResetProcessedCount() }))
	mux.HandleFunc("/localization/reload_map", s.post(func(r *http.Request) pipeline.Reply { return s.loc.ReloadReferenceMap(r.Context()) }))
	mux.HandleFunc("/localization/reload_config", s.post(s.reloadConfig))
	mux.HandleFunc("/localization/save_map", s.post(s.saveMap))
	mux.HandleFunc("/localization/initial_pose", s.post(s.initialPose))
	return mux
}

// post wraps a control action: POST only, reply as JSON, 409 when the
// localizer refused.
func (s *Server) post(action func(r *http.Request) pipeline.Reply) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		reply := action(r)
		status := http.StatusOK
		if !reply.OK {
			status = http.StatusConflict
		}
		httputil.WriteJSON(w, status, reply)
	}
}

func rejected(err error) pipeline.Reply {
	return pipeline.Reply{OK: false, Message: err.Error()}
}

func (s *Server) checkPath(path string) error {
	if len(s.opts.AllowedDirs) == 0 {
		return fmt.Errorf("paths are not accepted by this server")
	}
	return security.ValidatePathWithinAllowedDirs(path, s.opts.AllowedDirs)
}

func (s *Server) reloadConfig(r *http.Request) pipeline.Reply {
	path := r.FormValue("path")
	if path != "" {
		if err := s.checkPath(path); err != nil {
			return rejected(err)
		}
	}
	return s.loc.ReloadConfiguration(path)
}

func (s *Server) saveMap(r *http.Request) pipeline.Reply {
	location := r.FormValue("location")
	if location == "" {
		return rejected(fmt.Errorf("missing 'location' parameter"))
	}
	if !strings.HasPrefix(location, "s3://") {
		if err := s.checkPath(location); err != nil {
			return rejected(err)
		}
	}
	dst, err := refmap.OpenLocation(r.Context(), location, s.opts.S3)
	if err != nil {
		return rejected(err)
	}
	binary, _ := strconv.ParseBool(r.FormValue("binary"))
	return s.loc.SaveReferenceMap(r.Context(), dst, binary)
}

func (s *Server) initialPose(r *http.Request) pipeline.Reply {
	var req PoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return rejected(fmt.Errorf("decode pose: %w", err))
	}
	p, err := req.Pose(s.opts.Now())
	if err != nil {
		return rejected(err)
	}
	return s.loc.SetInitialPose(p)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.loc.Status())
}

func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.loc.AcceptedCorrections())
}
