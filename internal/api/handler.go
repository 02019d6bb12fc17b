package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/wrenproxy/internal/metrics"
	"github.com/kalambet/wrenproxy/internal/wren"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins is the CORS allow-list. Empty means "*".
	AllowedOrigins []string
	Logger         *slog.Logger
	// Metrics enables request instrumentation and GET /metrics when non-nil.
	Metrics *metrics.Collector
}

// NewHandler returns the relay's HTTP API. Relay routes are served at the
// root and again under /api.
func NewHandler(relay *wren.Relay, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(RequestLogger(logger))
	r.Use(Recoverer(logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	corsOpts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
	// Credentialed responses cannot carry a literal "*"; echo the Origin.
	if slices.Contains(origins, "*") {
		corsOpts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	} else {
		corsOpts.AllowedOrigins = origins
	}
	r.Use(cors.Handler(corsOpts))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	h := &relayHandler{relay: relay, logger: logger}
	h.routes(r)
	r.Route("/api", h.routes)

	return r
}

type relayHandler struct {
	relay  *wren.Relay
	logger *slog.Logger
}

func (h *relayHandler) routes(r chi.Router) {
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireCredential)

		r.Get("/validate-key", h.handleValidateKey)
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			r.Method(method, "/wren-call/*", http.HandlerFunc(h.handleWrenCall))
		}
		r.Post("/stream-call/*", h.handleStreamCall)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *relayHandler) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("project_id") {
		httpError(w, http.StatusUnprocessableEntity, "project_id query parameter is required")
		return
	}

	body, err := h.relay.Validate(r.Context(), credentialFrom(r.Context()), q.Get("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, body)
}

func (h *relayHandler) handleWrenCall(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeProxyRequest(w, r)
	if !ok {
		return
	}

	body, err := h.relay.Handle(r.Context(), chi.URLParam(r, "*"), req, credentialFrom(r.Context()), r.Method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, body)
}

func (h *relayHandler) handleStreamCall(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeProxyRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := h.relay.HandleStream(r.Context(), chi.URLParam(r, "*"), req, credentialFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := stream.Pipe(w, flusher.Flush); err != nil {
		h.logger.DebugContext(r.Context(), "stream client went away",
			"chunks", stream.Chunks(),
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
	}
}

func decodeProxyRequest(w http.ResponseWriter, r *http.Request) (wren.ProxyRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req wren.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return wren.ProxyRequest{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeError renders err as {"detail": ...}. Only *wren.Error details reach
// the caller; anything else is a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var e *wren.Error
	if errors.As(err, &e) {
		httpError(w, e.Status, e.Detail)
		return
	}
	httpError(w, http.StatusInternalServerError, "Internal server error")
}

func httpError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
