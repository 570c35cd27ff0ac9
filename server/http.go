// Package server provides the diagnostics HTTP server for the pruning
// layer: JSON snapshots of the journal and reference table, store stats
// and the Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/journal"
	"github.com/wolfeidau/trie-prune/retention"
	"github.com/wolfeidau/trie-prune/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer-token authentication when non-empty.
	// /health and /metrics stay open.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the diagnostics HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	store   *journal.Store
	manager *retention.Manager
}

// New creates a diagnostics server over the journal. manager may be nil
// when no retention manager is running.
func New(store *journal.Store, manager *retention.Manager, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		store:   store,
		manager: manager,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Journal and store stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Journal and reference-table snapshots
	mux.HandleFunc("GET /v1/journal", s.handleJournal)
	mux.HandleFunc("GET /v1/refs", s.handleRefs)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	PruneEnabled   bool              `json:"prune_enabled"`
	OpenBlocks     int               `json:"open_blocks"`
	PendingInserts int               `json:"pending_inserts"`
	PendingDeletes int               `json:"pending_deletes"`
	TrackedKeys    int               `json:"tracked_keys"`
	StoredKeys     int               `json:"stored_keys"`
	Retention      *retention.Result `json:"retention,omitempty"`
}

// handleStats handles journal statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	keys, err := s.store.Keys(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statsResponse{
		PruneEnabled:   s.store.PruneEnabled(),
		OpenBlocks:     s.store.OpenBlocks(),
		PendingInserts: s.store.PendingInserts(),
		PendingDeletes: s.store.PendingDeletes(),
		TrackedKeys:    len(s.store.RefCounts()),
		StoredKeys:     len(keys),
	}
	if s.manager != nil {
		resp.Retention = s.manager.Status()
	}

	writeJSON(w, http.StatusOK, resp)
}

type journalEntry struct {
	Block    string   `json:"block"`
	Number   uint64   `json:"number"`
	Inserted []string `json:"inserted,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// handleJournal returns the sealed block updates in seal order.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "journal")

	updates := s.store.BlockUpdates()
	entries := make([]journalEntry, 0, len(updates))
	for _, u := range updates {
		entries = append(entries, journalEntry{
			Block:    u.Block.String(),
			Number:   u.Number,
			Inserted: sortedHex(u.Inserted),
			Deleted:  sortedHex(u.Deleted),
		})
	}

	writeJSON(w, http.StatusOK, entries)
}

type refEntry struct {
	Key         string `json:"key"`
	Durable     bool   `json:"durable"`
	JournalRefs int    `json:"journal_refs"`
	TotalRefs   int    `json:"total_refs"`
}

// handleRefs returns the reference table sorted by key.
func (s *Server) handleRefs(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refs")

	refs := s.store.RefCounts()
	entries := make([]refEntry, 0, len(refs))
	for k, rc := range refs {
		entries = append(entries, refEntry{
			Key:         k.Hex(),
			Durable:     rc.Durable,
			JournalRefs: rc.JournalRefs,
			TotalRefs:   rc.TotalRefs,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	writeJSON(w, http.StatusOK, entries)
}

func sortedHex(keys map[trieprune.Key]struct{}) []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k.Hex())
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set the endpoint label.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting diagnostics server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down diagnostics server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
