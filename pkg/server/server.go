// Package server exposes the memory plane's two adapter entry points
// over HTTP, plus health and metrics. It is deliberately thin: shape
// validation and transport only, no memory semantics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Server serves the HTTP surface over a memory.Adapter.
type Server struct {
	adapter memory.Adapter
	httpSrv *http.Server
}

// New creates a Server listening on addr.
func New(addr string, adapter memory.Adapter) *Server {
	s := &Server{adapter: adapter}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/memory/query", s.handleQuery)
	mux.HandleFunc("/v1/memory/events", s.handleEvent)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           withRequestID(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("HTTP server listening on %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logging.Infof("HTTP server shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

// queryRequest is the wire shape of POST /v1/memory/query.
type queryRequest struct {
	Text     string            `json:"text"`
	UserID   string            `json:"user_id"`
	TenantID string            `json:"tenant_id"`
	AgentID  string            `json:"agent_id,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
	K        int               `json:"k,omitempty"`
}

type queryResponse struct {
	Hits    []memory.MemoryHit `json:"hits"`
	Context string             `json:"context,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	hits := s.adapter.Retrieve(r.Context(), memory.QueryContext{
		Text:      req.Text,
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		AgentID:   req.AgentID,
		Timestamp: time.Now().Unix(),
		Tags:      req.Tags,
		Filters:   req.Filters,
	}, req.K)
	if hits == nil {
		hits = []memory.MemoryHit{}
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Hits:    hits,
		Context: memory.FormatContext(hits),
	})
}

type eventResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var event memory.MemoryEvent
	if err := decodeJSON(w, r, &event); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if event.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if event.UserID == "" {
		// Without a user id the memory would be orphaned: retrieval
		// filters by user first, so it could never be read back.
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	accepted := s.adapter.EnqueueWrite(&event)
	writeJSON(w, http.StatusAccepted, eventResponse{Accepted: accepted})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("Server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withRequestID stamps every request with an id for log correlation.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debugf("HTTP %s %s request_id=%s duration=%s",
			r.Method, r.URL.Path, requestID, time.Since(start))
	})
}
