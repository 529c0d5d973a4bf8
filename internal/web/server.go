// Package web exposes the daemon's HTTP surface: a live SSE stream of
// classification results, health and provider status endpoints, and an
// ad-hoc classification endpoint.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/sift/internal/agent"
	"github.com/user/sift/internal/hub"
	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/types"
	"github.com/user/sift/pkg/llm"
)

const defaultHeartbeat = 30 * time.Second

// StatusReporter lists the current provider statuses. *provider.Registry
// satisfies it.
type StatusReporter interface {
	Statuses() []provider.Status
}

// CatalogSource exposes the current tool catalog. *provider.Registry
// satisfies it.
type CatalogSource interface {
	Catalog() []provider.ToolDescriptor
}

// Classifier runs one classification over a batch. *agent.Agent satisfies it.
type Classifier interface {
	Triage(ctx context.Context, notifications []types.Notification, tools []llm.Tool) (*types.TriageResult, error)
}

// Server is the HTTP handler for the daemon.
type Server struct {
	hub       *hub.Hub
	statuses  StatusReporter
	catalog   CatalogSource
	classify  Classifier
	logger    *slog.Logger
	heartbeat time.Duration
	mux       *http.ServeMux
}

// NewServer creates a Server around the given collaborators.
func NewServer(h *hub.Hub, statuses StatusReporter, catalog CatalogSource, classify Classifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:       h,
		statuses:  statuses,
		catalog:   catalog,
		classify:  classify,
		logger:    logger.With("component", "web"),
		heartbeat: defaultHeartbeat,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /api/providers", s.handleProviders)
	s.mux.HandleFunc("POST /classify", s.handleClassify)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"subscribers": s.hub.Count(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.statuses.Statuses())
}

// handleEvents streams classification results as server-sent events. Each
// frame is "data: <json>\n\n". Idle connections receive heartbeat frames;
// a shutdown frame is sent when the hub closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)
	s.logger.Debug("stream subscriber connected", "subscriber", id)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("stream subscriber disconnected", "subscriber", id)
			return
		case ev, open := <-ch:
			if !open {
				writeFrame(w, types.ResultEvent{Source: "system", Type: "shutdown", Timestamp: time.Now()})
				flusher.Flush()
				return
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := writeFrame(w, types.ResultEvent{Source: "system", Type: "heartbeat", Timestamp: time.Now()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, ev types.ResultEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// classifyRequest is the JSON body for POST /classify.
type classifyRequest struct {
	Notifications []types.Notification `json:"notifications"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Notifications) == 0 {
		http.Error(w, `{"error":"notifications are required"}`, http.StatusBadRequest)
		return
	}

	tools := agent.LLMTools(s.catalog.Catalog())
	result, err := s.classify.Triage(r.Context(), req.Notifications, tools)
	if err != nil {
		s.logger.Error("ad-hoc classification failed", "error", err)
		http.Error(w, `{"error":"classification failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
