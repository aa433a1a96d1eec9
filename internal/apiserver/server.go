// Package apiserver provides the HTTP chat API in front of the Pipeline
// Orchestrator (spec §6 normalized chat contract), generalizing cortex's
// internal/api/api.go Server/NewServer/Start shape from a read-mostly
// status API to a single-purpose chat gateway.
package apiserver

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/antigravity-dev/agentcore/internal/pipeline"
)

// Server is the HTTP chat API server.
type Server struct {
	bind        string
	orchestrator *pipeline.Orchestrator
	logger       *slog.Logger
	startTime    time.Time
	httpServer   *http.Server
}

// NewServer returns a Server bound to bind, dispatching every request to
// orchestrator.
func NewServer(bind string, orchestrator *pipeline.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bind: bind, orchestrator: orchestrator, logger: logger, startTime: time.Now()}
}

// Start begins listening on the configured bind address. Blocks until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChat)

	s.httpServer = &http.Server{
		Addr:        s.bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("apiserver: starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":  true,
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}

// POST /v1/chat/completions — the normalized chat contract entrypoint
// (spec §6 / §4.H.1). When Request.Stream is true, responds with
// newline-delimited JSON StreamEvents instead of a single Response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if !req.Stream {
		resp, err := s.orchestrator.Process(r.Context(), req)
		if err != nil {
			s.logger.Error("apiserver: process failed", "conversation_id", req.ConversationID, "err", err)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s.handleChatStream(w, r, req)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.orchestrator.ProcessStream(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	for ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("apiserver: failed to encode stream event", "err", err)
			continue
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return
		}
		bw.Flush()
		flusher.Flush()
	}
}
