// Package api exposes conversations over an OpenAI-compatible HTTP
// surface, so stock chat-completions clients work unmodified.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ghostgpt-server/internal/driver"
	"ghostgpt-server/internal/session"
	"ghostgpt-server/internal/store"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const baseModel = "chatgpt"

// Engine is the slice of the session manager the handlers need.
type Engine interface {
	Ask(ctx context.Context, convID, prompt, variantID string) (driver.Answer, string, error)
	Stream(ctx context.Context, convID, prompt, variantID string) (<-chan driver.DeltaEvent, string, error)
}

// Server is the HTTP front end.
type Server struct {
	engine Engine
	store  *store.Store
	log    *log.Logger
}

func NewServer(engine Engine, st *store.Store, logger *log.Logger) *Server {
	return &Server{engine: engine, store: st, log: logger}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	return r
}

// ListenAndServe blocks until ctx ends, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// Streaming responses can stay open for minutes; no write timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModels lists the base assistant plus every starred nickname.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	models := []ModelObject{{
		ID: baseModel, Object: "model", Created: created, OwnedBy: "ghostgpt",
	}}
	for _, entry := range s.store.List() {
		models = append(models, ModelObject{
			ID: entry.Nickname, Object: "model", Created: created, OwnedBy: "ghostgpt",
		})
	}
	writeJSON(w, http.StatusOK, ModelListResponse{Object: "list", Data: models})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("malformed request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = baseModel
	}

	convID := req.ConversationID
	if convID == "" {
		convID = r.Header.Get("x-conversation-id")
	}

	variantID := ""
	if req.Model != baseModel {
		variantID = s.store.Resolve(req.Model)
	}

	prompt := flattenMessages(req.Messages)
	s.log.Info("chat completion request",
		"model", req.Model, "variant", variantID, "conversation", convID, "stream", req.Stream)

	if req.Stream {
		s.streamCompletion(w, r, req.Model, convID, prompt, variantID)
		return
	}

	answer, convID, err := s.engine.Ask(r.Context(), convID, prompt, variantID)
	if err != nil {
		status, kind := classifyError(err)
		writeError(w, status, kind, err.Error())
		return
	}

	// Soft outcomes still produce a normal response; partial text is
	// better than an error the client cannot act on.
	if answer.Outcome != driver.OutcomeCompleted {
		s.log.Warn("turn ended without clean completion", "outcome", answer.Outcome.String())
	}

	w.Header().Set("x-conversation-id", convID)
	writeJSON(w, http.StatusOK, newCompletionResponse(req.Model, convID, answer.Text))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, model, convID, prompt, variantID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported by connection")
		return
	}

	deltas, convID, err := s.engine.Stream(r.Context(), convID, prompt, variantID)
	if err != nil {
		status, kind := classifyError(err)
		writeError(w, status, kind, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("x-conversation-id", convID)
	w.WriteHeader(http.StatusOK)

	id := completionID()
	created := time.Now().Unix()
	send := func(chunk ChatCompletionChunk) {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}

	send(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []StreamChoice{{Delta: DeltaContent{Role: "assistant"}}},
	})

	for ev := range deltas {
		send(ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []StreamChoice{{Delta: DeltaContent{Content: ev.Text}}},
		})
	}

	stop := "stop"
	send(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []StreamChoice{{FinishReason: &stop}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, driver.ErrNotAuthenticated):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout_error"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Message: message, Type: kind}})
}

var _ Engine = (*session.Manager)(nil)
