package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ghostgpt-server/internal/driver"
	"ghostgpt-server/internal/store"

	"github.com/charmbracelet/log"
)

type stubEngine struct {
	answer driver.Answer
	deltas []string
	err    error

	gotConvID  string
	gotPrompt  string
	gotVariant string
}

func (e *stubEngine) Ask(ctx context.Context, convID, prompt, variantID string) (driver.Answer, string, error) {
	e.gotConvID, e.gotPrompt, e.gotVariant = convID, prompt, variantID
	if e.err != nil {
		return driver.Answer{}, "", e.err
	}
	if convID == "" {
		convID = "conv-test"
	}
	return e.answer, convID, nil
}

func (e *stubEngine) Stream(ctx context.Context, convID, prompt, variantID string) (<-chan driver.DeltaEvent, string, error) {
	e.gotConvID, e.gotPrompt, e.gotVariant = convID, prompt, variantID
	if e.err != nil {
		return nil, "", e.err
	}
	out := make(chan driver.DeltaEvent)
	go func() {
		defer close(out)
		for _, d := range e.deltas {
			out <- driver.DeltaEvent{Text: d}
		}
	}()
	if convID == "" {
		convID = "conv-test"
	}
	return out, convID, nil
}

func newTestServer(t *testing.T, engine *stubEngine) (*Server, *store.Store) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "config.json"), log.New(io.Discard))
	return NewServer(engine, st, log.New(io.Discard)), st
}

func postCompletion(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestModelsIncludeStarredNicknames(t *testing.T) {
	srv, st := newTestServer(t, &stubEngine{})
	if err := st.Star("coder", "g-abc"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp ModelListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q, want list", resp.Object)
	}
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	want := []string{"chatgpt", "coder"}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("model ids = %v, want %v", ids, want)
	}
}

func TestChatCompletionBlocking(t *testing.T) {
	engine := &stubEngine{answer: driver.Answer{Text: "hi back", Outcome: driver.OutcomeCompleted}}
	srv, _ := newTestServer(t, engine)

	rec := postCompletion(t, srv, `{
		"model": "chatgpt",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("x-conversation-id"); got != "conv-test" {
		t.Errorf("x-conversation-id = %q", got)
	}

	var resp ChatCompletionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") || len(resp.ID) != len("chatcmpl-")+24 {
		t.Errorf("id = %q, want a chatcmpl- prefixed random id", resp.ID)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi back" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if engine.gotPrompt != "be terse\n\nhello" {
		t.Errorf("prompt = %q, want system preamble plus last user message", engine.gotPrompt)
	}
	if engine.gotVariant != "" {
		t.Errorf("variant = %q, want empty for the base model", engine.gotVariant)
	}
}

func TestChatCompletionResolvesNickname(t *testing.T) {
	engine := &stubEngine{answer: driver.Answer{Text: "ok"}}
	srv, st := newTestServer(t, engine)
	if err := st.Star("coder", "g-abc"); err != nil {
		t.Fatal(err)
	}

	rec := postCompletion(t, srv, `{"model":"coder","messages":[{"role":"user","content":"x"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if engine.gotVariant != "g-abc" {
		t.Errorf("variant = %q, want g-abc", engine.gotVariant)
	}
}

func TestChatCompletionConversationHeader(t *testing.T) {
	engine := &stubEngine{answer: driver.Answer{Text: "ok"}}
	srv, _ := newTestServer(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"x"}]}`))
	req.Header.Set("x-conversation-id", "conv-42")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if engine.gotConvID != "conv-42" {
		t.Errorf("conversation id = %q, want conv-42", engine.gotConvID)
	}
}

func TestChatCompletionBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})

	if rec := postCompletion(t, srv, `{"messages":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty messages: status = %d, want 400", rec.Code)
	}
	if rec := postCompletion(t, srv, `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionAuthError(t *testing.T) {
	engine := &stubEngine{err: driver.ErrNotAuthenticated}
	srv, _ := newTestServer(t, engine)

	rec := postCompletion(t, srv, `{"messages":[{"role":"user","content":"x"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	engine := &stubEngine{deltas: []string{"Hel", "lo the", "re"}}
	srv, _ := newTestServer(t, engine)

	rec := postCompletion(t, srv, `{"messages":[{"role":"user","content":"x"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if got := rec.Header().Get("x-conversation-id"); got != "conv-test" {
		t.Errorf("x-conversation-id = %q", got)
	}

	var chunks []ChatCompletionChunk
	sawDone := false
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		chunks = append(chunks, chunk)
	}

	if !sawDone {
		t.Error("stream did not end with [DONE]")
	}
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want role + 3 deltas + finish", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk role = %q", chunks[0].Choices[0].Delta.Role)
	}

	var text strings.Builder
	for _, c := range chunks[1 : len(chunks)-1] {
		text.WriteString(c.Choices[0].Delta.Content)
	}
	if text.String() != "Hello there" {
		t.Errorf("streamed text = %q, want %q", text.String(), "Hello there")
	}

	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Errorf("final chunk finish_reason = %v, want stop", last.Choices[0].FinishReason)
	}
	for _, c := range chunks {
		if c.Object != "chat.completion.chunk" {
			t.Errorf("chunk object = %q", c.Object)
		}
	}
}

func TestFlattenMessages(t *testing.T) {
	cases := []struct {
		name     string
		messages []ChatMessage
		want     string
	}{
		{
			name:     "single user",
			messages: []ChatMessage{{Role: "user", Content: "hi"}},
			want:     "hi",
		},
		{
			name: "system preamble",
			messages: []ChatMessage{
				{Role: "system", Content: "be kind"},
				{Role: "user", Content: "hi"},
			},
			want: "be kind\n\nhi",
		},
		{
			name: "last user wins",
			messages: []ChatMessage{
				{Role: "user", Content: "first"},
				{Role: "assistant", Content: "reply"},
				{Role: "user", Content: "second"},
			},
			want: "second",
		},
		{
			name: "multiple system parts",
			messages: []ChatMessage{
				{Role: "system", Content: "a"},
				{Role: "system", Content: "b"},
				{Role: "user", Content: "q"},
			},
			want: "a\n\nb\n\nq",
		},
		{
			name:     "assistant only falls back to last",
			messages: []ChatMessage{{Role: "assistant", Content: "just this"}},
			want:     "just this",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := flattenMessages(tc.messages); got != tc.want {
				t.Errorf("flattenMessages = %q, want %q", got, tc.want)
			}
		})
	}
}
