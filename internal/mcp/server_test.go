package mcp

import (
	"io"
	"path/filepath"
	"testing"

	"ghostgpt-server/internal/config"
	"ghostgpt-server/internal/store"

	"github.com/charmbracelet/log"
)

func newTestMCP(t *testing.T) *Server {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "config.json"), log.New(io.Discard))
	return NewServer(config.DefaultConfig(), nil, st, log.New(io.Discard))
}

func TestAllToolsRegistered(t *testing.T) {
	s := newTestMCP(t)

	want := []string{
		"ask", "list_gpts", "search_gpts",
		"star_gpt", "unstar_gpt", "set_default_gpt",
		"list_conversations", "close_conversation",
	}
	for _, name := range want {
		if _, ok := s.tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if len(s.tools) != len(want) {
		t.Errorf("registered %d tools, want %d", len(s.tools), len(want))
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	s := newTestMCP(t)
	if _, err := s.ExecuteTool("no_such_tool", nil); err == nil {
		t.Error("unknown tool must fail")
	}
}

func TestStarToolRoundTrip(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.ExecuteTool("star_gpt", map[string]interface{}{
		"nickname": "coder",
		"gpt_id":   "g-abc",
	})
	if err != nil {
		t.Fatalf("star_gpt failed: %v", err)
	}
	payload, ok := result.(map[string]interface{})
	if !ok || payload["success"] != true {
		t.Errorf("payload = %+v", result)
	}
	if got := s.store.Resolve("coder"); got != "g-abc" {
		t.Errorf("Resolve(coder) = %q after star_gpt", got)
	}

	if _, err := s.ExecuteTool("set_default_gpt", map[string]interface{}{"gpt": "coder"}); err != nil {
		t.Fatalf("set_default_gpt failed: %v", err)
	}
	if got := s.store.Resolve("anything"); got != "g-abc" {
		t.Errorf("default not applied, Resolve = %q", got)
	}

	if _, err := s.ExecuteTool("unstar_gpt", map[string]interface{}{"nickname": "coder"}); err != nil {
		t.Fatalf("unstar_gpt failed: %v", err)
	}
	if got := s.store.Resolve("coder"); got != "" {
		t.Errorf("Resolve after unstar = %q", got)
	}
}

func TestToolArgValidation(t *testing.T) {
	s := newTestMCP(t)

	if _, err := s.ExecuteTool("ask", map[string]interface{}{}); err == nil {
		t.Error("ask without prompt must fail")
	}
	if _, err := s.ExecuteTool("search_gpts", map[string]interface{}{}); err == nil {
		t.Error("search_gpts without query must fail")
	}
	if _, err := s.ExecuteTool("close_conversation", map[string]interface{}{}); err == nil {
		t.Error("close_conversation without id must fail")
	}
	if _, err := s.ExecuteTool("star_gpt", map[string]interface{}{"nickname": "x"}); err == nil {
		t.Error("star_gpt without gpt_id must fail")
	}
}

func TestHelperCoercions(t *testing.T) {
	args := map[string]interface{}{
		"s": "text",
		"n": float64(7),
		"i": 3,
	}
	if got := getStringArg(args, "s"); got != "text" {
		t.Errorf("getStringArg = %q", got)
	}
	if got := getStringArg(args, "missing"); got != "" {
		t.Errorf("missing string = %q", got)
	}
	if got := getIntArg(args, "n", 0); got != 7 {
		t.Errorf("json number = %d, want 7", got)
	}
	if got := getIntArg(args, "i", 0); got != 3 {
		t.Errorf("int = %d, want 3", got)
	}
	if got := getIntArg(args, "missing", 20); got != 20 {
		t.Errorf("fallback = %d, want 20", got)
	}
}
