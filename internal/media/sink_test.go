package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

type stubPage struct {
	result string
	err    error
}

func (p *stubPage) Eval(js string, args ...interface{}) (json.RawMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return json.RawMessage(p.result), nil
}

func TestPersistWritesImage(t *testing.T) {
	payload := []byte("fake png bytes")
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
	page := &stubPage{result: fmt.Sprintf(`{"data":%q}`, dataURI)}

	dir := t.TempDir()
	s := NewSink(dir, log.New(io.Discard))

	path := s.Persist(context.Background(), page, "https://example.com/img", 1)
	if path == "" {
		t.Fatal("Persist returned empty path")
	}
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("path = %q, want .png suffix", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved image: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("saved bytes differ")
	}
}

func TestPersistFailuresReturnEmpty(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(dir, log.New(io.Discard))
	ctx := context.Background()

	if got := s.Persist(ctx, &stubPage{err: fmt.Errorf("boom")}, "u", 1); got != "" {
		t.Errorf("eval error: path = %q, want empty", got)
	}
	if got := s.Persist(ctx, &stubPage{result: `{"error":"fetch failed: 403"}`}, "u", 1); got != "" {
		t.Errorf("in-page error: path = %q, want empty", got)
	}
	if got := s.Persist(ctx, &stubPage{result: `{"data":"not a data uri"}`}, "u", 1); got != "" {
		t.Errorf("malformed uri: path = %q, want empty", got)
	}
}

func TestDecodeDataURIExtensions(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("x"))
	cases := []struct {
		header string
		ext    string
	}{
		{"data:image/png;base64", "png"},
		{"data:image/jpeg;base64", "jpg"},
		{"data:image/webp;base64", "webp"},
		{"data:image/gif;base64", "gif"},
		{"data:application/octet-stream;base64", "png"},
	}
	for _, tc := range cases {
		_, ext, err := decodeDataURI(tc.header + "," + encoded)
		if err != nil {
			t.Errorf("%s: %v", tc.header, err)
			continue
		}
		if ext != tc.ext {
			t.Errorf("%s: ext = %q, want %q", tc.header, ext, tc.ext)
		}
	}

	if _, _, err := decodeDataURI("no comma"); err == nil {
		t.Error("missing comma must fail")
	}
	if _, _, err := decodeDataURI("data:image/png;base64,???"); err == nil {
		t.Error("bad base64 must fail")
	}
}
