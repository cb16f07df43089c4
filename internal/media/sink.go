// Package media persists answer-embedded images to local disk. Downloads
// run as a fetch inside the page so they reuse the session's cookies;
// direct HTTP from the server would be rejected by the remote app.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ghostgpt-server/internal/driver"

	"github.com/charmbracelet/log"
)

// fetchDataURIJS downloads a URL inside the page and returns it as a data
// URI, which survives the JSON hop back to the server.
const fetchDataURIJS = `async (url) => {
	try {
		const resp = await fetch(url, {credentials: "include"});
		if (!resp.ok) return {error: "fetch failed: " + resp.status};
		const blob = await resp.blob();
		const dataURI = await new Promise((resolve, reject) => {
			const reader = new FileReader();
			reader.onload = () => resolve(reader.result);
			reader.onerror = reject;
			reader.readAsDataURL(blob);
		});
		return {data: dataURI};
	} catch (e) {
		return {error: String(e)};
	}
}`

// Sink writes images under a single directory with timestamped names.
type Sink struct {
	dir string
	log *log.Logger
}

func NewSink(dir string, logger *log.Logger) *Sink {
	return &Sink{dir: dir, log: logger}
}

// Persist downloads url through the page and writes it to the sink
// directory. Returns the local path, or "" on any failure: media
// persistence never fails a turn.
func (s *Sink) Persist(ctx context.Context, page driver.Evaluator, url string, index int) string {
	if s == nil || s.dir == "" {
		return ""
	}

	raw, err := page.Eval(fetchDataURIJS, url)
	if err != nil {
		s.log.Warn("image download failed", "url", url, "error", err)
		return ""
	}

	var result struct {
		Data  string `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Error != "" || result.Data == "" {
		s.log.Warn("image download failed", "url", url, "error", result.Error)
		return ""
	}

	payload, ext, err := decodeDataURI(result.Data)
	if err != nil {
		s.log.Warn("image decode failed", "url", url, "error", err)
		return ""
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.Warn("create media dir failed", "dir", s.dir, "error", err)
		return ""
	}

	name := fmt.Sprintf("ghostgpt_%d_%d.%s", time.Now().Unix(), index, ext)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		s.log.Warn("write image failed", "path", path, "error", err)
		return ""
	}

	s.log.Info("image saved", "path", path, "bytes", len(payload))
	return path
}

// decodeDataURI splits "data:image/png;base64,...." into bytes plus a file
// extension derived from the media type.
func decodeDataURI(uri string) ([]byte, string, error) {
	header, encoded, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data uri")
	}

	ext := "png"
	switch {
	case strings.Contains(header, "image/jpeg"), strings.Contains(header, "image/jpg"):
		ext = "jpg"
	case strings.Contains(header, "image/webp"):
		ext = "webp"
	case strings.Contains(header, "image/gif"):
		ext = "gif"
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode image payload: %w", err)
	}
	return payload, ext, nil
}
