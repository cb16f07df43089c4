package driver

import (
	"context"
	"fmt"
	"strings"

	"ghostgpt-server/internal/browser"
)

// MediaReference is one piece of media embedded in an answer. SavedPath is
// "" when persistence was disabled or failed; the URL is always kept.
type MediaReference struct {
	URL       string
	AltText   string
	SavedPath string
}

// extract assembles the final answer from the last observed answer
// element. Text extraction falls back to raw markup when the rendered text
// is empty, which happens for answers that are a single image.
func (d *Driver) extract(ctx context.Context, baseline int) (string, []MediaReference, error) {
	msgs := d.observedAnswers()
	if len(msgs) <= baseline {
		return "", nil, fmt.Errorf("answer element disappeared before extraction (count %d, baseline %d)", len(msgs), baseline)
	}
	last := msgs[len(msgs)-1]

	text, err := last.Text()
	if err != nil {
		return "", nil, fmt.Errorf("read answer text: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		html, err := last.HTML()
		if err != nil {
			return "", nil, fmt.Errorf("read answer markup: %w", err)
		}
		text = strings.TrimSpace(html)
		d.log.Warn("answer text empty, fell back to raw markup", "length", len(text))
	}

	media := d.extractMedia(ctx, last)
	if len(media) > 0 {
		text = annotateMedia(text, media)
	}

	d.log.Info("answer extracted", "length", len(text), "media", len(media))
	return text, media, nil
}

// extractMedia collects media references under the answer element,
// deduplicated by URL, and persists each through the sink when one is
// configured. Persistence failures degrade to URL-only references.
func (d *Driver) extractMedia(ctx context.Context, answer browser.Element) []MediaReference {
	seen := make(map[string]bool)
	var refs []MediaReference

	for _, sel := range d.sel.MediaPatterns {
		els, err := answer.Query(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			url, err := el.Attribute("src")
			if err != nil || url == "" || strings.HasPrefix(url, "data:") {
				continue
			}
			if seen[url] {
				continue
			}
			seen[url] = true
			alt, _ := el.Attribute("alt")
			refs = append(refs, MediaReference{URL: url, AltText: alt})
		}
	}

	if d.sink != nil {
		for i := range refs {
			refs[i].SavedPath = d.sink.Persist(ctx, d.probe, refs[i].URL, i+1)
		}
	}
	return refs
}

// annotateMedia appends a readable block per media reference so clients
// that only look at the text still learn about embedded media.
func annotateMedia(text string, refs []MediaReference) string {
	var b strings.Builder
	b.WriteString(text)
	for i, ref := range refs {
		b.WriteString(fmt.Sprintf("\n\n[Image %d]", i+1))
		if ref.AltText != "" {
			b.WriteString(" " + ref.AltText)
		}
		if ref.SavedPath != "" {
			b.WriteString("\nSaved: " + ref.SavedPath)
		}
		b.WriteString("\nURL: " + ref.URL)
	}
	return b.String()
}
