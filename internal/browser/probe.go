package browser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Element is one node of the observed document tree. Implementations hold
// no state beyond the underlying handle; a stale handle surfaces as an
// error on the next read.
type Element interface {
	// Text returns the rendered text content.
	Text() (string, error)
	// HTML returns the raw markup, used when text extraction comes back empty.
	HTML() (string, error)
	// Attribute returns the named attribute, or "" when absent.
	Attribute(name string) (string, error)
	// Enclosing returns the closest ancestor matching selector, falling
	// back to the direct parent. Used to scope affordance checks to one
	// answer's block.
	Enclosing(selector string) (Element, error)
	// Has reports whether a descendant matches selector.
	Has(selector string) (bool, error)
	// Query returns all descendants matching selector.
	Query(selector string) ([]Element, error)
}

// Probe is the generic query/read capability over one interactive page.
// It is stateless across calls and safe to invoke repeatedly; all state
// lives in the remote document.
type Probe interface {
	QueryAll(selector string) ([]Element, error)
	IsVisible(selector string) (bool, error)
	Click(selector string) error
	Type(selector, text string) error
	// PasteClipboard writes text to the page clipboard and sends the paste
	// chord to the focused element.
	PasteClipboard(text string) error
	// Press sends a key to the element matched by selector.
	Press(selector string, key rune) error
	// Eval runs a script in the page and returns its JSON-encoded result.
	Eval(js string, args ...interface{}) (json.RawMessage, error)
	Navigate(url string) error
	URL() string
	Title() (string, error)
	WaitVisible(selector string, timeout time.Duration) error
	Close() error
}

type rodProbe struct {
	page       *rod.Page
	navTimeout time.Duration
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text() (string, error) { return e.el.Text() }

func (e *rodElement) HTML() (string, error) { return e.el.HTML() }

func (e *rodElement) Attribute(name string) (string, error) {
	val, err := e.el.Attribute(name)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}

func (e *rodElement) Enclosing(selector string) (Element, error) {
	parent, err := e.el.ElementByJS(rod.Eval(
		`(s) => this.closest(s) || this.parentElement`, selector,
	))
	if err != nil {
		return nil, fmt.Errorf("resolve enclosing block: %w", err)
	}
	return &rodElement{el: parent}, nil
}

func (e *rodElement) Has(selector string) (bool, error) {
	ok, _, err := e.el.Has(selector)
	return ok, err
}

func (e *rodElement) Query(selector string) ([]Element, error) {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapElements(els), nil
}

func wrapElements(els rod.Elements) []Element {
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out
}

func (p *rodProbe) QueryAll(selector string) ([]Element, error) {
	els, err := p.page.Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapElements(els), nil
}

func (p *rodProbe) IsVisible(selector string) (bool, error) {
	els, err := p.page.Elements(selector)
	if err != nil || len(els) == 0 {
		return false, err
	}
	return els.First().Visible()
}

func (p *rodProbe) firstElement(selector string) (*rod.Element, error) {
	els, err := p.page.Elements(selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return els.First(), nil
}

func (p *rodProbe) Click(selector string) error {
	el, err := p.firstElement(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodProbe) Type(selector, text string) error {
	el, err := p.firstElement(selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodProbe) PasteClipboard(text string) error {
	if _, err := p.Eval(`(t) => navigator.clipboard.writeText(t)`, text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	kb := p.page.Keyboard
	if err := kb.Press(input.ControlLeft); err != nil {
		return err
	}
	if err := kb.Type(input.Key('v')); err != nil {
		_ = kb.Release(input.ControlLeft)
		return err
	}
	return kb.Release(input.ControlLeft)
}

func (p *rodProbe) Press(selector string, key rune) error {
	el, err := p.firstElement(selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return err
	}
	return p.page.Keyboard.Type(input.Key(key))
}

func (p *rodProbe) Eval(js string, args ...interface{}) (json.RawMessage, error) {
	res, err := p.page.Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

func (p *rodProbe) Navigate(url string) error {
	if err := p.page.Timeout(p.navTimeout).Navigate(url); err != nil {
		return err
	}
	return p.page.Timeout(p.navTimeout).WaitLoad()
}

func (p *rodProbe) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodProbe) Title() (string, error) {
	info, err := p.page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodProbe) WaitVisible(selector string, timeout time.Duration) error {
	el, err := p.page.Timeout(timeout).Element(selector)
	if err != nil {
		return err
	}
	return el.Timeout(timeout).WaitVisible()
}

func (p *rodProbe) Close() error {
	return p.page.Close()
}
