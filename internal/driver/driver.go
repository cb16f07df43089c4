// Package driver turns the generic document probe into a chat client: it
// places the session on the right page, submits prompts, and decides from
// the mutating document tree when an answer has started and finished.
//
// Completion is detected by checking for action buttons (copy, read aloud)
// on the last answer's enclosing block, not by waiting a fixed time. A
// message-count guard keeps transient elements that briefly inflate the
// answer count from causing a false completion on a stale element.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ghostgpt-server/internal/browser"
	"ghostgpt-server/internal/config"

	"github.com/charmbracelet/log"
)

const (
	// Pause after typing so the submit control has a chance to appear.
	settleAfterInput = 300 * time.Millisecond
	// Pause after a dialog dismissal click.
	settleAfterDismiss = 500 * time.Millisecond
	// Challenge pages are re-checked once per second.
	challengePoll = time.Second
)

// Evaluator is the slice of the probe the media sink needs: running a
// fetch inside the page so it carries the session's cookies.
type Evaluator interface {
	Eval(js string, args ...interface{}) (json.RawMessage, error)
}

// MediaSink persists answer-embedded media out of band. Persist returns
// the local path, or "" when persistence failed; it never fails the turn.
type MediaSink interface {
	Persist(ctx context.Context, page Evaluator, url string, index int) string
}

// Driver owns one interactive tab and runs prompt/answer turns against it.
// It is not safe for concurrent use; the request gate guarantees a single
// in-flight turn per process.
type Driver struct {
	newProbe func(ctx context.Context) (browser.Probe, error)
	probe    browser.Probe

	sel     config.SelectorConfig
	chat    config.ChatConfig
	visible bool
	sink    MediaSink
	log     *log.Logger

	inConversation bool
	turns          int

	// tick is the suspension point for every polling loop. Tests replace
	// it to advance scripted document states without real sleeps.
	tick func(ctx context.Context, d time.Duration) error
}

// Options wires a Driver's collaborators.
type Options struct {
	NewProbe  func(ctx context.Context) (browser.Probe, error)
	Selectors config.SelectorConfig
	Chat      config.ChatConfig
	Visible   bool
	Sink      MediaSink
	Logger    *log.Logger
	// Tick overrides the polling suspension point. Nil means real sleeps.
	Tick func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	tick := opts.Tick
	if tick == nil {
		tick = sleepTick
	}
	return &Driver{
		newProbe: opts.NewProbe,
		sel:      opts.Selectors,
		chat:     opts.Chat,
		visible:  opts.Visible,
		sink:     opts.Sink,
		log:      logger,
		tick:     tick,
	}
}

func sleepTick(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Turns reports how many prompt/answer exchanges completed on this tab.
func (d *Driver) Turns() int { return d.turns }

// Close releases the underlying tab.
func (d *Driver) Close() error {
	if d.probe == nil {
		return nil
	}
	err := d.probe.Close()
	d.probe = nil
	d.inConversation = false
	return err
}

// targetURL maps an optional variant id to its logical resource.
func (d *Driver) targetURL(variantID string) string {
	base := strings.TrimRight(d.chat.BaseURL, "/")
	if variantID == "" {
		return base
	}
	return base + "/g/" + variantID
}

// ensurePlaced positions the tab at the correct logical resource and
// resolves transient blocking states. The fast path is essential: a no-op
// navigation would reset in-page state for an ongoing conversation.
//
// Login detection and input detection are hard gates; challenge handling
// is bounded; everything else is best-effort.
func (d *Driver) ensurePlaced(ctx context.Context, variantID string) error {
	if d.probe == nil {
		probe, err := d.newProbe(ctx)
		if err != nil {
			return fmt.Errorf("open page: %w", err)
		}
		d.probe = probe
	}

	target := d.targetURL(variantID)
	if d.probe.URL() == target {
		return nil
	}

	d.log.Info("navigating", "url", target)
	if err := d.probe.Navigate(target); err != nil {
		return fmt.Errorf("navigate to %s: %w", target, err)
	}

	if err := d.waitChallenge(ctx); err != nil {
		return err
	}

	// Suppress first-run dialogs before they appear; more reliable than
	// clicking them away afterwards.
	for key, value := range d.sel.StorageBypass {
		if _, err := d.probe.Eval(`(k, v) => window.localStorage.setItem(k, v)`, key, value); err != nil {
			d.log.Debug("storage bypass failed", "key", key, "error", err)
		}
	}

	// Best-effort dismissal of any dialog still visible.
	for _, sel := range d.sel.FirstRunDialog {
		visible, err := d.probe.IsVisible(sel)
		if err != nil || !visible {
			continue
		}
		d.log.Info("dismissing first-run dialog", "selector", sel)
		if err := d.probe.Click(sel); err != nil {
			continue
		}
		if err := d.tick(ctx, settleAfterDismiss); err != nil {
			return err
		}
	}

	// Logged-out state is fatal; it needs an out-of-band re-login.
	for _, sel := range d.sel.LoginIndicator {
		visible, err := d.probe.IsVisible(sel)
		if err != nil {
			continue
		}
		if visible {
			return fmt.Errorf("%w (indicator %q visible)", ErrNotAuthenticated, sel)
		}
	}

	for _, sel := range d.sel.PromptInput {
		if err := d.probe.WaitVisible(sel, d.chat.GetInputTimeout()); err == nil {
			d.log.Debug("prompt input ready", "selector", sel)
			return nil
		}
	}
	return ErrInputNotFound
}

// waitChallenge polls the page title until the interstitial challenge
// clears or the window expires.
func (d *Driver) waitChallenge(ctx context.Context) error {
	ticks := int(d.chat.GetChallengeTimeout() / challengePoll)
	for i := 0; i < ticks; i++ {
		title, err := d.probe.Title()
		if err == nil && !strings.Contains(strings.ToLower(title), "just a moment") {
			return nil
		}
		d.log.Info("challenge page detected, waiting", "elapsed", i+1)
		if err := d.tick(ctx, challengePoll); err != nil {
			return err
		}
	}
	return ErrChallengeTimeout
}

// firstVisible resolves a locator role: first visible candidate wins.
func (d *Driver) firstVisible(selectors []string) (string, bool) {
	for _, sel := range selectors {
		visible, err := d.probe.IsVisible(sel)
		if err == nil && visible {
			return sel, true
		}
	}
	return "", false
}

// observedAnswers snapshots the answer-bearing elements currently in the
// document, using the first answer-block selector that matches anything.
func (d *Driver) observedAnswers() []browser.Element {
	for _, sel := range d.sel.AnswerBlock {
		els, err := d.probe.QueryAll(sel)
		if err == nil && len(els) > 0 {
			return els
		}
	}
	return nil
}

func (d *Driver) countAnswers() int {
	return len(d.observedAnswers())
}

// submit types the prompt and sends it, returning the answer-element count
// observed before submission. That baseline is what all completion logic
// compares against.
func (d *Driver) submit(ctx context.Context, text string) (int, error) {
	inputSel, ok := d.firstVisible(d.sel.PromptInput)
	if !ok {
		return 0, ErrInputNotFound
	}

	baseline := d.countAnswers()
	d.log.Info("submitting prompt", "selector", inputSel, "baseline", baseline, "prompt", truncate(text, 50))

	if d.visible {
		// A rendered window has reliable keystroke focus.
		if err := d.probe.Type(inputSel, text); err != nil {
			return 0, fmt.Errorf("type prompt: %w", err)
		}
	} else {
		// Hidden tabs lose keystroke focus; paste through the clipboard
		// instead. Resulting input content is identical either way.
		if err := d.probe.Click(inputSel); err != nil {
			return 0, fmt.Errorf("focus prompt input: %w", err)
		}
		if err := d.probe.PasteClipboard(text); err != nil {
			return 0, fmt.Errorf("paste prompt: %w", err)
		}
	}
	if err := d.tick(ctx, settleAfterInput); err != nil {
		return 0, err
	}

	// The submit control only appears once text is present.
	if sendSel, ok := d.firstVisible(d.sel.SubmitControl); ok {
		d.log.Debug("clicking submit control", "selector", sendSel)
		if err := d.probe.Click(sendSel); err != nil {
			return 0, fmt.Errorf("click submit: %w", err)
		}
	} else {
		d.log.Warn("submit control not found after typing, pressing enter")
		if err := d.probe.Press(inputSel, '\r'); err != nil {
			return 0, fmt.Errorf("press enter: %w", err)
		}
	}

	return baseline, nil
}

// Answer is the result of one blocking turn. A soft timeout still carries
// whatever partial text was extracted.
type Answer struct {
	Text    string
	Outcome Outcome
	Media   []MediaReference
}

// Ask runs one full prompt/answer turn: place, submit, wait for
// completion, extract. continueConv skips navigation so the turn stays in
// the current thread.
func (d *Driver) Ask(ctx context.Context, prompt, variantID string, continueConv bool) (Answer, error) {
	if !(continueConv && d.inConversation) {
		if err := d.ensurePlaced(ctx, variantID); err != nil {
			return Answer{}, err
		}
	}

	baseline, err := d.submit(ctx, prompt)
	if err != nil {
		return Answer{}, err
	}

	outcome, err := d.awaitCompletion(ctx, baseline)
	if err != nil {
		return Answer{}, err
	}

	d.inConversation = true
	d.turns++

	if outcome == OutcomeNoAnswer {
		d.log.Warn("no answer ever appeared", "baseline", baseline)
		return Answer{Outcome: outcome}, nil
	}

	text, media, err := d.extract(ctx, baseline)
	if err != nil {
		return Answer{Outcome: outcome}, err
	}
	return Answer{Text: text, Outcome: outcome, Media: media}, nil
}

// Stream runs one turn but yields text deltas as the answer grows instead
// of blocking to completion. The returned channel is closed when the
// answer finishes or the ceiling expires; the caller must drain it.
func (d *Driver) Stream(ctx context.Context, prompt, variantID string, continueConv bool) (<-chan DeltaEvent, error) {
	if !(continueConv && d.inConversation) {
		if err := d.ensurePlaced(ctx, variantID); err != nil {
			return nil, err
		}
	}

	baseline, err := d.submit(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return d.streamDeltas(ctx, baseline), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
