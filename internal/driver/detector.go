package driver

import (
	"context"

	"ghostgpt-server/internal/browser"
)

// Outcome is the terminal state of a completion wait. Soft timeouts are
// outcomes, not errors: callers handle them as first-class results.
type Outcome int

const (
	// OutcomeCompleted means the completion affordance appeared on the
	// answer's block.
	OutcomeCompleted Outcome = iota
	// OutcomeNoAnswer means no new answer element ever appeared.
	OutcomeNoAnswer
	// OutcomeTimedOut means the ceiling expired mid-generation; whatever
	// text exists is returned as a partial answer.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeNoAnswer:
		return "no_answer"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// awaitStart polls until the observed answer count exceeds the baseline,
// i.e. a new answer element has appeared. Returns false when the start
// bound expires first.
func (d *Driver) awaitStart(ctx context.Context, baseline int) (bool, error) {
	interval := d.chat.GetPollInterval()
	ticks := int(d.chat.GetStartTimeout() / interval)
	for i := 0; i < ticks; i++ {
		if err := d.tick(ctx, interval); err != nil {
			return false, err
		}
		if d.countAnswers() > baseline {
			d.log.Info("answer appeared", "tick", i+1)
			return true, nil
		}
	}
	return false, nil
}

// completionVisible reports whether the last answer's enclosing block
// carries a completion affordance. Scoping to the block keeps an earlier
// finished answer from producing a false positive.
func (d *Driver) completionVisible(last browser.Element) bool {
	block, err := last.Enclosing(d.sel.AnswerScope)
	if err != nil || block == nil {
		return false
	}
	for _, sel := range d.sel.CompletionAffordance {
		if ok, err := block.Has(sel); err == nil && ok {
			return true
		}
	}
	return false
}

// awaitCompletion is the completion detector: phase 1 waits for a new
// answer element, phase 2 waits for its completion affordance.
//
// Phase 2 guard: if the observed count has dropped back to the baseline,
// a transient element briefly inflated it and the last element is stale.
// That poll is inconclusive and the check on the last element is skipped.
func (d *Driver) awaitCompletion(ctx context.Context, baseline int) (Outcome, error) {
	started, err := d.awaitStart(ctx, baseline)
	if err != nil {
		return OutcomeTimedOut, err
	}
	if !started {
		return OutcomeNoAnswer, nil
	}

	interval := d.chat.GetPollInterval()
	ticks := int(d.chat.GetCompletionTimeout() / interval)
	for i := 0; i < ticks; i++ {
		if err := d.tick(ctx, interval); err != nil {
			return OutcomeTimedOut, err
		}

		msgs := d.observedAnswers()
		if len(msgs) <= baseline {
			d.log.Debug("answer count dropped, waiting", "count", len(msgs), "baseline", baseline)
			continue
		}

		if d.completionVisible(msgs[len(msgs)-1]) {
			d.log.Info("completion detected", "tick", i+1)
			// Short settle so late DOM writes land before extraction.
			if err := d.tick(ctx, settleAfterInput); err != nil {
				return OutcomeTimedOut, err
			}
			return OutcomeCompleted, nil
		}
	}

	d.log.Warn("completion wait hit ceiling, returning partial state",
		"ceiling", d.chat.GetCompletionTimeout().String())
	return OutcomeTimedOut, nil
}
