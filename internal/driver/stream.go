package driver

import (
	"context"
	"strings"
)

// DeltaEvent is one streamed fragment of a growing answer. While the
// answer grows by appending, concatenating every Text in emission order
// yields exactly the text seen so far.
type DeltaEvent struct {
	Text string
}

// streamDeltas watches the last answer grow and emits the new suffix on
// each poll. The channel closes when the completion affordance appears or
// the ceiling expires; ceiling expiry is a silent close, whatever was
// emitted so far stands as the answer.
func (d *Driver) streamDeltas(ctx context.Context, baseline int) <-chan DeltaEvent {
	out := make(chan DeltaEvent)

	go func() {
		defer close(out)
		defer func() {
			d.inConversation = true
			d.turns++
		}()

		started, err := d.awaitStart(ctx, baseline)
		if err != nil || !started {
			if !started && err == nil {
				d.log.Warn("no answer ever appeared", "baseline", baseline)
			}
			return
		}

		interval := d.chat.GetStreamPollInterval()
		ticks := int(d.chat.GetCompletionTimeout() / interval)
		var emitted string

		// Deltas are sliced by length: whatever grew past the emitted
		// length is the next fragment. A rerender that rewrites earlier
		// text keeps streaming from the same offset; the poll loop ends
		// only on the affordance, the ceiling, or a dead context.
		flush := func(current string) bool {
			if len(current) <= len(emitted) {
				return true
			}
			select {
			case out <- DeltaEvent{Text: current[len(emitted):]}:
				emitted = current
				return true
			case <-ctx.Done():
				return false
			}
		}

		for i := 0; i < ticks; i++ {
			if err := d.tick(ctx, interval); err != nil {
				return
			}

			msgs := d.observedAnswers()
			if len(msgs) <= baseline {
				d.log.Debug("answer count dropped, waiting", "count", len(msgs), "baseline", baseline)
				continue
			}
			last := msgs[len(msgs)-1]

			text, err := last.Text()
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			if !flush(text) {
				return
			}

			if d.completionVisible(last) {
				// One settle and a final read so trailing DOM writes are
				// not dropped between the last poll and the affordance.
				if err := d.tick(ctx, settleAfterInput); err != nil {
					return
				}
				if final, err := last.Text(); err == nil {
					flush(strings.TrimSpace(final))
				}
				d.log.Info("stream complete", "tick", i+1, "length", len(emitted))
				return
			}
		}

		d.log.Warn("stream hit ceiling, closing with partial answer",
			"ceiling", d.chat.GetCompletionTimeout().String(), "length", len(emitted))
	}()

	return out
}
