package relay

import (
	"strings"
	"time"
)

// textBatch coalesces small answer deltas so the client does not receive a
// firehose of token-sized fragments. Text is released when the buffer reaches
// minChars, when maxDelay has passed since the first unflushed delta, or when
// the stream terminates; it is never dropped.
type textBatch struct {
	minChars int
	maxDelay time.Duration

	pending strings.Builder
	timer   *time.Timer
}

func newTextBatch(minChars int, maxDelay time.Duration) *textBatch {
	if minChars <= 0 {
		minChars = 6
	}
	if maxDelay <= 0 {
		maxDelay = 55 * time.Millisecond
	}
	return &textBatch{minChars: minChars, maxDelay: maxDelay}
}

// add buffers a delta and reports whether the size threshold is reached. When
// it is not, the delay timer is armed relative to the oldest buffered delta.
func (b *textBatch) add(delta string) (ready bool) {
	b.pending.WriteString(delta)
	if b.pending.Len() >= b.minChars {
		return true
	}
	if b.timer == nil && b.pending.Len() > 0 {
		b.timer = time.NewTimer(b.maxDelay)
	}
	return false
}

// timerC exposes the pending flush deadline; nil when nothing is buffered.
func (b *textBatch) timerC() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

// take drains the buffer and disarms the timer.
func (b *textBatch) take() string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	out := b.pending.String()
	b.pending.Reset()
	return out
}
