package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkTagFilter splits a visible text stream into visible and reasoning
// deltas for vendors that embed reasoning in inline <think>...</think> tags.
//
// It is an explicit two-state machine (outside-tag / inside-tag) with a
// bounded carry buffer so a tag straddling two chunks is neither emitted
// early nor duplicated. The carry never exceeds len("</think>")-1 bytes.
type ThinkTagFilter struct {
	inside bool
	carry  string
}

// Feed consumes one raw delta and returns the confirmed visible and
// reasoning portions. Bytes that might start a tag are withheld until the
// next Feed or Flush confirms them.
func (f *ThinkTagFilter) Feed(s string) (visible, reasoning string) {
	if s == "" && f.carry == "" {
		return "", ""
	}

	buf := f.carry + s
	f.carry = ""

	var vis, rea strings.Builder
	for buf != "" {
		tag := thinkOpen
		if f.inside {
			tag = thinkClose
		}

		if i := strings.Index(buf, tag); i >= 0 {
			if f.inside {
				rea.WriteString(buf[:i])
			} else {
				vis.WriteString(buf[:i])
			}
			buf = buf[i+len(tag):]
			f.inside = !f.inside
			continue
		}

		hold := partialTagSuffix(buf, tag)
		emit := buf[:len(buf)-hold]
		if f.inside {
			rea.WriteString(emit)
		} else {
			vis.WriteString(emit)
		}
		f.carry = buf[len(buf)-hold:]
		buf = ""
	}

	return vis.String(), rea.String()
}

// Flush releases any withheld bytes at end of stream. An unconfirmed
// partial tag is emitted verbatim to the side the stream ended on.
func (f *ThinkTagFilter) Flush() (visible, reasoning string) {
	carry := f.carry
	f.carry = ""
	if carry == "" {
		return "", ""
	}
	if f.inside {
		return "", carry
	}
	return carry, ""
}

// partialTagSuffix returns the length of the longest suffix of buf that is a
// strict prefix of tag.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(buf, tag[:k]) {
			return k
		}
	}
	return 0
}

// DeltaTracker reconciles vendors that stream cumulative text with vendors
// that stream true increments, so callers only ever see increments.
type DeltaTracker struct {
	prev string
}

// Delta returns the incremental portion of next. A chunk that extends the
// previously seen text is treated as cumulative; anything else is treated as
// an increment in its own right.
func (t *DeltaTracker) Delta(next string) string {
	if next == "" {
		return ""
	}
	if t.prev != "" && strings.HasPrefix(next, t.prev) {
		d := next[len(t.prev):]
		t.prev = next
		return d
	}
	t.prev += next
	return next
}
