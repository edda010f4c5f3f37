// Package subtitle renders timed segments as SubRip (.srt) text.
package subtitle

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/engine"
)

// FormatTimestamp renders seconds as HH:MM:SS,mmm. The value is rounded to
// the nearest millisecond with ties away from zero (math.Round). Negative
// and NaN inputs render as zero; values past the int64 millisecond range,
// +Inf included, render as the largest representable time. Hours are not
// capped at 24.
func FormatTimestamp(seconds float64) string {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	var ms int64
	if rounded := math.Round(seconds * 1000); rounded >= math.MaxInt64 {
		ms = math.MaxInt64
	} else {
		ms = int64(rounded)
	}
	hours := ms / 3_600_000
	ms %= 3_600_000
	minutes := ms / 60_000
	ms %= 60_000
	secs := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, ms)
}

// FormatSRT renders segments in order as numbered cues starting at 1. Cues
// are separated by a blank line and the output ends with exactly one
// newline. An empty segment list renders as "".
func FormatSRT(segments []engine.Segment) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('\n')
		b.WriteString(FormatTimestamp(seg.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(seg.End))
		b.WriteByte('\n')
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()) + "\n"
}
