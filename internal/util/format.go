// Package util holds small formatting helpers shared by the API and CLI
// surfaces. Grounded on the teacher's internal/util (referenced throughout
// jobs/worker.go and api/sse.go but not itself present in the retrieval
// pack) — FormatBytes delegates to the ecosystem's go-humanize, already a
// direct dependency elsewhere in the corpus; FormatDuration stays hand-
// written since no example repo imports a duration-formatting library and
// the "1h23m" shape here doesn't match time.Duration.String()'s decimal
// sub-second output.
package util

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count the way progress logs and the API's
// stats payload expect: "1.2 GB", "340 MB", etc.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// FormatDuration renders a duration as "1h23m45s", dropping leading units
// that are zero so a five-second encode reads "5s" rather than "0h0m5s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	h, total := total/3600, total%3600
	m, s := total/60, total%60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
