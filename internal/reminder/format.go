package reminder

import (
	"strings"
	"time"

	"tasker/internal/storage"
	"tasker/pkg/tgui"
)

// FormatListing renders one "<b>HH:MM</b> — title" line per instance, with
// send times shifted by offset. Titles are escaped.
func FormatListing(items []storage.Outstanding, offset time.Duration) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(tgui.B(it.SendAt.Add(offset).UTC().Format("15:04")).String())
		b.WriteString(" — ")
		b.WriteString(tgui.Esc(it.Title).String())
		b.WriteByte('\n')
	}
	return b.String()
}
