package broadcast

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"gatebot/internal/delivery"
	"gatebot/pkg/tgui"
)

// FormatReport renders the final fixed-category breakdown as Telegram HTML.
func FormatReport(r Report) string {
	var b strings.Builder
	title := "Post sent"
	switch {
	case r.Aborted:
		title = "Post interrupted"
	case r.Resumed:
		title = "Post resumed and sent"
	}
	b.WriteString("⚠️ " + tgui.B(fmt.Sprintf("%s by %s", title, nameOr(r.AdminName, r.AdminID))).String() + " ⚠️\n")
	writeStats(&b, r.Stats)
	fmt.Fprintf(&b, "\nProcessed: %s of %s", humanize.Comma(int64(r.Processed)), humanize.Comma(int64(r.Total)))
	if r.Skipped > 0 {
		fmt.Fprintf(&b, " (%s already had it)", humanize.Comma(int64(r.Skipped)))
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "\nTook: %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.Aborted && r.Err != nil {
		b.WriteString("\nError: " + tgui.Err(r.Err).String())
		b.WriteString("\nUse /resume to continue where it stopped.")
	}
	return b.String()
}

// FormatProgress renders a one-line-per-category progress update.
func FormatProgress(p Progress) string {
	var b strings.Builder
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.Processed+p.Skipped) / float64(p.Total) * 100
	}
	b.WriteString(tgui.B(fmt.Sprintf("Broadcast progress: %s / %s (%.0f%%)",
		humanize.Comma(int64(p.Processed+p.Skipped)), humanize.Comma(int64(p.Total)), pct)).String() + "\n")
	writeStats(&b, p.Stats)
	fmt.Fprintf(&b, "\nElapsed: %s", p.Elapsed.Round(time.Second))
	return b.String()
}

func writeStats(b *strings.Builder, s delivery.Stats) {
	for _, o := range delivery.Outcomes() {
		fmt.Fprintf(b, "%s: %s\n", tgui.Esc(o.Label()), humanize.Comma(int64(s.Get(o))))
	}
}

func nameOr(name string, id int64) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fmt.Sprintf("id %d", id)
}
