package compose

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"gatebot/internal/delivery"
	"gatebot/pkg/tgui"
)

// Status renders the admin status block shown on /start and in the digest.
func (f *Flow) Status(ctx context.Context) (string, error) {
	recipients, err := f.stats.CountRecipients(ctx)
	if err != nil {
		return "", fmt.Errorf("count recipients: %w", err)
	}
	last, hasLast, err := f.stats.LastCampaign(ctx)
	if err != nil {
		return "", fmt.Errorf("last campaign: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recipients: %s\n", tgui.B(humanize.Comma(int64(recipients))))
	fmt.Fprintf(&b, "Pending approvals: %s\n", tgui.B(humanize.Comma(int64(f.gate.PendingApprovals()))))
	fmt.Fprintf(&b, "Approval delay: %s\n", tgui.B(f.gate.ApprovalDelay().String()))

	st, running := f.engine.Running()
	if running {
		fmt.Fprintf(&b, "Sending now: %s / %s by %s\n",
			humanize.Comma(int64(st.Processed)), humanize.Comma(int64(st.Total)), tgui.Esc(nameOr(st.AdminName)))
	} else if _, ok := f.engine.Resumable(ctx); ok {
		b.WriteString("An interrupted post can be resumed with /resume\n")
	}
	// the running campaign's own checkpoint is not a "last post"
	if hasLast && !running {
		stats := delivery.StatsFromMap(last.Counts)
		state := "finished"
		if last.Aborted {
			state = "interrupted"
		}
		fmt.Fprintf(&b, "Last post: %s %s, delivered to %s",
			state, humanize.RelTime(last.FinishedAt, time.Now(), "ago", "from now"),
			humanize.Comma(int64(stats.Get(delivery.Delivered))))
	} else {
		b.WriteString("No posts sent yet")
	}
	return b.String(), nil
}
