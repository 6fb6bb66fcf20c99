package compose

import (
	"context"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
)

// State is an admin's position in the draft conversation.
type State int

const (
	Idle State = iota
	CollectingPhotos
	CollectingText
	AwaitingConfirmation
	AwaitingDelay
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CollectingPhotos:
		return "collecting_photos"
	case CollectingText:
		return "collecting_text"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case AwaitingDelay:
		return "awaiting_delay"
	default:
		return "unknown"
	}
}

// Button labels of the admin reply keyboards. Matching is case-insensitive.
const (
	BtnPhotoPost  = "Photo post"
	BtnTextPost   = "Text post"
	BtnRecipients = "Recipients"
	BtnDelivered  = "Delivered"
	BtnDelay      = "Approval delay"
	BtnDone       = "Done"
	BtnConfirm    = "Confirm"
	BtnCancel     = "Cancel"
)

const DeniedText = "⛔ Access denied."

// Engine is the broadcast side the flow hands drafts to.
type Engine interface {
	Start(ctx context.Context, c broadcast.Campaign, sink broadcast.ReportSink) error
	Resume(ctx context.Context, adminID int64, adminName string, sink broadcast.ReportSink) error
	Running() (broadcast.Status, bool)
	Resumable(ctx context.Context) (broadcast.Campaign, bool)
}

// Gate exposes the approval delay knob and pending approvals.
type Gate interface {
	ApprovalDelay() time.Duration
	SetApprovalDelay(d time.Duration) error
	PendingApprovals() int
}

// Stats is the read side of the recipient store.
type Stats interface {
	CountRecipients(ctx context.Context) (int, error)
	DeliveredCount(ctx context.Context) (int, error)
	LastCampaign(ctx context.Context) (storage.CampaignRecord, bool, error)
}

// Admins answers allow-list membership.
type Admins interface {
	IsAdmin(id int64) bool
}

// SinkFactory builds the report sink for a campaign started from chat.
type SinkFactory func(adminID int64, adminName string, chat kit.ChatTarget) broadcast.ReportSink
