package gate

import (
	"context"
	"time"

	"gatebot/internal/notifier"
	"gatebot/internal/scheduler"
	kit "gatebot/internal/transport"
)

// State is a join session's position in the challenge lifecycle.
type State int

const (
	AwaitingChallenge State = iota
	ChallengeConfirmed
	PendingApproval
	Approved
	AlreadyMember
)

func (s State) String() string {
	switch s {
	case AwaitingChallenge:
		return "awaiting_challenge"
	case ChallengeConfirmed:
		return "challenge_confirmed"
	case PendingApproval:
		return "pending_approval"
	case Approved:
		return "approved"
	case AlreadyMember:
		return "already_member"
	default:
		return "unknown"
	}
}

// Session is the transient per-user join state. It is dropped once the user
// is approved, found to be a member, or the approval fails.
type Session struct {
	UserID      int64
	ChannelID   int64
	ChatID      int64
	Name        string
	State       State
	RequestedAt time.Time
	ApproveAt   time.Time

	confirming bool
}

type Config struct {
	// ChannelID restricts handling to one channel. 0 accepts any channel.
	ChannelID      int64
	ApprovalDelay  time.Duration
	ApproveTimeout time.Duration
}

// Client is the chat platform surface the gatekeeper needs.
type Client interface {
	kit.Sender
	MemberRole(ctx context.Context, channelID, userID int64) (kit.MemberRole, error)
	ApproveJoinRequest(ctx context.Context, channelID, userID int64) error
}

// Recipients is where confirmed users are recorded.
type Recipients interface {
	AddRecipient(ctx context.Context, id int64) (bool, error)
}

// Scheduler runs delayed approvals; *scheduler.Service satisfies it.
type Scheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) error
}

// Operator receives the operator-channel log lines.
type Operator interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Event is the payload of gate.* bus events.
type Event struct {
	UserID    int64  `json:"user_id"`
	ChannelID int64  `json:"channel_id"`
	Error     string `json:"error,omitempty"`
}
