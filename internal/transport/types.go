package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	JoinRequest *JoinRequest
}

// Message is an inbound chat message. Photos holds the file id of the largest
// size of an attached photo (at most one per Telegram message).
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Photos       []string
	AlbumID      string
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// JoinRequest is emitted when a user asks to join a restricted channel.
// UserChatID is the private chat the bot may use to contact the user.
type JoinRequest struct {
	ChannelID  int64
	UserID     int64
	UserChatID int64
	FirstName  string
	Username   string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Button is a transport-neutral keyboard button.
// Data set means inline callback; empty Data means a plain reply keyboard button.
type Button struct {
	Text string
	Data string
}

// Keyboard describes reply markup. Inline keyboards are attached to the message,
// reply keyboards replace the user's keyboard. Remove hides any reply keyboard.
type Keyboard struct {
	Inline  bool
	Remove  bool
	OneTime bool
	Rows    [][]Button
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       *Keyboard
}

// MemberRole is a channel membership status as reported by the platform.
type MemberRole string

const (
	RoleOwner      MemberRole = "creator"
	RoleAdmin      MemberRole = "administrator"
	RoleMember     MemberRole = "member"
	RoleRestricted MemberRole = "restricted"
	RoleLeft       MemberRole = "left"
	RoleKicked     MemberRole = "kicked"
)

// IsMember reports whether the role counts as an existing channel membership.
func (r MemberRole) IsMember() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

// Sender is the outbound half of an adapter: everything the services need to
// talk to users, the channel and the operator chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMediaGroup sends photos in order. Only the first item carries caption.
	SendMediaGroup(ctx context.Context, to ChatTarget, photos []string, caption string) error
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	AnswerCallback(ctx context.Context, callbackID string, text string) error
	MemberRole(ctx context.Context, channelID, userID int64) (MemberRole, error)
	ApproveJoinRequest(ctx context.Context, channelID, userID int64) error
}

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
