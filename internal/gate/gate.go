package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/notifier"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

const (
	defaultApprovalDelay  = 5 * time.Minute
	defaultApproveTimeout = 30 * time.Second

	// ConfirmLabel is the challenge button text. Typing text that ends with
	// ConfirmSuffix counts as pressing it.
	ConfirmLabel  = "🧙 I am human"
	ConfirmSuffix = "i am human"
)

// ConfirmData is the callback data of the challenge button.
var ConfirmData = tgui.Data("gate", "confirm", "")

type Option func(*Gatekeeper)

func WithLogger(log logx.Logger) Option     { return func(g *Gatekeeper) { g.log = log } }
func WithBus(b eventbus.Bus) Option         { return func(g *Gatekeeper) { g.bus = b } }
func WithOperator(op Operator) Option       { return func(g *Gatekeeper) { g.op = op } }
func WithClock(now func() time.Time) Option { return func(g *Gatekeeper) { g.now = now } }

// Gatekeeper owns the join challenge lifecycle. Handlers never wait for the
// approval delay; approvals run as scheduler timers.
type Gatekeeper struct {
	client Client
	store  Recipients
	sched  Scheduler
	op     Operator
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[int64]*Session
}

func New(cfg Config, client Client, store Recipients, sched Scheduler, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		client:   client,
		store:    store,
		sched:    sched,
		now:      time.Now,
		sessions: map[int64]*Session{},
	}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.cfg = normalize(cfg)
	return g
}

func normalize(cfg Config) Config {
	if cfg.ApprovalDelay <= 0 {
		cfg.ApprovalDelay = defaultApprovalDelay
	}
	if cfg.ApproveTimeout <= 0 {
		cfg.ApproveTimeout = defaultApproveTimeout
	}
	return cfg
}

// Apply swaps config. Already scheduled approvals keep their time.
func (g *Gatekeeper) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = normalize(cfg)
	g.mu.Unlock()
}

// SetApprovalDelay changes the delay used for the next confirmations.
func (g *Gatekeeper) SetApprovalDelay(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("approval delay must be positive, got %s", d)
	}
	g.mu.Lock()
	g.cfg.ApprovalDelay = d
	g.mu.Unlock()
	g.log.Info("approval delay changed", logx.Duration("delay", d))
	return nil
}

func (g *Gatekeeper) ApprovalDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.ApprovalDelay
}

// Session returns a copy of the user's session.
func (g *Gatekeeper) Session(userID int64) (Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// PendingApprovals counts sessions waiting for their approval timer.
func (g *Gatekeeper) PendingApprovals() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.sessions {
		if s.State == PendingApproval {
			n++
		}
	}
	return n
}

// HandleJoinRequest sends the challenge and opens a session in
// AwaitingChallenge. A repeated request restarts the challenge unless an
// approval is already pending.
func (g *Gatekeeper) HandleJoinRequest(ctx context.Context, jr kit.JoinRequest) error {
	g.mu.Lock()
	channel := g.cfg.ChannelID
	if channel != 0 && jr.ChannelID != channel {
		g.mu.Unlock()
		g.log.Debug("join request for foreign channel ignored", logx.Int64("channel_id", jr.ChannelID))
		return nil
	}
	if s, ok := g.sessions[jr.UserID]; ok && (s.State == PendingApproval || s.confirming) {
		g.mu.Unlock()
		return nil
	}
	chatID := jr.UserChatID
	if chatID == 0 {
		chatID = jr.UserID
	}
	g.sessions[jr.UserID] = &Session{
		UserID:      jr.UserID,
		ChannelID:   jr.ChannelID,
		ChatID:      chatID,
		Name:        displayName(jr.FirstName, jr.Username),
		State:       AwaitingChallenge,
		RequestedAt: g.now(),
	}
	g.mu.Unlock()

	text := fmt.Sprintf("Hi, %s, thanks for subscribing to the channel!\nI am an anti-spam bot.\nTo confirm you are a real person, press «%s».",
		tgui.Esc(greetName(jr.FirstName, jr.Username)), ConfirmLabel)
	kb := tgui.Inline(tgui.Row(tgui.Btn(ConfirmLabel, ConfirmData)))
	if _, err := g.client.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, tgui.HTML(kb)); err != nil {
		// the user may not have started the bot; the session stays so a later
		// confirmation still works
		g.log.Warn("challenge send failed", logx.Int64("user_id", jr.UserID), logx.Err(err))
	}
	g.publish(eventbus.GateChallenged, jr.UserID, jr.ChannelID, nil)
	return nil
}

// IsConfirmText reports whether a typed message counts as the confirmation.
func IsConfirmText(text string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(text)), ConfirmSuffix)
}

// Confirm handles the challenge answer of userID. chatID is the private chat
// the answer came from. Only store failures are returned.
func (g *Gatekeeper) Confirm(ctx context.Context, userID, chatID int64, name string) error {
	g.mu.Lock()
	s, ok := g.sessions[userID]
	if !ok {
		if g.cfg.ChannelID == 0 {
			g.mu.Unlock()
			g.reply(ctx, chatID, "I could not find your join request. Please request to join the channel again.")
			return nil
		}
		// process restarted since the request; the configured channel is known
		s = &Session{UserID: userID, ChannelID: g.cfg.ChannelID, ChatID: chatID, State: AwaitingChallenge, RequestedAt: g.now()}
		g.sessions[userID] = s
	}
	if s.State == PendingApproval {
		g.mu.Unlock()
		g.reply(ctx, chatID, "Your request is already confirmed and waiting for approval.")
		return nil
	}
	if s.confirming {
		g.mu.Unlock()
		return nil
	}
	s.confirming = true
	if strings.TrimSpace(name) != "" {
		s.Name = name
	}
	if chatID != 0 {
		s.ChatID = chatID
	}
	sess := *s
	delay := g.cfg.ApprovalDelay
	timeout := g.cfg.ApproveTimeout
	g.mu.Unlock()

	log := g.log.With(logx.Int64("user_id", userID))
	g.operator(ctx, fmt.Sprintf("gate.confirm.%d", userID), fmt.Sprintf("The %s pressed «%s»",
		tgui.User(sess.Name, userID), ConfirmLabel))

	role, err := g.client.MemberRole(ctx, sess.ChannelID, userID)
	if err != nil {
		log.Warn("membership check failed", logx.Err(err))
		g.release(userID)
		g.reply(ctx, sess.ChatID, "Something went wrong, please press the button again in a minute.")
		return nil
	}
	if role.IsMember() {
		g.drop(userID)
		g.reply(ctx, sess.ChatID, fmt.Sprintf("Hi, %s, you are already in the channel.", tgui.Esc(greetName(sess.Name, ""))))
		g.publish(eventbus.GateAlreadyMember, userID, sess.ChannelID, nil)
		log.Info("confirmation from existing member", logx.String("role", string(role)))
		return nil
	}

	g.setState(userID, ChallengeConfirmed, time.Time{})
	if _, err := g.store.AddRecipient(ctx, userID); err != nil {
		g.release(userID)
		g.reply(ctx, sess.ChatID, "Something went wrong, please press the button again in a minute.")
		return fmt.Errorf("add recipient %d: %w", userID, err)
	}
	g.publish(eventbus.GateConfirmed, userID, sess.ChannelID, nil)

	// pending before the timer exists so an immediate fire finds the session
	at := g.now().Add(delay)
	g.setState(userID, PendingApproval, at)
	if err := g.sched.AddOnce(approvalJobName(userID), at, timeout, func(ctx context.Context) error {
		return g.approve(ctx, userID)
	}); err != nil {
		log.Error("approval not scheduled", logx.Err(err))
		g.drop(userID)
		g.operator(ctx, "", fmt.Sprintf("Approval for %s could not be scheduled: %s",
			tgui.User(sess.Name, userID), tgui.Err(err)))
		return nil
	}
	g.reply(ctx, sess.ChatID, fmt.Sprintf("Thanks, you confirmed you are not a bot. Your join request will be approved within %s.", humanDelay(delay)))
	log.Info("approval scheduled", logx.Time("at", at))
	return nil
}

// approve runs when the approval timer fires. Failures end the session and
// are never retried.
func (g *Gatekeeper) approve(ctx context.Context, userID int64) error {
	g.mu.Lock()
	s, ok := g.sessions[userID]
	if !ok || s.State != PendingApproval {
		g.mu.Unlock()
		return nil
	}
	sess := *s
	delete(g.sessions, userID)
	g.mu.Unlock()

	who := tgui.User(sess.Name, userID)
	if err := g.client.ApproveJoinRequest(ctx, sess.ChannelID, userID); err != nil {
		g.log.Warn("approve join request failed", logx.Int64("user_id", userID), logx.Err(err))
		g.operator(ctx, "", fmt.Sprintf("Approval of %s failed: %s", who, tgui.Err(err)))
		g.publish(eventbus.GateApproveFailed, userID, sess.ChannelID, err)
		return nil
	}
	g.log.Info("join request approved", logx.Int64("user_id", userID))
	g.operator(ctx, "", fmt.Sprintf("The %s was approved and added to the channel ✅", who))
	g.publish(eventbus.GateApproved, userID, sess.ChannelID, nil)
	return nil
}

func (g *Gatekeeper) setState(userID int64, st State, approveAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[userID]; ok {
		s.State = st
		s.ApproveAt = approveAt
		if st == PendingApproval {
			s.confirming = false
		}
	}
}

// release returns a session to AwaitingChallenge so the user can retry.
func (g *Gatekeeper) release(userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[userID]; ok {
		s.State = AwaitingChallenge
		s.confirming = false
	}
}

func (g *Gatekeeper) drop(userID int64) {
	g.mu.Lock()
	delete(g.sessions, userID)
	g.mu.Unlock()
}

func (g *Gatekeeper) reply(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := g.client.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, tgui.HTML(nil)); err != nil {
		g.log.Debug("gate reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (g *Gatekeeper) operator(ctx context.Context, key, html string) {
	if g.op == nil {
		return
	}
	if err := g.op.Notify(ctx, notifier.Notification{Text: html, HTML: true, Key: key}); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		g.log.Debug("operator log dropped", logx.Err(err))
	}
}

func (g *Gatekeeper) publish(typ string, userID, channelID int64, err error) {
	ev := Event{UserID: userID, ChannelID: channelID}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(g.bus, typ, ev)
}

func approvalJobName(userID int64) string { return fmt.Sprintf("gate.approve.%d", userID) }

func displayName(first, username string) string {
	if s := strings.TrimSpace(first); s != "" {
		return s
	}
	if s := strings.TrimSpace(username); s != "" {
		return "@" + s
	}
	return ""
}

func greetName(first, username string) string {
	if s := displayName(first, username); s != "" {
		return s
	}
	return "there"
}

func humanDelay(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d%time.Hour == 0:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	default:
		m := int(d.Round(time.Minute).Minutes())
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
}
