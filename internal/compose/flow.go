package compose

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gatebot/internal/broadcast"
	"gatebot/internal/delivery"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)


type session struct {
	state  State
	photos []string
	text   string
}

// Flow is the per-admin draft conversation. Each admin has at most one
// session; a confirmed draft is handed to the engine exactly once.
type Flow struct {
	send   kit.Sender
	engine Engine
	gate   Gate
	stats  Stats
	admins Admins
	sinks  SinkFactory
	log    logx.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

func New(send kit.Sender, engine Engine, gate Gate, stats Stats, admins Admins, sinks SinkFactory, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{
		send:     send,
		engine:   engine,
		gate:     gate,
		stats:    stats,
		admins:   admins,
		sinks:    sinks,
		log:      log,
		sessions: map[int64]*session{},
	}
}

// Register adds the flow's commands to r.
func (f *Flow) Register(r *router.Router) {
	r.Handle(router.Command{Name: "start", Description: "main menu and status", Handle: f.cmdStart})
	r.Handle(router.Command{Name: "cancel", Description: "cancel the current draft", Handle: f.cmdCancel})
	r.Handle(router.Command{Name: "resume", Description: "resume an interrupted post", Access: router.AccessAdmin, Handle: f.cmdResume})
}

// State returns the admin's current state.
func (f *Flow) State(adminID int64) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[adminID]; ok {
		return s.state
	}
	return Idle
}

// Active reports whether the user is in the middle of a conversation.
func (f *Flow) Active(userID int64) bool { return f.State(userID) != Idle }

// MainKeyboard is the admin's idle reply keyboard.
func MainKeyboard() *kit.Keyboard {
	return tgui.Reply(
		tgui.Row(tgui.Key(BtnPhotoPost), tgui.Key(BtnTextPost)),
		tgui.Row(tgui.Key(BtnRecipients), tgui.Key(BtnDelivered)),
		tgui.Row(tgui.Key(BtnDelay)),
	)
}

func cancelKeyboard() *kit.Keyboard {
	return tgui.Reply(tgui.Row(tgui.Key(BtnCancel)))
}

func photosKeyboard() *kit.Keyboard {
	return tgui.Reply(tgui.Row(tgui.Key(BtnDone), tgui.Key(BtnCancel)))
}

func confirmKeyboard() *kit.Keyboard {
	return tgui.Reply(tgui.Row(tgui.Key(BtnConfirm)), tgui.Row(tgui.Key(BtnCancel)))
}

// HandleMessage advances the sender's conversation. Non-admins get the
// access-denied reply and no session. Only private chats are handled.
func (f *Flow) HandleMessage(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil || !msg.IsPrivate {
		return nil
	}
	if !f.admins.IsAdmin(req.FromID) {
		return f.reply(ctx, req.Chat, DeniedText, nil)
	}
	text := strings.TrimSpace(msg.Text)
	if is(text, BtnCancel) {
		return f.cancel(ctx, req)
	}

	f.mu.Lock()
	s, ok := f.sessions[req.FromID]
	state := Idle
	if ok {
		state = s.state
	}
	f.mu.Unlock()

	switch state {
	case CollectingPhotos:
		return f.onPhoto(ctx, req, msg, text)
	case CollectingText:
		return f.onText(ctx, req, msg, text)
	case AwaitingConfirmation:
		return f.onConfirm(ctx, req, text)
	case AwaitingDelay:
		return f.onDelay(ctx, req, text)
	}
	return f.onIdle(ctx, req, text)
}

func (f *Flow) onIdle(ctx context.Context, req *router.Request, text string) error {
	switch {
	case is(text, BtnPhotoPost):
		f.set(req.FromID, &session{state: CollectingPhotos})
		return f.reply(ctx, req.Chat, fmt.Sprintf("Send up to %d photos, then press «%s».", delivery.MaxPhotos, BtnDone), photosKeyboard())
	case is(text, BtnTextPost):
		f.set(req.FromID, &session{state: CollectingText})
		return f.reply(ctx, req.Chat, "Send the post text.", cancelKeyboard())
	case is(text, BtnRecipients):
		n, err := f.stats.CountRecipients(ctx)
		if err != nil {
			return f.storeFailed(ctx, req, err)
		}
		return f.reply(ctx, req.Chat, fmt.Sprintf("Recipients: %s", tgui.B(strconv.Itoa(n))), MainKeyboard())
	case is(text, BtnDelivered):
		n, err := f.stats.DeliveredCount(ctx)
		if err != nil {
			return f.storeFailed(ctx, req, err)
		}
		return f.reply(ctx, req.Chat, fmt.Sprintf("Delivered in the current post: %s", tgui.B(strconv.Itoa(n))), MainKeyboard())
	case is(text, BtnDelay):
		f.set(req.FromID, &session{state: AwaitingDelay})
		cur := f.gate.ApprovalDelay()
		return f.reply(ctx, req.Chat, fmt.Sprintf("Current approval delay: %s.\nSend the new delay in minutes.", tgui.B(cur.String())), cancelKeyboard())
	}
	return f.reply(ctx, req.Chat, "Use the keyboard below.", MainKeyboard())
}

func (f *Flow) onPhoto(ctx context.Context, req *router.Request, msg *kit.Message, text string) error {
	if len(msg.Photos) > 0 {
		f.mu.Lock()
		s := f.sessions[req.FromID]
		if s == nil || s.state != CollectingPhotos {
			f.mu.Unlock()
			return nil
		}
		room := delivery.MaxPhotos - len(s.photos)
		added := min(room, len(msg.Photos))
		s.photos = append(s.photos, msg.Photos[:added]...)
		n, full := len(s.photos), len(s.photos) >= delivery.MaxPhotos
		if full {
			s.state = CollectingText
		}
		f.mu.Unlock()

		if added < len(msg.Photos) {
			f.log.Debug("photos over the limit ignored", logx.Int64("admin_id", req.FromID), logx.Int("ignored", len(msg.Photos)-added))
		}
		if full {
			return f.reply(ctx, req.Chat, fmt.Sprintf("%d photos collected, that is the maximum. Now send the caption text.", n), cancelKeyboard())
		}
		// albums arrive as one message per photo; acknowledge only the first
		if msg.AlbumID != "" && n > 1 {
			return nil
		}
		return f.reply(ctx, req.Chat, fmt.Sprintf("Photo %d added. Send more or press «%s».", n, BtnDone), photosKeyboard())
	}

	if is(text, BtnDone) {
		f.mu.Lock()
		s := f.sessions[req.FromID]
		n := 0
		if s != nil {
			n = len(s.photos)
			if n > 0 {
				s.state = CollectingText
			}
		}
		f.mu.Unlock()
		if n == 0 {
			return f.reply(ctx, req.Chat, "Send at least one photo first.", photosKeyboard())
		}
		return f.reply(ctx, req.Chat, fmt.Sprintf("%d photo(s) collected. Now send the caption text.", n), cancelKeyboard())
	}
	return f.reply(ctx, req.Chat, "That is not a photo!", photosKeyboard())
}

func (f *Flow) onText(ctx context.Context, req *router.Request, msg *kit.Message, text string) error {
	if len(msg.Photos) > 0 && text == "" {
		return f.reply(ctx, req.Chat, "Send the text now.", cancelKeyboard())
	}
	if text == "" {
		return f.reply(ctx, req.Chat, "The text cannot be empty.", cancelKeyboard())
	}

	f.mu.Lock()
	s := f.sessions[req.FromID]
	if s == nil || s.state != CollectingText {
		f.mu.Unlock()
		return nil
	}
	if len(s.photos) > 0 && utf8.RuneCountInString(text) > delivery.MaxCaptionRunes {
		f.mu.Unlock()
		return f.reply(ctx, req.Chat, fmt.Sprintf("A caption can hold at most %d characters. Send a shorter text.", delivery.MaxCaptionRunes), cancelKeyboard())
	}
	if utf8.RuneCountInString(text) > delivery.MaxTextRunes {
		f.mu.Unlock()
		return f.reply(ctx, req.Chat, fmt.Sprintf("A post can hold at most %d characters. Send a shorter text.", delivery.MaxTextRunes), cancelKeyboard())
	}
	s.text = text
	s.state = AwaitingConfirmation
	photos := len(s.photos)
	f.mu.Unlock()

	kind := "text post"
	if photos > 0 {
		kind = fmt.Sprintf("post with %d photo(s)", photos)
	}
	return f.reply(ctx, req.Chat, fmt.Sprintf("Confirm that you want to send this %s to every recipient.", kind), confirmKeyboard())
}

func (f *Flow) onConfirm(ctx context.Context, req *router.Request, text string) error {
	if !is(text, BtnConfirm) {
		return f.reply(ctx, req.Chat, fmt.Sprintf("Press «%s» or «%s».", BtnConfirm, BtnCancel), confirmKeyboard())
	}

	f.mu.Lock()
	s := f.sessions[req.FromID]
	if s == nil || s.state != AwaitingConfirmation {
		f.mu.Unlock()
		return nil
	}
	draft := delivery.Draft{Text: s.text, Photos: append([]string(nil), s.photos...)}
	f.mu.Unlock()

	c := broadcast.Campaign{Draft: draft, AdminID: req.FromID, AdminName: req.FromName}
	err := f.engine.Start(ctx, c, f.sinks(req.FromID, req.FromName, req.Chat))
	switch {
	case errors.Is(err, broadcast.ErrCampaignRunning):
		return f.reply(ctx, req.Chat, "Another post is being sent right now. Wait for its report and press «Confirm» again.", confirmKeyboard())
	case err != nil:
		f.clear(req.FromID)
		_ = f.reply(ctx, req.Chat, "Could not start sending: "+tgui.Err(err).String(), MainKeyboard())
		return err
	}
	f.clear(req.FromID)
	return f.reply(ctx, req.Chat, "🎉 Sending started! You will get a report when it is done.", MainKeyboard())
}

func (f *Flow) onDelay(ctx context.Context, req *router.Request, text string) error {
	minutes, err := strconv.Atoi(text)
	if err != nil || minutes <= 0 {
		return f.reply(ctx, req.Chat, "That is not a positive number of minutes. Try again or press «Cancel».", cancelKeyboard())
	}
	if err := f.gate.SetApprovalDelay(time.Duration(minutes) * time.Minute); err != nil {
		return f.reply(ctx, req.Chat, "Could not change the delay: "+tgui.Err(err).String(), cancelKeyboard())
	}
	f.clear(req.FromID)
	return f.reply(ctx, req.Chat, fmt.Sprintf("Approval delay changed to %s minute(s).", tgui.B(strconv.Itoa(minutes))), MainKeyboard())
}

func (f *Flow) cancel(ctx context.Context, req *router.Request) error {
	f.mu.Lock()
	_, had := f.sessions[req.FromID]
	delete(f.sessions, req.FromID)
	f.mu.Unlock()
	if !had {
		return f.reply(ctx, req.Chat, "Nothing to cancel.", MainKeyboard())
	}
	return f.reply(ctx, req.Chat, "Cancelled.", MainKeyboard())
}

func (f *Flow) cmdStart(ctx context.Context, req *router.Request) error {
	if !req.Private {
		return nil
	}
	if !req.Admin {
		return f.reply(ctx, req.Chat, DeniedText, nil)
	}
	f.clear(req.FromID)
	status, err := f.Status(ctx)
	if err != nil {
		f.log.Warn("status failed", logx.Err(err))
		status = "Status unavailable: " + tgui.Err(err).String()
	}
	hello := fmt.Sprintf("Hi, %s, use the keyboard below.\n\n", tgui.Esc(nameOr(req.FromName)))
	return f.reply(ctx, req.Chat, hello+status, MainKeyboard())
}

func (f *Flow) cmdCancel(ctx context.Context, req *router.Request) error {
	if !req.Admin {
		return f.reply(ctx, req.Chat, DeniedText, nil)
	}
	return f.cancel(ctx, req)
}

func (f *Flow) cmdResume(ctx context.Context, req *router.Request) error {
	err := f.engine.Resume(ctx, req.FromID, req.FromName, f.sinks(req.FromID, req.FromName, req.Chat))
	switch {
	case errors.Is(err, broadcast.ErrNothingToResume):
		return f.reply(ctx, req.Chat, "There is no interrupted post to resume.", MainKeyboard())
	case errors.Is(err, broadcast.ErrCampaignRunning):
		return f.reply(ctx, req.Chat, "A post is being sent right now.", MainKeyboard())
	case err != nil:
		return err
	}
	return f.reply(ctx, req.Chat, "Resuming the interrupted post. Recipients who already got it are skipped.", MainKeyboard())
}

func (f *Flow) storeFailed(ctx context.Context, req *router.Request, err error) error {
	_ = f.reply(ctx, req.Chat, "Storage error: "+tgui.Err(err).String(), MainKeyboard())
	return err
}

func (f *Flow) set(adminID int64, s *session) {
	f.mu.Lock()
	f.sessions[adminID] = s
	f.mu.Unlock()
}

func (f *Flow) clear(adminID int64) {
	f.mu.Lock()
	delete(f.sessions, adminID)
	f.mu.Unlock()
}

func (f *Flow) reply(ctx context.Context, chat kit.ChatTarget, text string, kb *kit.Keyboard) error {
	_, err := f.send.SendText(ctx, chat, text, tgui.HTML(kb))
	if err != nil {
		f.log.Debug("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
	return nil
}

func is(text, label string) bool { return strings.EqualFold(strings.TrimSpace(text), label) }

func nameOr(name string) string {
	if strings.TrimSpace(name) == "" {
		return "admin"
	}
	return name
}
