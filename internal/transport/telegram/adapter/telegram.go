package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "gatebot/internal/runtime/supervisor"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendTimeout is the HTTP budget of one request beyond the long-poll
	// wait. telebot calls take no context, so this is the only real bound.
	SendTimeout time.Duration
}

// Adapter bridges telebot to the transport-neutral kit types.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter; created on Start.
	sup *rtsup.Supervisor

	droppedUpdates uint64
}

var allowedUpdates = []string{"message", "callback_query", "chat_join_request"}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: clientTimeout(timeout, cfg.SendTimeout)},
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// clientTimeout is shared by getUpdates and sends, so it must outlast a full
// long poll.
func clientTimeout(poll, send time.Duration) time.Duration {
	if send <= 0 {
		send = 15 * time.Second
	}
	return poll + send
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Sender != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: messageFrom(m, m.Text)})
		}
		return nil
	})

	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := messageFrom(m, m.Caption)
		if m.Photo != nil && m.Photo.FileID != "" {
			msg.Photos = []string{m.Photo.FileID}
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		up := &kit.Callback{
			ID:       cb.ID,
			FromID:   cb.Sender.ID,
			FromName: fullName(cb.Sender),
			Data:     strings.TrimSpace(cb.Data),
		}
		if m := cb.Message; m != nil && m.Chat != nil {
			up.ChatID = m.Chat.ID
			up.ThreadID = m.ThreadID
			up.MessageID = m.ID
		} else {
			up.ChatID = cb.Sender.ID
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateCallback, Callback: up})
		return nil
	})

	a.bot.Handle(tele.OnChatJoinRequest, func(c tele.Context) error {
		jr := c.ChatJoinRequest()
		if jr == nil || jr.Chat == nil || jr.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateJoinRequest, JoinRequest: &kit.JoinRequest{
			ChannelID: jr.Chat.ID,
			UserID:    jr.Sender.ID,
			// private chat id equals the user id for users
			UserChatID: jr.Sender.ID,
			FirstName:  jr.Sender.FirstName,
			Username:   jr.Sender.Username,
		}})
		return nil
	})
}

func messageFrom(m *tele.Message, text string) *kit.Message {
	out := &kit.Message{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     fullName(m.Sender),
		Text:         text,
		AlbumID:      m.AlbumID,
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.IsPrivate = m.Chat.Type == tele.ChatPrivate
	}
	return out
}

func fullName(u *tele.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.Component("telegram.adapter")),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it ever returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// keep shutdown snappy even if getUpdates is still long-polling
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// Telegram caps media captions well below message text.
const telegramCaptionLimit = 1024

// splitTelegramText splits long messages, preferring newline boundaries and
// avoiding cuts inside HTML tags when parseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		// markup goes on the last chunk so buttons sit under the full text
		if i == len(chunks)-1 && opt.Keyboard != nil {
			sendOpt.ReplyMarkup = replyMarkup(opt.Keyboard)
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMediaGroup sends the photos as one album, caption on the first item.
// A single photo is sent as a plain photo message.
func (a *Adapter) SendMediaGroup(ctx context.Context, to kit.ChatTarget, photos []string, caption string) error {
	if len(photos) == 0 {
		return errors.New("media group is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	caption = truncateRunes(caption, telegramCaptionLimit)
	chat := &tele.Chat{ID: to.ChatID}
	opt := &tele.SendOptions{ThreadID: to.ThreadID}

	if len(photos) == 1 {
		_, err := a.bot.Send(chat, &tele.Photo{File: tele.File{FileID: photos[0]}, Caption: caption}, opt)
		return mapError(err)
	}
	album := make(tele.Album, 0, len(photos))
	for i, id := range photos {
		p := &tele.Photo{File: tele.File{FileID: id}}
		if i == 0 {
			p.Caption = caption
		}
		album = append(album, p)
	}
	_, err := a.bot.SendAlbum(chat, album, opt)
	return mapError(err)
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}))
}

func (a *Adapter) MemberRole(ctx context.Context, channelID, userID int64) (kit.MemberRole, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: channelID}, &tele.User{ID: userID})
	if err != nil {
		return "", mapError(err)
	}
	if m == nil {
		return kit.RoleLeft, nil
	}
	return kit.MemberRole(m.Role), nil
}

func (a *Adapter) ApproveJoinRequest(ctx context.Context, channelID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(a.bot.ApproveJoinRequest(&tele.Chat{ID: channelID}, &tele.User{ID: userID}))
}

func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, tele.Command{Text: c.Command, Description: c.Description})
	}
	return mapError(a.bot.SetCommands(out))
}

func replyMarkup(kb *kit.Keyboard) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	if kb.Remove {
		rm.RemoveKeyboard = true
		return rm
	}
	rows := make([]tele.Row, 0, len(kb.Rows))
	for _, r := range kb.Rows {
		btns := make([]tele.Btn, 0, len(r))
		for _, b := range r {
			if kb.Inline {
				btns = append(btns, tele.Btn{Text: b.Text, Data: b.Data})
			} else {
				btns = append(btns, tele.Btn{Text: b.Text})
			}
		}
		rows = append(rows, rm.Row(btns...))
	}
	if kb.Inline {
		rm.Inline(rows...)
		return rm
	}
	rm.ResizeKeyboard = true
	rm.OneTimeKeyboard = kb.OneTime
	rm.Reply(rows...)
	return rm
}

// mapError translates telebot failures into the kit sentinels so callers never
// depend on telebot types.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.RateLimitError{RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return errors.Join(kit.ErrBlocked, err)
	case errors.Is(err, tele.ErrChatNotFound):
		return errors.Join(kit.ErrChatNotFound, err)
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return errors.Join(kit.ErrDeactivated, err)
	}

	// descriptions are stable even when telebot does not return its sentinel
	desc := strings.ToLower(err.Error())
	switch {
	case strings.Contains(desc, "bot was blocked by the user"):
		return errors.Join(kit.ErrBlocked, err)
	case strings.Contains(desc, "chat not found"):
		return errors.Join(kit.ErrChatNotFound, err)
	case strings.Contains(desc, "user is deactivated"):
		return errors.Join(kit.ErrDeactivated, err)
	}
	return err
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
