package router

import (
	"context"
	"hash/maphash"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "gatebot/internal/runtime/supervisor"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Access controls who may trigger a command or callback.
type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	deniedText       = "⛔ Access denied."
)

type Command struct {
	// Name is the command word without slash, e.g. "start".
	Name        string
	Aliases     []string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type JoinHandlerFunc func(ctx context.Context, jr kit.JoinRequest) error

// Request is one routed update.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Private  bool
	Command  string
	Args     []string
	Payload  string
	ReqID    string
	Admin    bool
	Logger   logx.Logger
}

// Message returns the inbound message, or nil for other update kinds.
func (r *Request) Message() *kit.Message { return r.Update.Message }

type Config struct {
	Workers   int
	QueueSize int
	// Timeout applies to routes without their own timeout.
	Timeout time.Duration
}

// Router dispatches updates to handlers. Updates of one chat are handled in
// arrival order by the same worker; different chats run in parallel.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	cfg     Config
	seed    maphash.Seed

	mu        sync.RWMutex
	admins    []int64
	commands  map[string]Command
	menu      []Command
	callbacks map[string]map[string]CallbackRoute
	fallback  HandlerFunc
	onJoin    JoinHandlerFunc

	runMu  sync.Mutex
	queues []chan func()
	sup    *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Router{
		log:       log,
		adapter:   adapter,
		cfg:       cfg,
		seed:      maphash.MakeSeed(),
		commands:  map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
	}
}

// SetAdmins replaces the allow-list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	cp := append([]int64(nil), ids...)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *Router) IsAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.admins, id)
}

func (r *Router) Handle(c Command) {
	name := normalizeCommand(c.Name)
	if name == "" || c.Handle == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = c
	for _, a := range c.Aliases {
		if a = normalizeCommand(a); a != "" {
			r.commands[a] = c
		}
	}
	r.menu = append(r.menu, c)
}

func (r *Router) HandleCallback(cb CallbackRoute) {
	scope, action := strings.TrimSpace(cb.Scope), strings.TrimSpace(cb.Action)
	if scope == "" || action == "" || cb.Handle == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callbacks[scope] == nil {
		r.callbacks[scope] = map[string]CallbackRoute{}
	}
	r.callbacks[scope][action] = cb
}

// OnMessage sets the handler for messages that are not commands.
func (r *Router) OnMessage(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

func (r *Router) OnJoinRequest(h JoinHandlerFunc) {
	r.mu.Lock()
	r.onJoin = h
	r.mu.Unlock()
}

// PublishMenu pushes the registered commands to the client menu when the
// adapter supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := buildMenuCommands(r.menu)
	r.mu.RUnlock()
	return up.UpdateMenuCommands(ctx, menu)
}

// Run consumes updates until ctx ends or the channel is closed, then drains
// the worker queues for a short grace period.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	queues := make([]chan func(), r.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan func(), r.cfg.QueueSize)
	}
	r.runMu.Lock()
	r.queues, r.sup = queues, sup
	r.runMu.Unlock()

	for i, q := range queues {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return r.workerLoop(c, idx, q)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("router started", logx.Int("workers", len(queues)), logx.Int("queue_cap", r.cfg.QueueSize))

	defer func() {
		r.runMu.Lock()
		r.queues, r.sup = nil, nil
		for _, q := range queues {
			close(q)
		}
		r.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) workerLoop(ctx context.Context, idx int, q <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-q:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

// enqueue places fn on the queue owned by key. It never blocks the update loop.
func (r *Router) enqueue(key int64, fn func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if len(r.queues) == 0 {
		return false
	}
	var h maphash.Hash
	h.SetSeed(r.seed)
	var b [8]byte
	for i := range b {
		b[i] = byte(uint64(key) >> (8 * i))
	}
	_, _ = h.Write(b[:])
	q := r.queues[h.Sum64()%uint64(len(r.queues))]
	select {
	case q <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	case kit.UpdateJoinRequest:
		r.routeJoin(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := r.newRequest(up, chat, msg.FromID, msg.FromName)
	req.Private = msg.IsPrivate

	r.mu.RLock()
	word, args, isCmd := splitCommand(msg.Text)
	cmd, known := r.commands[word]
	fallback := r.fallback
	r.mu.RUnlock()

	var h HandlerFunc
	var timeout time.Duration
	switch {
	case isCmd && known:
		if cmd.Access == AccessAdmin && !req.Admin {
			r.deny(ctx, chat)
			return
		}
		req.Command, req.Args = word, args
		h, timeout = cmd.Handle, cmd.Timeout
	case fallback != nil:
		h = fallback
	default:
		return
	}
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))
	final := r.chain(h, timeout)
	if !r.enqueue(msg.ChatID, func() { _ = final(ctx, req) }) {
		r.log.Warn("router queue full; message dropped", logx.Int64("chat_id", msg.ChatID))
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	scope, action, payload := parts[0], parts[1], ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.mu.RLock()
	route, ok := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := r.newRequest(up, chat, cb.FromID, cb.FromName)
	req.Command = "cb:" + scope + ":" + action
	req.Payload = payload
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))
	if route.Access == AccessAdmin && !req.Admin {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, deniedText)
		return
	}

	h := func(c context.Context, rq *Request) error { return route.Handle(c, rq, payload) }
	final := r.chain(h, route.Timeout)
	if !r.enqueue(cb.ChatID, func() {
		_ = final(ctx, req)
		// stop the client spinner
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (r *Router) routeJoin(ctx context.Context, up kit.Update) {
	jr := up.JoinRequest
	if jr == nil {
		return
	}
	r.mu.RLock()
	h := r.onJoin
	r.mu.RUnlock()
	if h == nil {
		return
	}
	req := r.newRequest(up, kit.ChatTarget{ChatID: jr.UserChatID}, jr.UserID, jr.FirstName)
	req.Command = "join_request"
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))
	final := r.chain(func(c context.Context, _ *Request) error { return h(c, *jr) }, 0)
	if !r.enqueue(jr.UserID, func() { _ = final(ctx, req) }) {
		r.log.Warn("router queue full; join request dropped", logx.Int64("user_id", jr.UserID))
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, fromName string) *Request {
	rid := newReqID()
	return &Request{
		Update:   up,
		Chat:     chat,
		FromID:   fromID,
		FromName: fromName,
		ReqID:    rid,
		Admin:    r.IsAdmin(fromID),
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
		),
	}
}

func (r *Router) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	return Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
}

func (r *Router) deny(ctx context.Context, chat kit.ChatTarget) {
	_, _ = r.adapter.SendText(ctx, chat, deniedText, nil)
}

// Deny sends the fixed access-denied reply.
func (r *Router) Deny(ctx context.Context, chat kit.ChatTarget) { r.deny(ctx, chat) }

// splitCommand reports the command word of "/cmd@bot arg1 arg2".
func splitCommand(text string) (word string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word = normalizeCommand(parts[0])
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

func normalizeCommand(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

func newReqID() string {
	id := uuid.NewString()
	return id[:8]
}
