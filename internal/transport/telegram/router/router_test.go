package router

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	texts    []string
	answered []string
	menu     []kit.BotCommand
}

func (a *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return kit.MessageRef{}, nil
}

func (a *fakeAdapter) SendMediaGroup(context.Context, kit.ChatTarget, []string, string) error {
	return nil
}
func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }
func (a *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = append(a.answered, id)
	return nil
}
func (a *fakeAdapter) MemberRole(context.Context, int64, int64) (kit.MemberRole, error) {
	return kit.RoleLeft, nil
}
func (a *fakeAdapter) ApproveJoinRequest(context.Context, int64, int64) error { return nil }
func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.menu = cmds
	return nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func runRouter(t *testing.T, r *Router) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// wait until workers exist
	deadline := time.Now().Add(time.Second)
	for {
		r.runMu.Lock()
		ready := len(r.queues) > 0
		r.runMu.Unlock()
		if ready || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return updates
}

func msgUpdate(chatID, from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: from, Text: text, IsPrivate: true}}
}

func TestAdminCommandDenied(t *testing.T) {
	a := &fakeAdapter{}
	r := New(Config{}, a, logx.Nop())
	r.SetAdmins([]int64{1})
	ran := make(chan int64, 2)
	r.Handle(Command{Name: "start", Access: AccessAdmin, Handle: func(_ context.Context, req *Request) error {
		ran <- req.FromID
		return nil
	}})
	updates := runRouter(t, r)

	updates <- msgUpdate(2, 2, "/start")
	updates <- msgUpdate(1, 1, "/start@gatebot")

	select {
	case id := <-ran:
		if id != 1 {
			t.Fatalf("handler ran for %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("admin command not handled")
	}
	texts := a.sentTexts()
	if len(texts) != 1 || texts[0] != deniedText {
		t.Fatalf("texts = %v, want one denial", texts)
	}
}

func TestMessagesOfOneChatKeepOrder(t *testing.T) {
	a := &fakeAdapter{}
	r := New(Config{Workers: 4}, a, logx.Nop())
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	r.OnMessage(func(_ context.Context, req *Request) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, req.Message().Text)
		if len(got) == 10 {
			close(done)
		}
		return nil
	})
	updates := runRouter(t, r)
	want := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	for _, s := range want {
		updates <- msgUpdate(42, 42, s)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not handled")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestCallbackRouting(t *testing.T) {
	a := &fakeAdapter{}
	r := New(Config{}, a, logx.Nop())
	payloads := make(chan string, 1)
	r.HandleCallback(CallbackRoute{Scope: "compose", Action: "send", Handle: func(_ context.Context, _ *Request, p string) error {
		payloads <- p
		return nil
	}})
	updates := runRouter(t, r)
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 5, FromID: 5, Data: "compose:send:x:y"}}

	select {
	case p := <-payloads:
		if p != "x:y" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not handled")
	}
	deadline := time.Now().Add(time.Second)
	for {
		a.mu.Lock()
		n := len(a.answered)
		a.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("callback not answered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinRequestRouted(t *testing.T) {
	r := New(Config{}, &fakeAdapter{}, logx.Nop())
	got := make(chan kit.JoinRequest, 1)
	r.OnJoinRequest(func(_ context.Context, jr kit.JoinRequest) error {
		got <- jr
		return nil
	})
	updates := runRouter(t, r)
	updates <- kit.Update{Kind: kit.UpdateJoinRequest, JoinRequest: &kit.JoinRequest{ChannelID: -1, UserID: 9, UserChatID: 9}}
	select {
	case jr := <-got:
		if jr.UserID != 9 {
			t.Fatalf("join request = %+v", jr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join request not handled")
	}
}

func TestPanicInHandlerKeepsWorker(t *testing.T) {
	r := New(Config{Workers: 1}, &fakeAdapter{}, logx.Nop())
	ok := make(chan struct{})
	r.OnMessage(func(_ context.Context, req *Request) error {
		if req.Message().Text == "boom" {
			panic("boom")
		}
		close(ok)
		return nil
	})
	updates := runRouter(t, r)
	updates <- msgUpdate(1, 1, "boom")
	updates <- msgUpdate(1, 1, "fine")
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		word string
		args int
		ok   bool
	}{
		{"/start", "start", 0, true},
		{"/Resume@GateBot now", "resume", 1, true},
		{"hello", "", 0, false},
		{"/", "", 0, false},
	}
	for _, c := range cases {
		w, args, ok := splitCommand(c.in)
		if w != c.word || len(args) != c.args || ok != c.ok {
			t.Errorf("splitCommand(%q) = %q, %v, %v", c.in, w, args, ok)
		}
	}
}

func TestPublishMenu(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	r := New(Config{}, a, logx.Nop())
	noop := func(context.Context, *Request) error { return nil }
	r.Handle(Command{Name: "resume", Description: "resume", Access: AccessAdmin, Handle: noop})
	r.Handle(Command{Name: "start", Description: "menu", Handle: noop})
	if err := r.PublishMenu(context.Background()); err != nil {
		t.Fatalf("PublishMenu: %v", err)
	}
	if len(a.menu) != 2 || a.menu[0].Command != "start" || a.menu[1].Command != "resume" {
		t.Fatalf("menu = %+v", a.menu)
	}
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Start":          "start",
		"approval-delay": "approval_delay",
		"9lives":         "cmd_9lives",
		"!!":             "",
	}
	for in, want := range cases {
		if got := sanitizeCommand(in); got != want {
			t.Errorf("sanitizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}
