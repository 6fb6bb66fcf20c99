package compose

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/delivery"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
)

const admin = 1

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	kbs   []*kit.Keyboard
}

func (s *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	var kb *kit.Keyboard
	if opt != nil {
		kb = opt.Keyboard
	}
	s.kbs = append(s.kbs, kb)
	return kit.MessageRef{}, nil
}

func (s *fakeSender) SendMediaGroup(context.Context, kit.ChatTarget, []string, string) error {
	return nil
}

func (s *fakeSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

type fakeEngine struct {
	started   []broadcast.Campaign
	startErr  error
	resumeErr error
	resumed   int
}

func (e *fakeEngine) Start(_ context.Context, c broadcast.Campaign, _ broadcast.ReportSink) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.started = append(e.started, c)
	return nil
}

func (e *fakeEngine) Resume(context.Context, int64, string, broadcast.ReportSink) error {
	if e.resumeErr != nil {
		return e.resumeErr
	}
	e.resumed++
	return nil
}

func (e *fakeEngine) Running() (broadcast.Status, bool) { return broadcast.Status{}, false }
func (e *fakeEngine) Resumable(context.Context) (broadcast.Campaign, bool) {
	return broadcast.Campaign{}, false
}

type fakeGate struct{ delay time.Duration }

func (g *fakeGate) ApprovalDelay() time.Duration { return g.delay }
func (g *fakeGate) SetApprovalDelay(d time.Duration) error {
	g.delay = d
	return nil
}
func (g *fakeGate) PendingApprovals() int { return 2 }

type fakeStats struct {
	count int
	err   error
	last  *storage.CampaignRecord
}

func (s *fakeStats) CountRecipients(context.Context) (int, error) { return s.count, s.err }
func (s *fakeStats) DeliveredCount(context.Context) (int, error)  { return 0, s.err }
func (s *fakeStats) LastCampaign(context.Context) (storage.CampaignRecord, bool, error) {
	if s.last == nil {
		return storage.CampaignRecord{}, false, s.err
	}
	return *s.last, true, s.err
}

type adminSet map[int64]bool

func (a adminSet) IsAdmin(id int64) bool { return a[id] }

type harness struct {
	f      *Flow
	send   *fakeSender
	engine *fakeEngine
	gate   *fakeGate
	stats  *fakeStats
}

func newHarness() *harness {
	h := &harness{
		send:   &fakeSender{},
		engine: &fakeEngine{},
		gate:   &fakeGate{delay: 5 * time.Minute},
		stats:  &fakeStats{count: 3},
	}
	sinks := func(int64, string, kit.ChatTarget) broadcast.ReportSink { return broadcast.SinkFuncs{} }
	h.f = New(h.send, h.engine, h.gate, h.stats, adminSet{admin: true}, sinks, logx.Nop())
	return h
}

func (h *harness) say(t *testing.T, from int64, text string, photos ...string) {
	t.Helper()
	req := &router.Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ChatID: from, FromID: from, Text: text, Photos: photos, IsPrivate: true,
		}},
		Chat:     kit.ChatTarget{ChatID: from},
		FromID:   from,
		FromName: "Boss",
		Private:  true,
		Admin:    from == admin,
	}
	if err := h.f.HandleMessage(context.Background(), req); err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
}

func TestTextPostSubmittedOnce(t *testing.T) {
	h := newHarness()
	h.say(t, admin, BtnTextPost)
	if h.f.State(admin) != CollectingText {
		t.Fatalf("state = %v", h.f.State(admin))
	}
	h.say(t, admin, "  hello everyone  ")
	if h.f.State(admin) != AwaitingConfirmation {
		t.Fatalf("state = %v", h.f.State(admin))
	}
	h.say(t, admin, "confirm")
	h.say(t, admin, BtnConfirm)

	if len(h.engine.started) != 1 {
		t.Fatalf("engine started %d times, want 1", len(h.engine.started))
	}
	c := h.engine.started[0]
	if c.Draft.Text != "hello everyone" || len(c.Draft.Photos) != 0 || c.AdminID != admin || c.AdminName != "Boss" {
		t.Fatalf("campaign = %+v", c)
	}
	if h.f.State(admin) != Idle {
		t.Fatalf("state after submit = %v", h.f.State(admin))
	}
}

func TestPhotoPostKeepsOrder(t *testing.T) {
	h := newHarness()
	h.say(t, admin, BtnPhotoPost)
	h.say(t, admin, BtnDone)
	if !strings.Contains(h.send.last(), "at least one photo") {
		t.Fatalf("reply = %q", h.send.last())
	}
	h.say(t, admin, "not a photo")
	if !strings.Contains(h.send.last(), "not a photo") {
		t.Fatalf("reply = %q", h.send.last())
	}
	h.say(t, admin, "", "p1")
	h.say(t, admin, "", "p2")
	h.say(t, admin, BtnDone)
	h.say(t, admin, "caption")
	h.say(t, admin, BtnConfirm)

	if len(h.engine.started) != 1 {
		t.Fatalf("engine started %d times", len(h.engine.started))
	}
	d := h.engine.started[0].Draft
	if strings.Join(d.Photos, ",") != "p1,p2" || d.Text != "caption" {
		t.Fatalf("draft = %+v", d)
	}
}

func TestPhotoLimitAdvancesToText(t *testing.T) {
	h := newHarness()
	h.say(t, admin, BtnPhotoPost)
	for i := 0; i < 12; i++ {
		if h.f.State(admin) != CollectingPhotos {
			break
		}
		h.say(t, admin, "", "p")
	}
	if h.f.State(admin) != CollectingText {
		t.Fatalf("state = %v, want CollectingText", h.f.State(admin))
	}
	h.f.mu.Lock()
	n := len(h.f.sessions[admin].photos)
	h.f.mu.Unlock()
	if n != 10 {
		t.Fatalf("photos = %d, want 10", n)
	}
}

func TestCancelFromEveryState(t *testing.T) {
	steps := map[State][]string{
		CollectingPhotos:     {BtnPhotoPost},
		CollectingText:       {BtnTextPost},
		AwaitingConfirmation: {BtnTextPost, "body"},
		AwaitingDelay:        {BtnDelay},
	}
	for want, seq := range steps {
		h := newHarness()
		for _, s := range seq {
			h.say(t, admin, s)
		}
		if h.f.State(admin) != want {
			t.Fatalf("setup reached %v, want %v", h.f.State(admin), want)
		}
		h.say(t, admin, "cancel")
		if h.f.State(admin) != Idle {
			t.Fatalf("cancel from %v left state %v", want, h.f.State(admin))
		}
		if h.send.last() != "Cancelled." {
			t.Fatalf("cancel reply = %q", h.send.last())
		}
		if len(h.engine.started) != 0 {
			t.Fatal("cancelled draft was submitted")
		}
	}
}

func TestNonAdminDenied(t *testing.T) {
	h := newHarness()
	h.say(t, 99, BtnTextPost)
	if h.send.last() != DeniedText {
		t.Fatalf("reply = %q", h.send.last())
	}
	if len(h.f.sessions) != 0 {
		t.Fatal("session created for non-admin")
	}
}

func TestDelayInput(t *testing.T) {
	h := newHarness()
	h.say(t, admin, BtnDelay)
	for _, bad := range []string{"soon", "-5", "0", "1.5"} {
		h.say(t, admin, bad)
		if h.f.State(admin) != AwaitingDelay {
			t.Fatalf("input %q left state %v", bad, h.f.State(admin))
		}
		if !strings.Contains(h.send.last(), "not a positive number") {
			t.Fatalf("reply to %q = %q", bad, h.send.last())
		}
	}
	h.say(t, admin, "30")
	if h.gate.delay != 30*time.Minute || h.f.State(admin) != Idle {
		t.Fatalf("delay=%s state=%v", h.gate.delay, h.f.State(admin))
	}
}

func TestConfirmWhileCampaignRunning(t *testing.T) {
	h := newHarness()
	h.engine.startErr = broadcast.ErrCampaignRunning
	h.say(t, admin, BtnTextPost)
	h.say(t, admin, "body")
	h.say(t, admin, BtnConfirm)
	if h.f.State(admin) != AwaitingConfirmation {
		t.Fatalf("state = %v, want AwaitingConfirmation", h.f.State(admin))
	}
	if !strings.Contains(h.send.last(), "Another post") {
		t.Fatalf("reply = %q", h.send.last())
	}
}

func TestCaptionTooLong(t *testing.T) {
	h := newHarness()
	h.say(t, admin, BtnPhotoPost)
	h.say(t, admin, "", "p1")
	h.say(t, admin, BtnDone)
	h.say(t, admin, strings.Repeat("x", delivery.MaxCaptionRunes+1))
	if h.f.State(admin) != CollectingText {
		t.Fatalf("state = %v", h.f.State(admin))
	}
}

func TestTextPostTooLong(t *testing.T) {
	h := newHarness()
	h.say(t, admin, BtnTextPost)
	h.say(t, admin, strings.Repeat("x", delivery.MaxTextRunes+1))
	if h.f.State(admin) != CollectingText {
		t.Fatalf("state = %v, want CollectingText", h.f.State(admin))
	}
	if !strings.Contains(h.send.last(), "at most") {
		t.Fatalf("reply = %q", h.send.last())
	}
}

func TestRecipientsStoreError(t *testing.T) {
	h := newHarness()
	h.stats.err = errors.New("db locked")
	req := &router.Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: admin, FromID: admin, Text: BtnRecipients, IsPrivate: true}},
		Chat:   kit.ChatTarget{ChatID: admin},
		FromID: admin,
	}
	if err := h.f.HandleMessage(context.Background(), req); !errors.Is(err, h.stats.err) {
		t.Fatalf("err = %v, want store error", err)
	}
}

func TestResume(t *testing.T) {
	h := newHarness()
	req := &router.Request{Chat: kit.ChatTarget{ChatID: admin}, FromID: admin, Admin: true, Private: true}
	h.engine.resumeErr = broadcast.ErrNothingToResume
	if err := h.f.cmdResume(context.Background(), req); err != nil {
		t.Fatalf("cmdResume: %v", err)
	}
	if !strings.Contains(h.send.last(), "no interrupted post") {
		t.Fatalf("reply = %q", h.send.last())
	}
	h.engine.resumeErr = nil
	_ = h.f.cmdResume(context.Background(), req)
	if h.engine.resumed != 1 {
		t.Fatalf("resumed = %d", h.engine.resumed)
	}
}

func TestStartShowsStatus(t *testing.T) {
	h := newHarness()
	h.stats.last = &storage.CampaignRecord{FinishedAt: time.Now().Add(-time.Hour), Counts: map[string]int{"delivered": 7}}
	req := &router.Request{Chat: kit.ChatTarget{ChatID: admin}, FromID: admin, FromName: "Boss", Admin: true, Private: true}
	if err := h.f.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart: %v", err)
	}
	out := h.send.last()
	for _, want := range []string{"Boss", "Recipients: <b>3</b>", "Pending approvals: <b>2</b>", "delivered to 7"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}
