package broadcast

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"gatebot/internal/delivery"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
)

// memStore records the order of mutating calls in ops.
type memStore struct {
	mu        sync.Mutex
	ids       []int64
	delivered map[int64]bool
	ops       []string
	saved     []storage.CampaignRecord
	failIsDel error
}

func newMemStore(ids ...int64) *memStore {
	return &memStore{ids: ids, delivered: map[int64]bool{}}
}

func (m *memStore) CountRecipients(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids), nil
}

func (m *memStore) Recipients(ctx context.Context) iter.Seq2[int64, error] {
	m.mu.Lock()
	snap := append([]int64(nil), m.ids...)
	m.mu.Unlock()
	return func(yield func(int64, error) bool) {
		for _, id := range snap {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *memStore) IsDelivered(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIsDel != nil {
		return false, m.failIsDel
	}
	return m.delivered[id], nil
}

func (m *memStore) ClearDeliveryMarks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "clear")
	m.delivered = map[int64]bool{}
	return nil
}

func (m *memStore) MarkDelivered(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "mark")
	m.delivered[id] = true
	return nil
}

// SaveCampaign upserts by id like the real drivers.
func (m *memStore) SaveCampaign(ctx context.Context, rec storage.CampaignRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.saved {
		if m.saved[i].ID == rec.ID {
			m.saved = append(m.saved[:i], m.saved[i+1:]...)
			break
		}
	}
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memStore) LastCampaign(ctx context.Context) (storage.CampaignRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return storage.CampaignRecord{}, false, nil
	}
	return m.saved[len(m.saved)-1], true, nil
}

// fakeSender fails per recipient according to script (consumed in order).
type fakeSender struct {
	mu     sync.Mutex
	store  *memStore
	script map[int64][]error
	sent   []int64
	albums [][]string
	block  chan struct{}
}

func (f *fakeSender) result(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store != nil {
		f.store.mu.Lock()
		f.store.ops = append(f.store.ops, "send")
		f.store.mu.Unlock()
	}
	f.sent = append(f.sent, id)
	errs := f.script[id]
	if len(errs) == 0 {
		return nil
	}
	f.script[id] = errs[1:]
	return errs[0]
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.block != nil {
		<-f.block
	}
	return kit.MessageRef{}, f.result(to.ChatID)
}

func (f *fakeSender) SendMediaGroup(ctx context.Context, to kit.ChatTarget, photos []string, caption string) error {
	f.mu.Lock()
	f.albums = append(f.albums, append([]string(nil), photos...))
	f.mu.Unlock()
	return f.result(to.ChatID)
}

type recSink struct {
	mu       sync.Mutex
	progress []Progress
	final    []Report
	failProg bool
	done     chan struct{}
}

func newRecSink() *recSink { return &recSink{done: make(chan struct{}, 1)} }

func (r *recSink) Progress(ctx context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
	if r.failProg {
		return errors.New("sink down")
	}
	return nil
}

func (r *recSink) Finished(ctx context.Context, rep Report) error {
	r.mu.Lock()
	r.final = append(r.final, rep)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func newTestEngine(cfg Config, st *memStore, snd *fakeSender, slept *[]time.Duration) *Engine {
	d := delivery.NewDeliverer(snd, st, delivery.WithSleep(func(ctx context.Context, d time.Duration) error {
		if slept != nil {
			*slept = append(*slept, d)
		}
		return nil
	}))
	return New(cfg, st, d)
}

func TestRunAllDelivered(t *testing.T) {
	st := newMemStore(1, 2, 3)
	snd := &fakeSender{script: map[int64][]error{}}
	sink := newRecSink()
	e := newTestEngine(Config{}, st, snd, nil)

	stats, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "hi"}, AdminName: "Ann"}, sink)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	var want delivery.Stats
	want[delivery.Delivered] = 3
	if stats != want {
		t.Fatalf("stats = %v, want %v", stats, want)
	}
	if len(sink.final) != 1 || sink.final[0].Aborted || sink.final[0].AdminName != "Ann" {
		t.Fatalf("final reports = %+v", sink.final)
	}
	if len(st.saved) != 1 || st.saved[0].Counts["delivered"] != 3 {
		t.Fatalf("saved campaigns = %+v", st.saved)
	}
}

func TestRunRateLimitedThenDelivered(t *testing.T) {
	st := newMemStore(1, 2, 3)
	snd := &fakeSender{script: map[int64][]error{
		2: {&kit.RateLimitError{RetryAfter: 5 * time.Second}},
	}}
	var slept []time.Duration
	e := newTestEngine(Config{}, st, snd, &slept)

	stats, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Get(delivery.RateLimited) != 1 || stats.Get(delivery.Delivered) != 3 {
		t.Fatalf("stats = %v, want RateLimited 1 Delivered 3", stats)
	}
	if stats.Total() != 4 {
		t.Fatalf("Total = %d, want 4 (retried recipient counted twice)", stats.Total())
	}
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("slept = %v, want [5s]", slept)
	}
}

func TestRunClearsMarksBeforeFirstSend(t *testing.T) {
	st := newMemStore(1, 2)
	st.delivered[1] = true
	snd := &fakeSender{store: st, script: map[int64][]error{}}
	e := newTestEngine(Config{}, st, snd, nil)

	if _, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "hi"}}, nil); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(st.ops) == 0 || st.ops[0] != "clear" {
		t.Fatalf("ops = %v, want clear first", st.ops)
	}
	if len(snd.sent) != 2 {
		t.Fatalf("sent = %v, want both recipients after clear", snd.sent)
	}
}

func TestRunResumeSkipsMarked(t *testing.T) {
	st := newMemStore(1, 2, 3)
	st.delivered[1] = true
	st.delivered[3] = true
	snd := &fakeSender{script: map[int64][]error{}}
	sink := newRecSink()
	e := newTestEngine(Config{}, st, snd, nil)

	stats, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "hi"}, Resume: true}, sink)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	for _, op := range st.ops {
		if op == "clear" {
			t.Fatal("resume must not clear delivery marks")
		}
	}
	if len(snd.sent) != 1 || snd.sent[0] != 2 {
		t.Fatalf("sent = %v, want [2]", snd.sent)
	}
	if stats.Total() != 1 || sink.final[0].Skipped != 2 || !sink.final[0].Resumed {
		t.Fatalf("stats = %v report = %+v", stats, sink.final[0])
	}
}

func TestRunProgressEveryN(t *testing.T) {
	ids := make([]int64, 7)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	st := newMemStore(ids...)
	sink := newRecSink()
	sink.failProg = true
	e := newTestEngine(Config{ProgressEvery: 3}, st, &fakeSender{script: map[int64][]error{}}, nil)

	stats, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "hi"}}, sink)
	if err != nil {
		t.Fatalf("Run error (progress failures must not abort): %v", err)
	}
	if len(sink.progress) != 2 || sink.progress[0].Processed != 3 || sink.progress[1].Processed != 6 {
		t.Fatalf("progress = %+v", sink.progress)
	}
	if stats.Get(delivery.Delivered) != 7 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestRunStoreErrorAbortsWithFinalReport(t *testing.T) {
	st := newMemStore(1, 2)
	st.failIsDel = errors.New("disk gone")
	sink := newRecSink()
	e := newTestEngine(Config{}, st, &fakeSender{script: map[int64][]error{}}, nil)

	draft := delivery.Draft{Text: "hi", Photos: []string{"a"}}
	_, err := e.Run(context.Background(), Campaign{Draft: draft, AdminID: 5}, sink)
	if !errors.Is(err, st.failIsDel) {
		t.Fatalf("err = %v, want store error", err)
	}
	if len(sink.final) != 1 || !sink.final[0].Aborted {
		t.Fatalf("final = %+v, want one aborted report", sink.final)
	}
	c, ok := e.Resumable(context.Background())
	if !ok || c.Draft.Text != "hi" || len(c.Draft.Photos) != 1 {
		t.Fatalf("Resumable = %+v, %v", c, ok)
	}
	if !strings.Contains(FormatReport(sink.final[0]), "/resume") {
		t.Fatal("aborted report should mention /resume")
	}
}

func TestRunRejectsConcurrentCampaign(t *testing.T) {
	st := newMemStore(1)
	snd := &fakeSender{script: map[int64][]error{}, block: make(chan struct{})}
	sink := newRecSink()
	e := newTestEngine(Config{}, st, snd, nil)

	if err := e.Start(context.Background(), Campaign{Draft: delivery.Draft{Text: "one"}}, sink); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := e.Start(context.Background(), Campaign{Draft: delivery.Draft{Text: "two"}}, sink); !errors.Is(err, ErrCampaignRunning) {
		t.Fatalf("second Start err = %v, want ErrCampaignRunning", err)
	}
	if _, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "three"}}, sink); !errors.Is(err, ErrCampaignRunning) {
		t.Fatalf("Run err = %v, want ErrCampaignRunning", err)
	}
	close(snd.block)
	select {
	case <-sink.done:
	case <-time.After(3 * time.Second):
		t.Fatal("campaign did not finish")
	}
	// guard is released once the campaign finishes
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "four"}}, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrCampaignRunning) || time.Now().After(deadline) {
			t.Fatalf("Run after finish err = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunMediaGroupOrder(t *testing.T) {
	st := newMemStore(1, 2)
	snd := &fakeSender{script: map[int64][]error{}}
	e := newTestEngine(Config{}, st, snd, nil)

	photos := []string{"p3", "p1", "p2"}
	if _, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: "cap", Photos: photos}}, nil); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(snd.albums) != 2 {
		t.Fatalf("albums = %v", snd.albums)
	}
	for _, a := range snd.albums {
		if strings.Join(a, ",") != "p3,p1,p2" {
			t.Fatalf("album order = %v", a)
		}
	}
}

func TestRunRejectsEmptyDraft(t *testing.T) {
	e := newTestEngine(Config{}, newMemStore(1), &fakeSender{script: map[int64][]error{}}, nil)
	if _, err := e.Run(context.Background(), Campaign{Draft: delivery.Draft{Text: " "}}, nil); !errors.Is(err, delivery.ErrEmptyDraft) {
		t.Fatalf("err = %v, want ErrEmptyDraft", err)
	}
}

func TestFormatReportListsEveryCategory(t *testing.T) {
	t.Parallel()
	var s delivery.Stats
	s[delivery.Delivered] = 1234
	out := FormatReport(Report{AdminName: "<Ann>", Stats: s, Processed: 1234, Total: 1234})
	for _, o := range delivery.Outcomes() {
		if !strings.Contains(out, o.Label()) {
			t.Fatalf("report misses %q:\n%s", o.Label(), out)
		}
	}
	if !strings.Contains(out, "1,234") || !strings.Contains(out, "&lt;Ann&gt;") {
		t.Fatalf("report formatting:\n%s", out)
	}
}

// stopAfterFirst delivers to the first recipient, then cancels the campaign.
type stopAfterFirst struct {
	inner  Deliverer
	cancel context.CancelFunc
	calls  int
}

func (s *stopAfterFirst) DeliverOne(ctx context.Context, id int64, d delivery.Draft) (delivery.Result, error) {
	s.calls++
	if s.calls > 1 {
		return delivery.Result{}, ctx.Err()
	}
	res, err := s.inner.DeliverOne(ctx, id, d)
	s.cancel()
	return res, err
}

func TestResumeAfterRestart(t *testing.T) {
	st := newMemStore(1, 2, 3)
	snd := &fakeSender{script: map[int64][]error{}}
	d := delivery.NewDeliverer(snd, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := New(Config{}, st, &stopAfterFirst{inner: d, cancel: cancel})
	draft := delivery.Draft{Text: "hello", Photos: []string{"p1", "p2"}}
	if _, err := first.Run(ctx, Campaign{Draft: draft, AdminID: 7, AdminName: "Ann"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("first run err = %v, want context.Canceled", err)
	}

	// fresh engine over the same store, as after a process restart
	second := New(Config{}, st, d)
	c, ok := second.Resumable(context.Background())
	if !ok {
		t.Fatal("interrupted campaign not resumable after restart")
	}
	if c.Draft.Text != "hello" || len(c.Draft.Photos) != 2 || c.Draft.Photos[1] != "p2" || c.AdminID != 7 {
		t.Fatalf("restored campaign = %+v", c)
	}

	sink := newRecSink()
	if err := second.Resume(context.Background(), 8, "Bob", sink); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	select {
	case <-sink.done:
	case <-time.After(3 * time.Second):
		t.Fatal("resumed campaign did not finish")
	}
	snd.mu.Lock()
	sent := append([]int64(nil), snd.sent...)
	snd.mu.Unlock()
	if len(sent) != 3 || sent[0] != 1 || sent[1] != 2 || sent[2] != 3 {
		t.Fatalf("sent = %v, want [1 2 3] (recipient 1 only once)", sent)
	}
	if rep := sink.final[0]; rep.Skipped != 1 || !rep.Resumed || rep.Aborted {
		t.Fatalf("resumed report = %+v", rep)
	}
	if _, ok := second.Resumable(context.Background()); ok {
		t.Fatal("finished campaign still resumable")
	}
}

func TestCheckpointMarksRunningCampaignInterrupted(t *testing.T) {
	st := newMemStore(1)
	snd := &fakeSender{script: map[int64][]error{}, block: make(chan struct{})}
	e := newTestEngine(Config{}, st, snd, nil)
	sink := newRecSink()
	if err := e.Start(context.Background(), Campaign{Draft: delivery.Draft{Text: "x"}}, sink); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok, _ := st.LastCampaign(context.Background())
		if ok && rec.Aborted && rec.Draft != nil && rec.Draft.Text == "x" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no checkpoint while running: %+v", rec)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(snd.block)
	<-sink.done
	if rec, _, _ := st.LastCampaign(context.Background()); rec.Aborted || rec.Draft != nil {
		t.Fatalf("finished record = %+v", rec)
	}
}
