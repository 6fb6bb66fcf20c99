package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"}) // a is full; dropped for a only

	if e := <-a; e.Type != "one" || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	select {
	case e := <-a:
		t.Fatalf("a got unexpected %+v", e)
	default:
	}
	if e1, e2 := <-c, <-c; e1.Type != "one" || e2.Type != "two" {
		t.Fatalf("c got %s, %s", e1.Type, e2.Type)
	}
	if n := b.Dropped(); n != 1 {
		t.Fatalf("Dropped = %d, want 1", n)
	}
}

func TestSubscribeFiltersByTopicPrefix(t *testing.T) {
	b := New()
	gate, unsubGate := b.Subscribe(4, "gate.")
	defer unsubGate()
	done, unsubDone := b.Subscribe(4, CampaignFinished, NotifierFailed)
	defer unsubDone()

	for _, typ := range []string{CampaignStarted, GateConfirmed, CampaignFinished, GateApproved, NotifierSent} {
		Publish(b, typ, nil)
	}

	if e1, e2 := <-gate, <-gate; e1.Type != GateConfirmed || e2.Type != GateApproved {
		t.Fatalf("gate subscriber got %s, %s", e1.Type, e2.Type)
	}
	if e := <-done; e.Type != CampaignFinished {
		t.Fatalf("finished subscriber got %s", e.Type)
	}
	select {
	case e := <-done:
		t.Fatalf("finished subscriber got unexpected %s", e.Type)
	case e := <-gate:
		t.Fatalf("gate subscriber got unexpected %s", e.Type)
	default:
	}
	if n := b.Dropped(); n != 0 {
		t.Fatalf("filtered events counted as dropped: %d", n)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: "late"})
}

func TestPublishHelperIsNilSafe(t *testing.T) {
	Publish(nil, CampaignStarted, nil)
}
