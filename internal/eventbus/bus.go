package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one campaign, gate or notifier signal. Data carries the
// publisher's payload (a broadcast.Report, a gate.Event, an outcome name).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to in-process subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and Dropped counts it.
type Bus interface {
	Publish(e Event)
	// Subscribe receives events whose type starts with one of topics
	// ("gate." or "campaign.finished"); no topics means everything.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	topics []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if strings.HasPrefix(typ, t) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// read lock held across sends: unsubscribe closes channels under the write lock
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), topics: append([]string(nil), topics...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Publish is a no-op on a nil bus so components can run without one.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
