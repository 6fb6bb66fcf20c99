package delivery

import (
	"context"
	"fmt"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Marker records successful deliveries. storage.Store satisfies it.
type Marker interface {
	MarkDelivered(ctx context.Context, id int64) error
}

// CooldownFunc is told about every flood wait before it starts.
type CooldownFunc func(recipient int64, wait time.Duration)

// Result is the classification of one DeliverOne call.
type Result struct {
	Outcome Outcome
	// RateLimited is set when the first attempt hit a flood wait; the
	// recipient then counts as RateLimited in addition to Outcome.
	RateLimited bool
	RetryAfter  time.Duration
	// Err is the last platform error, kept for logging only.
	Err error
}

// Counted returns every category this result contributes to campaign stats.
func (r Result) Counted() []Outcome {
	if r.RateLimited {
		return []Outcome{RateLimited, r.Outcome}
	}
	return []Outcome{r.Outcome}
}

type Deliverer struct {
	sender kit.Sender
	marks  Marker
	log    logx.Logger

	sleep      func(ctx context.Context, d time.Duration) error
	onCooldown CooldownFunc
}

type Option func(*Deliverer)

func WithLogger(log logx.Logger) Option { return func(d *Deliverer) { d.log = log } }

// WithSleep replaces the cooldown wait (tests use it to avoid real sleeps).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Deliverer) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

func WithCooldownHook(fn CooldownFunc) Option { return func(d *Deliverer) { d.onCooldown = fn } }

func NewDeliverer(sender kit.Sender, marks Marker, opts ...Option) *Deliverer {
	d := &Deliverer{
		sender: sender,
		marks:  marks,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return d
}

// DeliverOne sends draft to one recipient and classifies the outcome.
//
// A flood wait is honored once: the identical send is retried after the
// server cooldown and the retry's outcome is final. Classified failures are
// terminal and never returned as error; only store errors and context
// cancellation are.
func (d *Deliverer) DeliverOne(ctx context.Context, id int64, draft Draft) (Result, error) {
	var res Result
	err := d.send(ctx, id, draft)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}
		if out, wait := Classify(err); out == RateLimited {
			res.RateLimited = true
			res.RetryAfter = wait
			if d.onCooldown != nil {
				d.onCooldown(id, wait)
			}
			d.log.Warn("flood limit hit, cooling down", logx.Int64("recipient", id), logx.Duration("retry_after", wait))
			if serr := d.sleep(ctx, wait); serr != nil {
				return res, serr
			}
			err = d.send(ctx, id, draft)
			if cerr := ctx.Err(); err != nil && cerr != nil {
				return res, cerr
			}
		}
	}

	res.Outcome, _ = Classify(err)
	res.Err = err
	if res.Outcome != Delivered {
		d.log.Debug("delivery failed", logx.Int64("recipient", id), logx.String("outcome", res.Outcome.String()), logx.Err(err))
		return res, nil
	}
	// marked even when ctx is done: the message is already out
	if merr := d.marks.MarkDelivered(context.WithoutCancel(ctx), id); merr != nil {
		return res, fmt.Errorf("deliver %d: %w", id, merr)
	}
	return res, nil
}

func (d *Deliverer) send(ctx context.Context, id int64, draft Draft) error {
	to := kit.ChatTarget{ChatID: id}
	if len(draft.Photos) == 0 {
		_, err := d.sender.SendText(ctx, to, draft.Text, &kit.SendOptions{})
		return err
	}
	return d.sender.SendMediaGroup(ctx, to, draft.Photos, draft.Text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
