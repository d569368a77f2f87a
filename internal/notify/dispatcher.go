package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schoolops/internal/eventbus"
	"schoolops/internal/jobs"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrNoSender  = errors.New("no sender for channel")
	ErrNoAddress = errors.New("message has no address")
)

const (
	EventSent    = "notify.sent"
	EventFailed  = "notify.failed"
	EventDeduped = "notify.deduped"
)

// Sender delivers one message over a single channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
	// DedupWindow is how long a delivered (key, address) pair is remembered.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 48 * time.Hour
	}
	return c
}

// Delivery is the published payload of notify.* events.
type Delivery struct {
	Key     string
	To      string
	Subject string
	Err     string
}

type Dispatcher struct {
	log   logx.Logger
	bus   eventbus.Bus
	dedup storage.DedupStore

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
	senders map[Channel]Sender

	now func() time.Time
}

// NewDispatcher builds a Dispatcher. dedup and bus may be nil.
func NewDispatcher(cfg Config, dedup storage.DedupStore, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:     log.With(logx.String("comp", "notify")),
		bus:     bus,
		dedup:   dedup,
		senders: map[Channel]Sender{},
		now:     time.Now,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps in new limits. In-flight waits keep the old limiter.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Handle routes a channel to s, replacing any previous sender.
func (d *Dispatcher) Handle(ch Channel, s Sender) {
	d.mu.Lock()
	if s == nil {
		delete(d.senders, ch)
	} else {
		d.senders[ch] = s
	}
	d.mu.Unlock()
}

func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Channel, 0, len(d.senders))
	for ch := range d.senders {
		out = append(out, ch)
	}
	return out
}

// Send delivers m once per dedupKey. An empty key disables dedup.
// It reports whether a message actually went out.
func (d *Dispatcher) Send(ctx context.Context, m Message, dedupKey string) (bool, error) {
	if m.To.To == "" {
		return false, jobs.NoRetry(ErrNoAddress)
	}
	d.mu.RLock()
	cfg := d.cfg
	lim := d.limiter
	sender := d.senders[m.To.Channel]
	d.mu.RUnlock()
	if sender == nil {
		return false, jobs.NoRetry(fmt.Errorf("%w: %s", ErrNoSender, m.To.Channel))
	}

	key := ""
	if dedupKey != "" {
		key = dedupKey + ":" + m.To.String()
	}
	if key != "" && d.dedup != nil {
		_, seen, err := d.dedup.GetDedup(ctx, key)
		if err != nil {
			return false, fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			d.log.Debug("delivery deduped", logx.String("key", key))
			d.publish(EventDeduped, Delivery{Key: key, To: m.To.String(), Subject: m.Subject})
			return false, nil
		}
	}

	if err := lim.Wait(ctx); err != nil {
		return false, err
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := sender.Send(sctx, m)
	cancel()
	if err != nil {
		d.log.Warn("delivery failed", logx.String("to", m.To.String()), logx.String("subject", m.Subject), logx.Err(err))
		d.publish(EventFailed, Delivery{Key: key, To: m.To.String(), Subject: m.Subject, Err: err.Error()})
		return false, err
	}

	if key != "" && d.dedup != nil {
		// Marker write is best-effort; the message is already out.
		if perr := d.dedup.PutDedup(context.WithoutCancel(ctx), key, d.now().Add(cfg.DedupWindow)); perr != nil {
			d.log.Warn("dedup marker write failed", logx.String("key", key), logx.Err(perr))
		}
	}
	d.log.Debug("delivered", logx.String("to", m.To.String()), logx.String("subject", m.Subject))
	d.publish(EventSent, Delivery{Key: key, To: m.To.String(), Subject: m.Subject})
	return true, nil
}

// Report summarizes a fan-out.
type Report struct {
	Sent    int
	Skipped int
	Failed  int
}

// SendAll sends every message independently, so one bad address never blocks
// the rest. The returned error is retryable when any failure was transient.
// When every failure is permanent it is wrapped with jobs.NoRetry.
func (d *Dispatcher) SendAll(ctx context.Context, msgs []Message, dedupKey string) (Report, error) {
	var (
		rep       Report
		transient []error
		permanent []error
	)
	for _, m := range msgs {
		if ctx.Err() != nil {
			transient = append(transient, ctx.Err())
			break
		}
		sent, err := d.Send(ctx, m, dedupKey)
		switch {
		case err == nil && sent:
			rep.Sent++
		case err == nil:
			rep.Skipped++
		case jobs.IsNoRetry(err):
			rep.Failed++
			// %v keeps the no-retry marker out of a mixed join.
			permanent = append(permanent, fmt.Errorf("%s: %v", m.To, err))
		default:
			rep.Failed++
			transient = append(transient, fmt.Errorf("%s: %w", m.To, err))
		}
	}
	if len(transient) > 0 {
		return rep, errors.Join(append(transient, permanent...)...)
	}
	if len(permanent) > 0 {
		return rep, jobs.NoRetry(errors.Join(permanent...))
	}
	return rep, nil
}

func (d *Dispatcher) publish(typ string, v Delivery) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: v})
}
