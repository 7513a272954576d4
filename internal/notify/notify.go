// Package notify delivers end-of-task notifications to users. Delivery is
// asynchronous and best-effort: queue + worker pool + rate limit + retry.
package notify

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"exportd/internal/dataexport"
	"exportd/internal/eventbus"
	logx "exportd/pkg/logx"

	"golang.org/x/time/rate"
)

// Delivery is the transport that actually reaches the user (mail gateway,
// webhook, ...).
type Delivery interface {
	Deliver(ctx context.Context, n dataexport.Notification) error
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func(ctx context.Context, n dataexport.Notification) error

func (f DeliveryFunc) Deliver(ctx context.Context, n dataexport.Notification) error { return f(ctx, n) }

// LogDelivery writes the notification to the log. Default transport until a
// real gateway is configured.
func LogDelivery(log logx.Logger) Delivery {
	return DeliveryFunc(func(ctx context.Context, n dataexport.Notification) error {
		_ = ctx
		log.Info("export notification",
			logx.String("reason", string(n.Reason)),
			logx.String("task", n.TaskID.String()),
			logx.Int("user", n.Account.UserID),
			logx.Int("context", n.Account.ContextID),
			logx.String("host", n.Host.Host),
			logx.Time("expires", n.ExpiresAt),
		)
		return nil
	})
}

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
}

// Dispatcher implements dataexport.Notifier.
type Dispatcher struct {
	cfg      Config
	delivery Delivery
	store    dataexport.Storage
	bus      eventbus.Bus
	log      logx.Logger
	limiter  *rate.Limiter

	mu        sync.Mutex
	queue     chan dataexport.Notification
	accepting bool
	enqueueWG sync.WaitGroup
	workerWG  sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, delivery Delivery, store dataexport.Storage, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if delivery == nil {
		delivery = LogDelivery(log)
	}
	return &Dispatcher{
		cfg:      cfg,
		delivery: delivery,
		store:    store,
		bus:      bus,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan dataexport.Notification, d.cfg.QueueSize)
	d.accepting = true
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	workers := d.cfg.Workers
	q, runCtx := d.queue, d.runCtx
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		d.workerWG.Add(1)
		go func() {
			defer d.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in notify worker",
						logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			d.workerLoop(runCtx, q)
		}()
	}
}

// Stop blocks intake and drains the queue until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q, cancel := d.queue, d.runCancel
	if q == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	d.mu.Unlock()

	enqueued := make(chan struct{})
	go func() {
		d.enqueueWG.Wait()
		close(enqueued)
	}()
	select {
	case <-ctx.Done():
		cancel()
		return
	case <-enqueued:
	}

	close(q)
	drained := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
	case <-drained:
	}
	cancel()

	d.mu.Lock()
	d.queue = nil
	d.runCtx, d.runCancel = nil, nil
	d.mu.Unlock()
}

// SendAndMark enqueues the notification. The queue being full is reported as
// an error; the caller treats delivery as best-effort and only logs it.
func (d *Dispatcher) SendAndMark(ctx context.Context, n dataexport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return fmt.Errorf("notify dispatcher stopped")
	}
	q := d.queue
	d.enqueueWG.Add(1)
	d.mu.Unlock()
	defer d.enqueueWG.Done()

	select {
	case q <- n:
		d.publish("export.notify.queued", n, nil)
		return nil
	default:
		d.publish("export.notify.dropped", n, errQueueFull)
		return errQueueFull
	}
}

var errQueueFull = fmt.Errorf("notify queue full")

func (d *Dispatcher) workerLoop(runCtx context.Context, q chan dataexport.Notification) {
	for n := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		d.deliverWithRetry(runCtx, n)
	}
}

func (d *Dispatcher) deliverWithRetry(runCtx context.Context, n dataexport.Notification) {
	maxAttempts := 1 + d.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.limiter.Wait(runCtx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := d.delivery.Deliver(callCtx, n)
		cancel()
		if err == nil {
			d.markSent(runCtx, n)
			d.publish("export.notify.sent", n, nil)
			return
		}
		lastErr = err
		d.log.Debug("notification delivery failed",
			logx.String("task", n.TaskID.String()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}
		if !sleep(runCtx, retryDelay(d.cfg, attempt)) {
			return
		}
	}
	d.publish("export.notify.failed", n, lastErr)
}

// markSent records delivery so the expiry sweep will not notify again. Skipped
// when the task row is already gone (sweep-triggered notifications).
func (d *Dispatcher) markSent(ctx context.Context, n dataexport.Notification) {
	if !n.MarkSent || d.store == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.store.MarkNotificationSent(mctx, n.TaskID, n.Account); err != nil {
		d.log.Warn("could not mark notification sent",
			logx.String("task", n.TaskID.String()), logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, n dataexport.Notification, err error) {
	if d.bus == nil {
		return
	}
	data := map[string]any{
		"task":    n.TaskID.String(),
		"reason":  string(n.Reason),
		"user":    n.Account.UserID,
		"context": n.Account.ContextID,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << (attempt - 1)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// Jitter to spread retries from concurrent workers.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
