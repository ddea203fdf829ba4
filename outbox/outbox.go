// Package outbox publishes committed events to their fan-out channels.
// Publishing happens strictly after the event log append commits; a failed
// publish is retried with backoff and never rolls back the append. The
// buffer is in-memory only: a lost publish is recoverable by rebuilding the
// projection from the log, which is the system of record.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/transport"
)

// ErrSaturated is returned when the outbox buffer is full and the handoff
// timed out. Callers may publish inline as a fallback.
var ErrSaturated = errors.New("event outbox is saturated")

// Config tunes the outbox worker pool and retry behaviour.
type Config struct {
	BufferSize     int
	WorkerCount    int
	HandoffTimeout time.Duration
	PublishTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		BufferSize:     4096,
		WorkerCount:    8,
		HandoffTimeout: 25 * time.Millisecond,
		PublishTimeout: 60 * time.Second,
		RetryInitial:   250 * time.Millisecond,
		RetryMax:       30 * time.Second,
	}
}

type record struct {
	channel string
	body    []byte
	attempt int
}

// Outbox fans committed events out to the transport.
type Outbox struct {
	cfg    Config
	pub    transport.Publisher
	logger *log.Logger

	workCh   chan *record
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	delivered atomic.Uint64
	started   time.Time
}

// New creates an Outbox. Call Start before enqueueing.
func New(cfg Config, pub transport.Publisher, logger *log.Logger) *Outbox {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.WorkerCount * 64
	}
	return &Outbox{
		cfg:     cfg,
		pub:     pub,
		logger:  logger,
		workCh:  make(chan *record, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		started: time.Now().UTC(),
	}
}

// Start launches the publish workers.
func (o *Outbox) Start() {
	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
}

// Shutdown stops accepting work and waits for in-flight publishes.
func (o *Outbox) Shutdown() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	// Retry goroutines resend on workCh, so they must drain before it closes.
	o.retryWG.Wait()
	close(o.workCh)
	o.workerWG.Wait()
}

// Enqueue hands a committed event to the workers. The event's channel is
// derived from its name's namespace.
func (o *Outbox) Enqueue(ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := &record{channel: ev.Channel(), body: body}

	if o.cfg.HandoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		default:
			return ErrSaturated
		}
	}

	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		return ErrSaturated
	case <-o.stopCh:
		return errors.New("outbox shutting down")
	}
}

func (o *Outbox) worker(id int) {
	defer o.workerWG.Done()
	for rec := range o.workCh {
		if rec == nil {
			continue
		}
		o.publish(rec, id)
	}
}

func (o *Outbox) publish(rec *record, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()
	if err := o.pub.Publish(ctx, rec.channel, rec.body); err != nil {
		rec.attempt++
		o.logger.WithError(err).WithFields(log.Fields{
			"worker":  workerID,
			"channel": rec.channel,
			"attempt": rec.attempt,
		}).Error("event publish failed")
		o.scheduleRetry(rec)
		return
	}
	o.delivered.Add(1)
}

func (o *Outbox) scheduleRetry(rec *record) {
	// registering under mu orders this against Shutdown: either the retry
	// is counted before retryWG.Wait starts, or it is dropped
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.logger.WithFields(log.Fields{"channel": rec.channel, "attempt": rec.attempt}).Warn("dropping publish retry during shutdown")
		return
	}
	o.retryWG.Add(1)
	o.mu.Unlock()

	delay := exponentialBackoff(rec.attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	timer := time.NewTimer(delay)
	go func(r *record) {
		defer o.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- r:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}(rec)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// Stats reports outbox throughput for health endpoints.
type Stats struct {
	Buffered  int       `json:"buffered"`
	Delivered uint64    `json:"delivered"`
	StartedAt time.Time `json:"startedAt"`
	DrainRate float64   `json:"drainRatePerSecond"`
}

// Stats returns a point-in-time snapshot.
func (o *Outbox) Stats() Stats {
	delivered := o.delivered.Load()
	elapsed := time.Since(o.started)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}
	return Stats{
		Buffered:  len(o.workCh),
		Delivered: delivered,
		StartedAt: o.started,
		DrainRate: rps,
	}
}
