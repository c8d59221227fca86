package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrEthical07/authcore/internal/ids"
)

// Config controls delivery behavior.
type Config struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	Backoff     Backoff
	Timeout     time.Duration
	// SweepInterval is the Run ticker period.
	SweepInterval time.Duration
	// LeaseTTL bounds how long one worker owns a claimed delivery.
	LeaseTTL   time.Duration
	SweepLimit int
	// PerEndpointRate and PerEndpointBurst throttle outbound requests to a
	// single endpoint. A zero rate disables throttling.
	PerEndpointRate  float64
	PerEndpointBurst int
	// ResponseExcerpt is how much of the response body is kept.
	ResponseExcerpt int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:        1024,
		Workers:          4,
		MaxAttempts:      3,
		Backoff:          DefaultBackoff(),
		Timeout:          30 * time.Second,
		SweepInterval:    15 * time.Second,
		LeaseTTL:         time.Minute,
		SweepLimit:       100,
		PerEndpointRate:  10,
		PerEndpointBurst: 20,
		ResponseExcerpt:  1024,
	}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Delivered uint64
	Retried   uint64
	Failed    uint64
}

// Dispatcher delivers events to endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	queue     chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	published atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the logger used for attempt failures.
func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher starts cfg.Workers fan-out goroutines. Zero fields of cfg
// take their defaults.
func NewDispatcher(store Store, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if cfg.PerEndpointBurst <= 0 {
		cfg.PerEndpointBurst = def.PerEndpointBurst
	}
	if cfg.ResponseExcerpt <= 0 {
		cfg.ResponseExcerpt = def.ResponseExcerpt
	}

	d := &Dispatcher{
		store:    store,
		cfg:      cfg,
		logger:   log.Default(),
		now:      time.Now,
		queue:    make(chan Event, cfg.QueueSize),
		done:     make(chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: cfg.Timeout}
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.work()
	}
	return d
}

// Publish queues ev for delivery without blocking. When the queue is full
// the event is dropped and counted.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	select {
	case d.queue <- ev:
		d.published.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Printf("authcore: webhook queue full, dropped %s (%s)", ev.Type, ev.ID)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.fanOut(context.Background(), ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.queue:
					d.fanOut(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// fanOut creates one delivery per accepting endpoint and attempts each.
func (d *Dispatcher) fanOut(ctx context.Context, ev Event) {
	endpoints, err := d.store.ListEndpoints(ctx, ev.Type, ev.OrgID)
	if err != nil {
		d.logger.Printf("authcore: webhook list endpoints for %s: %v", ev.Type, err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	body, err := ev.payload()
	if err != nil {
		d.logger.Printf("authcore: webhook encode %s: %v", ev.Type, err)
		return
	}

	now := d.now()
	deliveries := make([]Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		del := Delivery{
			ID:          ids.NewAt(now),
			EndpointID:  ep.ID,
			EventID:     ev.ID,
			EventType:   ev.Type,
			Payload:     body,
			MaxAttempts: d.cfg.MaxAttempts,
			Status:      StatusPending,
			NextRetryAt: now,
			LeaseUntil:  now.Add(d.cfg.LeaseTTL),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if len(body) > MaxPayloadBytes {
			del.Status = StatusFailed
			del.LastError = fmt.Sprintf("payload of %d bytes exceeds %d", len(body), MaxPayloadBytes)
			del.LeaseUntil = time.Time{}
			del.CompletedAt = now
		}
		deliveries = append(deliveries, del)
	}
	if err := d.store.CreateDeliveries(ctx, deliveries); err != nil {
		d.logger.Printf("authcore: webhook create deliveries for %s: %v", ev.ID, err)
		return
	}

	for _, del := range deliveries {
		if del.Status == StatusFailed {
			d.failed.Add(1)
			d.logger.Printf("authcore: webhook delivery %s: %s", del.ID, del.LastError)
			continue
		}
		d.attempt(ctx, del)
	}
}

// Sweep leases due deliveries and attempts them. It returns how many were
// attempted.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	due, err := d.store.ClaimDue(ctx, d.now(), d.cfg.LeaseTTL, d.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}
	for _, del := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.attempt(ctx, del)
	}
	return len(due), nil
}

// Run sweeps every SweepInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("authcore: webhook sweep: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// attempt performs one POST and persists the outcome.
func (d *Dispatcher) attempt(ctx context.Context, del Delivery) {
	ep, err := d.store.GetEndpoint(ctx, del.EndpointID)
	switch {
	case errors.Is(err, ErrEndpointNotFound):
		d.finish(ctx, del, StatusFailed, "endpoint deleted")
		return
	case err != nil:
		d.logger.Printf("authcore: webhook load endpoint %s: %v", del.EndpointID, err)
		return
	case !ep.Enabled:
		d.finish(ctx, del, StatusFailed, "endpoint disabled")
		return
	}

	if err := d.limiter(ep.ID).Wait(ctx); err != nil {
		d.logger.Printf("authcore: webhook throttle %s: %v", ep.ID, err)
		return
	}

	status, excerpt, postErr := d.post(ctx, ep, del)
	now := d.now()
	del.Attempts++
	del.ResponseStatus = status
	del.ResponseBody = excerpt
	del.UpdatedAt = now

	if postErr == nil && status >= 200 && status < 300 {
		del.Status = StatusDelivered
		del.LastError = ""
		del.CompletedAt = now
		d.delivered.Add(1)
		d.save(ctx, del)
		return
	}

	if postErr != nil {
		del.LastError = postErr.Error()
	} else {
		del.LastError = fmt.Sprintf("unexpected status %d", status)
	}

	if del.Attempts < del.MaxAttempts {
		del.Status = StatusPending
		del.NextRetryAt = now.Add(d.cfg.Backoff.Delay(del.Attempts))
		d.retried.Add(1)
		d.logger.Printf("authcore: webhook delivery %s attempt %d/%d failed: %s; retry at %s",
			del.ID, del.Attempts, del.MaxAttempts, del.LastError, del.NextRetryAt.Format(time.RFC3339))
	} else {
		del.Status = StatusFailed
		del.CompletedAt = now
		d.failed.Add(1)
		d.logger.Printf("authcore: webhook delivery %s failed after %d attempts: %s",
			del.ID, del.Attempts, del.LastError)
	}
	d.save(ctx, del)
}

func (d *Dispatcher) finish(ctx context.Context, del Delivery, status Status, reason string) {
	now := d.now()
	del.Status = status
	del.LastError = reason
	del.UpdatedAt = now
	del.CompletedAt = now
	if status == StatusFailed {
		d.failed.Add(1)
	}
	d.save(ctx, del)
}

func (d *Dispatcher) save(ctx context.Context, del Delivery) {
	if err := d.store.SaveAttempt(ctx, del); err != nil {
		d.logger.Printf("authcore: webhook save delivery %s: %v", del.ID, err)
	}
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, del Delivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(del.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "authcore-webhook/1")
	req.Header.Set(HeaderEvent, del.EventType)
	req.Header.Set(HeaderDelivery, del.ID)
	req.Header.Set(HeaderSignature, Sign(ep.Secret, d.now(), del.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.ResponseExcerpt)))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxPayloadBytes))
	return resp.StatusCode, string(excerpt), nil
}

func (d *Dispatcher) limiter(endpointID string) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	l, ok := d.limiters[endpointID]
	if !ok {
		limit := rate.Inf
		if d.cfg.PerEndpointRate > 0 {
			limit = rate.Limit(d.cfg.PerEndpointRate)
		}
		l = rate.NewLimiter(limit, d.cfg.PerEndpointBurst)
		d.limiters[endpointID] = l
	}
	return l
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close stops accepting events and waits for queued ones to fan out.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}
