package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type recordedRequest struct {
	header http.Header
	body   []byte
}

func newRecordingServer(t *testing.T, status *atomic.Int32) (*httptest.Server, chan recordedRequest) {
	t.Helper()
	reqs := make(chan recordedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- recordedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("ack"))
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestBackoffDefaults(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	capped := Backoff{Initial: time.Minute, Multiplier: 2, Max: 90 * time.Second}
	if got := capped.Delay(3); got != 90*time.Second {
		t.Fatalf("capped delay = %v", got)
	}
}

func TestSignAndVerify(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	body := []byte(`{"id":"1"}`)
	header := Sign("s3cret", at, body)
	if !strings.HasPrefix(header, "t=1700000000,v1=") {
		t.Fatalf("unexpected header %q", header)
	}
	if err := Verify("s3cret", header, body, at.Add(time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify("other", header, body, at, 0); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("wrong secret: %v", err)
	}
	if err := Verify("s3cret", header, []byte(`{}`), at, 0); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("tampered body: %v", err)
	}
	if err := Verify("s3cret", header, body, at.Add(time.Hour), 5*time.Minute); !errors.Is(err, ErrSignatureStale) {
		t.Fatalf("stale: %v", err)
	}
	if err := Verify("s3cret", "garbage", body, at, 0); !errors.Is(err, ErrSignatureMalformed) {
		t.Fatalf("malformed: %v", err)
	}
}

func TestPublishDeliversSignedPayload(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv, reqs := newRecordingServer(t, &status)

	clock := newClock()
	store := NewMemoryStore()
	store.PutEndpoint(Endpoint{ID: "ep1", URL: srv.URL, Secret: "whsec", Events: []string{"user.created"}, Enabled: true})
	store.PutEndpoint(Endpoint{ID: "ep2", URL: srv.URL, Secret: "whsec", Events: []string{"session.revoked"}, Enabled: true})
	store.PutEndpoint(Endpoint{ID: "ep3", URL: srv.URL, Secret: "whsec", Events: []string{AllEvents}, Enabled: false})

	d := NewDispatcher(store, Config{}, WithClock(clock.Now), WithLogger(quietLogger()))
	d.Publish(Event{Type: "user.created", Data: map[string]string{"user_id": "u1"}})
	d.Close()

	select {
	case req := <-reqs:
		if err := Verify("whsec", req.header.Get(HeaderSignature), req.body, clock.Now(), time.Minute); err != nil {
			t.Fatalf("signature: %v", err)
		}
		if req.header.Get(HeaderEvent) != "user.created" {
			t.Fatalf("event header = %q", req.header.Get(HeaderEvent))
		}
		var env struct {
			ID   string            `json:"id"`
			Type string            `json:"type"`
			Data map[string]string `json:"data"`
		}
		if err := json.Unmarshal(req.body, &env); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if env.ID == "" || env.Type != "user.created" || env.Data["user_id"] != "u1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	default:
		t.Fatalf("no request received")
	}
	if len(reqs) != 0 {
		t.Fatalf("unsubscribed or disabled endpoints must not be called")
	}

	got := store.Deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].Status != StatusDelivered || got[0].Attempts != 1 || got[0].ResponseBody != "ack" {
		t.Fatalf("delivery = %+v", got[0])
	}
	if s := d.Stats(); s.Published != 1 || s.Delivered != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRetryScheduleThenTerminalFailure(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv, _ := newRecordingServer(t, &status)

	clock := newClock()
	start := clock.Now()
	store := NewMemoryStore()
	store.PutEndpoint(Endpoint{ID: "ep1", URL: srv.URL, Secret: "s", Events: []string{"user.created"}, Enabled: true})

	d := NewDispatcher(store, Config{}, WithClock(clock.Now), WithLogger(quietLogger()))
	d.Publish(Event{Type: "user.created"})
	d.Close()
	ctx := context.Background()

	del := store.Deliveries()[0]
	if del.Attempts != 1 || del.Status != StatusPending || !del.NextRetryAt.Equal(start.Add(60*time.Second)) {
		t.Fatalf("after first attempt: %+v", del)
	}
	if del.LastError != "unexpected status 500" {
		t.Fatalf("last error = %q", del.LastError)
	}

	if n, _ := d.Sweep(ctx); n != 0 {
		t.Fatalf("nothing is due yet, swept %d", n)
	}

	clock.Advance(60 * time.Second)
	if n, err := d.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	del = store.Deliveries()[0]
	if del.Attempts != 2 || !del.NextRetryAt.Equal(clock.Now().Add(120*time.Second)) {
		t.Fatalf("after second attempt: %+v", del)
	}

	clock.Advance(120 * time.Second)
	if n, _ := d.Sweep(ctx); n != 1 {
		t.Fatalf("third sweep did not run")
	}
	del = store.Deliveries()[0]
	if del.Attempts != 3 || del.Status != StatusFailed || del.CompletedAt.IsZero() {
		t.Fatalf("after third attempt: %+v", del)
	}

	clock.Advance(time.Hour)
	if n, _ := d.Sweep(ctx); n != 0 {
		t.Fatalf("terminal deliveries must not be retried")
	}
	if s := d.Stats(); s.Retried != 2 || s.Failed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRetrySucceedsAfterRecovery(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv, _ := newRecordingServer(t, &status)

	clock := newClock()
	store := NewMemoryStore()
	store.PutEndpoint(Endpoint{ID: "ep1", URL: srv.URL, Events: []string{AllEvents}, Enabled: true})

	d := NewDispatcher(store, Config{}, WithClock(clock.Now), WithLogger(quietLogger()))
	d.Publish(Event{Type: "mfa.enabled"})
	d.Close()

	status.Store(http.StatusNoContent)
	clock.Advance(time.Minute)
	if _, err := d.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	del := store.Deliveries()[0]
	if del.Status != StatusDelivered || del.Attempts != 2 || del.LastError != "" {
		t.Fatalf("delivery = %+v", del)
	}
}

func TestDisabledEndpointStopsFutureAttempts(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv, reqs := newRecordingServer(t, &status)

	clock := newClock()
	store := NewMemoryStore()
	ep := Endpoint{ID: "ep1", URL: srv.URL, Events: []string{"user.created"}, Enabled: true}
	store.PutEndpoint(ep)

	d := NewDispatcher(store, Config{}, WithClock(clock.Now), WithLogger(quietLogger()))
	d.Publish(Event{Type: "user.created"})
	d.Close()
	<-reqs

	ep.Enabled = false
	store.PutEndpoint(ep)
	clock.Advance(time.Minute)
	if _, err := d.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("disabled endpoint must not be called")
	}
	del := store.Deliveries()[0]
	if del.Status != StatusFailed || del.LastError != "endpoint disabled" || del.Attempts != 1 {
		t.Fatalf("delivery = %+v", del)
	}
}

func TestOversizedPayloadFailsWithoutRequest(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv, reqs := newRecordingServer(t, &status)

	store := NewMemoryStore()
	store.PutEndpoint(Endpoint{ID: "ep1", URL: srv.URL, Events: []string{AllEvents}, Enabled: true})

	d := NewDispatcher(store, Config{}, WithLogger(quietLogger()))
	d.Publish(Event{Type: "x", Data: strings.Repeat("a", MaxPayloadBytes)})
	d.Close()

	if len(reqs) != 0 {
		t.Fatalf("oversized payload must not be posted")
	}
	del := store.Deliveries()[0]
	if del.Status != StatusFailed || !strings.Contains(del.LastError, "exceeds") {
		t.Fatalf("delivery = %+v", del)
	}
}

type gatedStore struct {
	*MemoryStore
	gate chan struct{}
}

func (g *gatedStore) ListEndpoints(ctx context.Context, eventType, orgID string) ([]Endpoint, error) {
	<-g.gate
	return g.MemoryStore.ListEndpoints(ctx, eventType, orgID)
}

func TestPublishNeverBlocks(t *testing.T) {
	store := &gatedStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{})}
	d := NewDispatcher(store, Config{QueueSize: 1, Workers: 1}, WithLogger(quietLogger()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	if d.Stats().Dropped == 0 {
		t.Fatalf("expected dropped events with a full queue")
	}
	close(store.gate)
	d.Close()
}

func TestOrgScopedEndpoints(t *testing.T) {
	ep := Endpoint{OrgID: "o1", Events: []string{"member.added"}, Enabled: true}
	if !ep.Accepts(Event{Type: "member.added", OrgID: "o1"}) {
		t.Fatalf("same org must be accepted")
	}
	if ep.Accepts(Event{Type: "member.added", OrgID: "o2"}) {
		t.Fatalf("other org must be rejected")
	}
	global := Endpoint{Events: []string{AllEvents}, Enabled: true}
	if !global.Accepts(Event{Type: "anything", OrgID: "o2"}) {
		t.Fatalf("unscoped wildcard endpoint must accept")
	}
}

func TestMemoryStoreClaimDueLeases(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := store.CreateDeliveries(context.Background(), []Delivery{
		{ID: "a", Status: StatusPending, NextRetryAt: now.Add(-time.Second)},
		{ID: "b", Status: StatusPending, NextRetryAt: now.Add(time.Minute)},
		{ID: "c", Status: StatusDelivered, NextRetryAt: now.Add(-time.Second)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	due, _ := store.ClaimDue(context.Background(), now, time.Minute, 10)
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("due = %+v", due)
	}
	again, _ := store.ClaimDue(context.Background(), now.Add(30*time.Second), time.Minute, 10)
	if len(again) != 0 {
		t.Fatalf("leased delivery must not be claimed twice")
	}
	expired, _ := store.ClaimDue(context.Background(), now.Add(2*time.Minute), time.Minute, 10)
	if len(expired) != 2 {
		t.Fatalf("expired lease and newly due delivery must be claimable, got %d", len(expired))
	}
}
