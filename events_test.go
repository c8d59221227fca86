package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/webhook"
)

func TestEventTypeNames(t *testing.T) {
	for typ := EventUserCreated; typ <= EventPermissionDenied; typ++ {
		if typ.String() == "unknown" {
			t.Fatalf("event type %d has no name", typ)
		}
	}
	if EventType(0).String() != "unknown" || EventType(200).String() != "unknown" {
		t.Fatal("out of range types must be unknown")
	}
	if !EventSignedIn.External() || EventRateLimited.External() || EventRefreshRotated.External() {
		t.Fatal("unexpected external classification")
	}
}

func TestSubscribersRunInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	first := SubscriberFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		order = append(order, "first:"+ev.Type().String())
		mu.Unlock()
	})
	second := SubscriberFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		order = append(order, "second:"+ev.Type().String())
		mu.Unlock()
	})

	env := newTestEnv(t, nil, func(b *Builder) {
		b.WithSubscriber(first).WithSubscriber(second)
	})
	env.seedUser(t, "ada@example.com", "correct horse battery")
	_, err := env.engine.Authenticate(context.Background(), Credentials{Email: "ada@example.com", Password: "nope-nope"})
	assertCode(t, err, CodeInvalidCredentials)

	want := []string{"first:user.sign_in_failed", "second:user.sign_in_failed"}
	if strings.Join(order, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected order %v", order)
	}

	ev, ok := env.events.last(EventSignInFailed)
	if !ok {
		t.Fatal("missing sign-in failure event")
	}
	if ev.ID == "" || !ev.OccurredAt.Equal(env.clock.Now()) {
		t.Fatalf("event not stamped: %+v", ev)
	}
}

func TestAuditRecorderReceivesEvents(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Audit.Enabled = true
		cfg.Audit.DropIfFull = false
	}, func(b *Builder) { b.WithAuditSink(sink) })

	env.seedUser(t, "ada@example.com", "correct horse battery")
	ctx := WithUserAgent(WithRequestID(context.Background(), "req-42"), "curl/8")
	res, err := env.engine.Authenticate(ctx, Credentials{Email: "ada@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	env.engine.Record(ctx, AuditEvent{Action: "org.settings_updated", ActorID: res.UserID, OrgID: "org-1"})
	env.engine.Close()

	got := map[string]AuditEvent{}
	for len(sink.Events()) > 0 {
		ev := <-sink.Events()
		got[ev.Action] = ev
	}

	signedIn, ok := got["user.signed_in"]
	if !ok {
		t.Fatalf("missing sign-in audit record, got %v", got)
	}
	if signedIn.ActorID != res.UserID || signedIn.EntityID != res.SessionID || signedIn.Status != AuditSuccess {
		t.Fatalf("unexpected audit record %+v", signedIn)
	}
	if signedIn.RequestID != "req-42" || signedIn.UserAgent != "curl/8" {
		t.Fatalf("request metadata missing: %+v", signedIn)
	}
	if signedIn.Metadata["method"] != signInPassword {
		t.Fatalf("unexpected metadata %v", signedIn.Metadata)
	}

	custom, ok := got["org.settings_updated"]
	if !ok || custom.RequestID != "req-42" || custom.ID == "" {
		t.Fatalf("custom record not stamped: %+v", custom)
	}
	if env.engine.AuditDropped() != 0 || env.engine.AuditFailed() != 0 {
		t.Fatal("unexpected audit loss")
	}
}

func TestAuditJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Audit.Enabled = true
	}, func(b *Builder) { b.WithAuditSink(MultiSink(NewJSONWriterSink(w))) })

	env.seedUser(t, "ada@example.com", "correct horse battery")
	env.signIn(t, "ada@example.com", "correct horse battery")
	env.engine.Close()

	mu.Lock()
	defer mu.Unlock()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected audit lines, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if rec["action"] == "" || rec["status"] != "success" {
		t.Fatalf("unexpected audit json %v", rec)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestWebhookSubscriberDeliversExternalEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		types  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := webhook.Verify("whsec", r.Header.Get(webhook.HeaderSignature), body, time.Now(), 0); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		bodies = append(bodies, body)
		types = append(types, r.Header.Get(webhook.HeaderEvent))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hooks := webhook.NewMemoryStore()
	hooks.PutEndpoint(webhook.Endpoint{
		ID:      "ep-1",
		URL:     srv.URL,
		Secret:  "whsec",
		Events:  []string{EventSignedIn.String(), EventRefreshRotated.String()},
		Enabled: true,
	})
	dispatcher := webhook.NewDispatcher(hooks, webhook.Config{Workers: 1}, webhook.WithHTTPClient(srv.Client()))

	env := newTestEnv(t, nil, func(b *Builder) { b.WithWebhooks(dispatcher) })
	env.seedUser(t, "ada@example.com", "correct horse battery")
	res := env.signIn(t, "ada@example.com", "correct horse battery")
	if _, err := env.engine.Refresh(context.Background(), res.Tokens.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	dispatcher.Close()

	mu.Lock()
	defer mu.Unlock()
	// refresh_token.rotated is internal, so only the sign-in is delivered.
	if len(types) != 1 || types[0] != "user.signed_in" {
		t.Fatalf("unexpected deliveries %v", types)
	}
	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(bodies[0], &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Type != "user.signed_in" || envelope.Data["session_id"] != res.SessionID {
		t.Fatalf("unexpected envelope %+v", envelope)
	}

	deliveries := hooks.Deliveries()
	if len(deliveries) != 1 || deliveries[0].Status != webhook.StatusDelivered {
		t.Fatalf("unexpected delivery state %+v", deliveries)
	}
}
