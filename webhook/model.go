package webhook

import (
	"encoding/json"
	"slices"
	"time"
)

// MaxPayloadBytes caps the request body.
const MaxPayloadBytes = 256 << 10

// Event is one domain event ready to be delivered.
type Event struct {
	ID         string
	Type       string
	OrgID      string
	OccurredAt time.Time
	Data       any
}

// envelope is the JSON body posted to endpoints.
type envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	OrgID     string    `json:"org_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

func (e Event) payload() ([]byte, error) {
	return json.Marshal(envelope{
		ID:        e.ID,
		Type:      e.Type,
		OrgID:     e.OrgID,
		CreatedAt: e.OccurredAt.UTC(),
		Data:      e.Data,
	})
}

// AllEvents subscribes an endpoint to every event type.
const AllEvents = "*"

// Endpoint is a registered webhook target.
type Endpoint struct {
	ID      string
	OrgID   string
	URL     string
	Secret  string
	Events  []string
	Enabled bool
}

// Subscribes reports whether the endpoint wants eventType.
func (e Endpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.Events, AllEvents) || slices.Contains(e.Events, eventType)
}

// Accepts reports whether the endpoint should receive ev: enabled, subscribed
// and, when the endpoint is org-scoped, in the same org.
func (e Endpoint) Accepts(ev Event) bool {
	if !e.Enabled || !e.Subscribes(ev.Type) {
		return false
	}
	return e.OrgID == "" || e.OrgID == ev.OrgID
}

// Status is the delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Delivery is one notification of one event to one endpoint.
type Delivery struct {
	ID             string
	EndpointID     string
	EventID        string
	EventType      string
	Payload        []byte
	Attempts       int
	MaxAttempts    int
	Status         Status
	NextRetryAt    time.Time
	LeaseUntil     time.Time
	ResponseStatus int
	ResponseBody   string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

// Terminal reports whether no further attempts will be made.
func (d Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}
