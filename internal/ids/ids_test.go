package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewAtIsSortableAndParseable(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id := NewAt(at)
		if id <= prev {
			t.Fatalf("id %s does not sort after %s", id, prev)
		}
		prev = id

		parsed, err := ulid.Parse(id)
		if err != nil {
			t.Fatalf("parse %s: %v", id, err)
		}
		if got := ulid.Time(parsed.Time()); !got.Equal(at) {
			t.Fatalf("timestamp = %v, want %v", got, at)
		}
	}
}
