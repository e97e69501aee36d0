package messagelog

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIdempotencyKey(t *testing.T) {
	userID := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000001")
	date := time.Date(2025, time.May, 10, 9, 0, 0, 0, time.UTC)

	got := IdempotencyKey(userID, TypeBirthday, date)
	want := "a1b2c3d4-0000-0000-0000-000000000001:BIRTHDAY:2025-05-10"
	if got != want {
		t.Errorf("IdempotencyKey = %q, want %q", got, want)
	}

	// The key uses the local occasion date, not the UTC send instant, so a
	// Tokyo birthday materialized at 00:00 UTC keeps the local date.
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	local := time.Date(2025, time.May, 10, 9, 0, 0, 0, tokyo)
	if k := IdempotencyKey(userID, TypeBirthday, local); k != want {
		t.Errorf("key for local date = %q, want %q", k, want)
	}
}

func TestRenderContent(t *testing.T) {
	tests := []struct {
		name string
		t    MessageType
		want string
	}{
		{"birthday", TypeBirthday, "Hey, Jane Doe it's your birthday!"},
		{"anniversary", TypeAnniversary, "Happy anniversary, Jane!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderContent(tt.t, "Jane", "Doe"); got != tt.want {
				t.Errorf("RenderContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusScheduled: false,
		StatusQueued:    false,
		StatusSending:   false,
		StatusRetrying:  false,
		StatusSent:      true,
		StatusFailed:    true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}
