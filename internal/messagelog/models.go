package messagelog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusQueued    Status = "QUEUED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
)

// IsTerminal reports whether the status permits no further transitions.
// FAILED is terminal except for operator-driven manual reschedule.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

type MessageType string

const (
	TypeBirthday    MessageType = "BIRTHDAY"
	TypeAnniversary MessageType = "ANNIVERSARY"
)

// MessageLog is one occasion's trip through the pipeline. Rows are unique per
// idempotency key; every status change is a compare-and-set on the prior
// status, so concurrent schedulers and workers cannot double-advance a row.
type MessageLog struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	MessageType       MessageType
	MessageContent    string
	ScheduledSendTime time.Time
	ActualSendTime    *time.Time
	Status            Status
	RetryCount        int
	LastRetryAt       *time.Time
	IdempotencyKey    string
	APIResponseCode   *int
	APIResponseBody   *string
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdempotencyKey builds the storage-unique key for an occasion:
// "{user_id}:{message_type}:{local_occasion_date}".
func IdempotencyKey(userID uuid.UUID, t MessageType, localDate time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, t, localDate.Format("2006-01-02"))
}

// RenderContent produces the message body. Content is fixed at precalculation
// time; retries never re-render.
func RenderContent(t MessageType, firstName, lastName string) string {
	switch t {
	case TypeAnniversary:
		return fmt.Sprintf("Happy anniversary, %s!", firstName)
	default:
		return fmt.Sprintf("Hey, %s %s it's your birthday!", firstName, lastName)
	}
}
