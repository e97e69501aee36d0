package users

import (
	"time"

	"github.com/google/uuid"
)

// Occasion selects which calendar date column a directory query matches on.
type Occasion string

const (
	OccasionBirthday    Occasion = "birthday"
	OccasionAnniversary Occasion = "anniversary"
)

// User is owned by the external CRUD service; the dispatcher only reads.
// Soft-deleted users are treated as absent.
type User struct {
	ID              uuid.UUID
	Email           string
	FirstName       string
	LastName        string
	Timezone        string
	BirthdayDate    *time.Time
	AnniversaryDate *time.Time
	DeletedAt       *time.Time
}

func (u *User) Deleted() bool {
	return u.DeletedAt != nil
}
