package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"greeting-service/internal/db"
)

var ErrNotFound = errors.New("user not found")

const userColumns = `id, email, first_name, last_name, timezone, birthday_date, anniversary_date, deleted_at`

type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// WithOccasionOn returns non-deleted users whose occasion date matches the
// given month and any of the given days. The day list lets the caller fold
// Feb 29 birthdays onto Feb 28 in non-leap years.
func (s *Store) WithOccasionOn(ctx context.Context, occasion Occasion, month time.Month, days []int) ([]*User, error) {
	column := "birthday_date"
	if occasion == OccasionAnniversary {
		column = "anniversary_date"
	}

	query := fmt.Sprintf(`SELECT `+userColumns+` FROM users
		WHERE deleted_at IS NULL
		  AND %s IS NOT NULL
		  AND EXTRACT(MONTH FROM %s) = $1
		  AND EXTRACT(DAY FROM %s) = ANY($2)`, column, column, column)

	rows, err := s.db.QueryContext(ctx, query, int(month), pq.Array(days))
	if err != nil {
		return nil, fmt.Errorf("query users with %s on %d/%v: %w", occasion, month, days, err)
	}
	defer rows.Close()

	var result []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(r rowScanner) (*User, error) {
	var u User
	err := r.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Timezone,
		&u.BirthdayDate, &u.AnniversaryDate, &u.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
