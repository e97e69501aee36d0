package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greeting-service/internal/messagelog"
	"greeting-service/internal/observability"
	"greeting-service/internal/timezone"
	"greeting-service/internal/users"
)

type UserDirectory interface {
	WithOccasionOn(ctx context.Context, occasion users.Occasion, month time.Month, days []int) ([]*users.User, error)
}

type InsertStore interface {
	InsertScheduled(ctx context.Context, m *messagelog.MessageLog) (bool, error)
}

// SeenCache is the optional fast path over the unique idempotency key.
type SeenCache interface {
	Seen(ctx context.Context, key string) bool
	Remember(ctx context.Context, key string)
}

// Daily materializes SCHEDULED rows for every occasion whose 09:00-local send
// instant falls inside the horizon window. Running it twice is harmless: the
// idempotency key makes duplicate inserts a silent no-op.
type Daily struct {
	users       UserDirectory
	logs        InsertStore
	cache       SeenCache
	logger      *zap.Logger
	metrics     *observability.Metrics
	horizonDays int
	now         func() time.Time
}

func NewDaily(dir UserDirectory, logs InsertStore, cache SeenCache, logger *zap.Logger, metrics *observability.Metrics, horizonDays int) *Daily {
	return &Daily{
		users:       dir,
		logs:        logs,
		cache:       cache,
		logger:      logger,
		metrics:     metrics,
		horizonDays: horizonDays,
		now:         time.Now,
	}
}

func (d *Daily) Name() string { return "daily-precalculation" }

func (d *Daily) Run(ctx context.Context) error {
	run := d.now().UTC()
	windowEnd := run.Add(time.Duration(d.horizonDays) * 24 * time.Hour)
	today := time.Date(run.Year(), run.Month(), run.Day(), 0, 0, 0, 0, time.UTC)

	var scheduled, duplicates, outOfWindow, invalid int

	// Local dates run one day past the horizon: zones ahead of UTC whose
	// 09:00 local for "today" already passed are reached through tomorrow's
	// local date. The window check on the resolved instant keeps each run's
	// coverage to [run, run+horizon).
	for offset := 0; offset <= d.horizonDays; offset++ {
		day := today.AddDate(0, 0, offset)

		for _, mt := range []messagelog.MessageType{messagelog.TypeBirthday, messagelog.TypeAnniversary} {
			matched, err := d.users.WithOccasionOn(ctx, occasionFor(mt), day.Month(), matchDays(day))
			if err != nil {
				return fmt.Errorf("look up users with %s on %s: %w", mt, day.Format("2006-01-02"), err)
			}

			for _, u := range matched {
				sendAt, err := timezone.At0900(u.Timezone, day.Year(), day.Month(), day.Day())
				if err != nil {
					// Zones are validated at the CRUD edge; a row slipping
					// through is skipped, not fatal.
					invalid++
					d.logger.Warn("skipping user with unresolvable timezone",
						zap.String("user_id", u.ID.String()),
						zap.String("timezone", u.Timezone),
						zap.Error(err))
					continue
				}
				if sendAt.Before(run) || !sendAt.Before(windowEnd) {
					outOfWindow++
					continue
				}

				key := messagelog.IdempotencyKey(u.ID, mt, day)
				if d.cache != nil && d.cache.Seen(ctx, key) {
					duplicates++
					continue
				}

				inserted, err := d.logs.InsertScheduled(ctx, &messagelog.MessageLog{
					ID:                uuid.New(),
					UserID:            u.ID,
					MessageType:       mt,
					MessageContent:    messagelog.RenderContent(mt, u.FirstName, u.LastName),
					ScheduledSendTime: sendAt,
					Status:            messagelog.StatusScheduled,
					IdempotencyKey:    key,
				})
				if err != nil {
					// Abort the whole run; rerunning is safe.
					return fmt.Errorf("insert scheduled row for %s: %w", key, err)
				}

				if inserted {
					scheduled++
					if d.metrics != nil {
						d.metrics.RowsScheduledTotal.WithLabelValues(string(mt)).Inc()
					}
				} else {
					duplicates++
				}
				if d.cache != nil {
					d.cache.Remember(ctx, key)
				}
			}
		}
	}

	d.logger.Info("daily precalculation finished",
		zap.Time("run", run),
		zap.Int("horizon_days", d.horizonDays),
		zap.Int("scheduled", scheduled),
		zap.Int("duplicates", duplicates),
		zap.Int("out_of_window", outOfWindow),
		zap.Int("invalid_timezone", invalid))

	return nil
}

func occasionFor(mt messagelog.MessageType) users.Occasion {
	if mt == messagelog.TypeAnniversary {
		return users.OccasionAnniversary
	}
	return users.OccasionBirthday
}

// matchDays folds Feb 29 onto Feb 28 in non-leap years: a query for Feb 28
// also returns users whose stored date is Feb 29.
func matchDays(day time.Time) []int {
	days := []int{day.Day()}
	if day.Month() == time.February && day.Day() == 28 && !isLeapYear(day.Year()) {
		days = append(days, 29)
	}
	return days
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
