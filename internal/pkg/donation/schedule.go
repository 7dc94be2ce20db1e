package donation

import (
	"time"

	"github.com/openkindness/givecore/app/models"
)

func scheduleMonths(schedule string) (int, bool) {
	switch schedule {
	case models.ScheduleMonthly:
		return 1, true
	case models.ScheduleQuarterly:
		return 3, true
	case models.ScheduleYearly:
		return 12, true
	default:
		return 0, false
	}
}

// addMonthsClamped adds months to t keeping t's day of month. When the target
// month is shorter the day clamps to its last day (Jan 31 + 1 month = Feb 28),
// instead of normalizing into the following month as AddDate would.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}

// NextChargeAfter returns the first cadence occurrence strictly after the
// given instant, anchored at anchor's day of month. Nil for unknown cadences.
func NextChargeAfter(schedule string, anchor, after time.Time) *time.Time {
	months, ok := scheduleMonths(schedule)
	if !ok {
		return nil
	}
	for k := 1; ; k++ {
		next := addMonthsClamped(anchor, k*months)
		if next.After(after) {
			return &next
		}
	}
}
