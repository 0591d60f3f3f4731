package appointment

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DayKey returns the calendar-date key (YYYY-MM-DD) of t in the facility
// timezone. Every grouping and day-range computation goes through this one
// function so that an appointment can never land on different days depending
// on which code path derived the key.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// DayBounds returns the half-open interval [start, end) covering the facility
// local calendar day containing t.
func DayBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	local := t.In(loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}

// ComputeQueueNumbers derives per-day queue positions from the appointment
// list. Numbers are assigned independently per facility-local calendar date:
// within each day, appointments whose status has progressed past pending
// (accepted, serving, completed) are ordered by ascending CreatedAt and
// numbered densely from 1. Pending and denied appointments, and appointments
// whose patient no longer exists, get no entry.
//
// The result is derived state. It is recomputed on every read and never
// written back as truth, so a stale or inconsistent stored number heals on
// the next fetch. The stored QueueNumber field is only a fallback for
// callers holding a record without its day context.
func ComputeQueueNumbers(appts []AppointmentDetail, loc *time.Location) map[uuid.UUID]int {
	byDay := make(map[string][]AppointmentDetail)
	for _, a := range appts {
		if a.Patient == nil {
			continue
		}
		if !a.Status.Queued() {
			continue
		}
		key := DayKey(a.Date, loc)
		byDay[key] = append(byDay[key], a)
	}

	numbers := make(map[uuid.UUID]int, len(appts))
	for _, group := range byDay {
		// Stable: equal CreatedAt keeps input order rather than erroring
		// or duplicating numbers.
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		for i, a := range group {
			numbers[a.ID] = i + 1
		}
	}
	return numbers
}

// QueueNumberFor returns the computed number for the appointment, falling
// back to the stored one when the computation yielded nothing.
func QueueNumberFor(a AppointmentDetail, computed map[uuid.UUID]int) (int, bool) {
	if n, ok := computed[a.ID]; ok {
		return n, true
	}
	if a.QueueNumber != nil {
		return *a.QueueNumber, true
	}
	return 0, false
}
