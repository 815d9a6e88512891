package engagement

import "time"

const dayDuration = 24 * time.Hour

// RipenessState classifies whether a contact is due for re-engagement.
type RipenessState string

const (
	// RipenessUnconfigured means no cadence is set; the contact is never shown as due.
	RipenessUnconfigured RipenessState = "unconfigured"
	// RipenessFresh means the contact was reached within the configured cadence.
	RipenessFresh RipenessState = "fresh"
	// RipenessOverdue means more than repeatDays have elapsed since last contact,
	// or the contact has never been logged at all.
	RipenessOverdue RipenessState = "overdue"
)

// RipenessStatus is the derived re-engagement verdict for one contact.
type RipenessStatus struct {
	State RipenessState `json:"state"`
	// DaysSince is the whole number of days since last contact. It is only
	// meaningful when LastContactKnown is true.
	DaysSince        int  `json:"days_since"`
	LastContactKnown bool `json:"last_contact_known"`
}

// ComputeRipeness derives the re-engagement status from the configured cadence
// and the most recent contacted event. Both inputs are optional: a nil
// repeatDays means no cadence row exists, a nil lastContacted means the contact
// has never been logged. A never-logged contact with a cadence is always
// overdue, so it surfaces in the ripe-contacts filter.
//
// The boundary is strict: elapsed time of exactly repeatDays whole days is
// still fresh, only strictly more than that is overdue.
func ComputeRipeness(repeatDays *int, lastContacted *time.Time, now time.Time) RipenessStatus {
	if repeatDays == nil {
		status := RipenessStatus{State: RipenessUnconfigured}
		if lastContacted != nil {
			status.DaysSince = wholeDaysBetween(*lastContacted, now)
			status.LastContactKnown = true
		}
		return status
	}

	if lastContacted == nil {
		return RipenessStatus{State: RipenessOverdue}
	}

	elapsed := now.Sub(*lastContacted)
	status := RipenessStatus{
		DaysSince:        wholeDaysBetween(*lastContacted, now),
		LastContactKnown: true,
	}
	if elapsed > time.Duration(*repeatDays)*dayDuration {
		status.State = RipenessOverdue
	} else {
		status.State = RipenessFresh
	}
	return status
}

func wholeDaysBetween(from, to time.Time) int {
	elapsed := to.Sub(from)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / dayDuration)
}
