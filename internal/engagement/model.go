package engagement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// timestampLayout matches the millisecond ISO-8601 form the mobile client has
// always written. Lexicographic order over these strings equals chronological
// order, which MAX(contactedDate) and the timeline join both rely on.
const timestampLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrInvalidContactID indicates that a contact identifier is empty or exceeds storage bounds.
	ErrInvalidContactID = errors.New("engagement: invalid contact id")
	// ErrEmptyNoteContent indicates that note text is empty after trimming.
	ErrEmptyNoteContent = errors.New("engagement: note content is empty")
	// ErrInvalidRepeatDays indicates a cadence value below one day.
	ErrInvalidRepeatDays = errors.New("engagement: repeat days must be a positive integer")
	// ErrNoteNotFound indicates that no note exists for the requested id.
	ErrNoteNotFound = errors.New("engagement: note not found")
	// ErrInvalidTimestamp indicates an unparsable contacted-on timestamp.
	ErrInvalidTimestamp = errors.New("engagement: invalid timestamp")
)

// ContactID represents a validated, provider-supplied contact identifier.
// The engine stores it verbatim and never assumes a format.
type ContactID string

// NewContactID validates raw input and returns a ContactID.
func NewContactID(rawInput string) (ContactID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContactID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContactID, maxIdentifierLength)
	}
	return ContactID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ContactID) String() string {
	return string(id)
}

// FormatTimestamp renders a time in the canonical stored form (UTC, millisecond precision).
func FormatTimestamp(value time.Time) string {
	return value.UTC().Format(timestampLayout)
}

// ParseTimestamp reads a stored timestamp string back into a time value.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	if parsed, err := time.Parse(timestampLayout, trimmed); err == nil {
		return parsed, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, trimmed)
	}
	return parsed, nil
}

// Note models a free-text note attached to a single contact.
type Note struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ContactID string `gorm:"column:contactId;size:190;not null;index:idx_notes_contact_date,priority:1"`
	Content   string `gorm:"column:content;type:text;not null"`
	Date      string `gorm:"column:date;size:32;not null;index:idx_notes_contact_date,priority:2"`
}

// TableName provides the explicit table binding for GORM. The name matches the
// original mobile store layout so a restored database file keeps working.
func (Note) TableName() string {
	return "notes"
}

// CadenceSetting holds the single repeat-interval row per contact. Absence of a
// row means no cadence is configured; a zero value is never persisted.
type CadenceSetting struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ContactID  string `gorm:"column:contactId;size:190;not null;uniqueIndex:idx_cadence_contact"`
	RepeatDays int    `gorm:"column:repeatDays;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CadenceSetting) TableName() string {
	return "contactSettings"
}

// ContactedEvent records one logged "contacted" instance. Rows are append-only;
// the engine never updates or deletes them.
type ContactedEvent struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ContactID     string `gorm:"column:contactId;size:190;not null;index:idx_contacted_contact"`
	ContactedDate string `gorm:"column:contactedDate;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ContactedEvent) TableName() string {
	return "contacted_on"
}

// TimelineEntry is one row of the merged engagement history: an event timestamp
// plus the note logged with it, when one exists.
type TimelineEntry struct {
	ContactedDate string  `json:"contacted_date"`
	Note          *string `json:"note,omitempty"`
}
