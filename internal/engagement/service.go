package engagement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "engagement.service.new"
	opListNotes         = "engagement.list_notes"
	opAddNote           = "engagement.add_note"
	opUpdateNote        = "engagement.update_note"
	opDeleteNote        = "engagement.delete_note"
	opSetCadence        = "engagement.set_cadence"
	opGetCadence        = "engagement.get_cadence"
	opClearCadence      = "engagement.clear_cadence"
	opRecordContact     = "engagement.record_contact"
	opLastContactedDate = "engagement.last_contacted_date"
	opBuildTimeline     = "engagement.build_timeline"
	opRipenessFor       = "engagement.ripeness_for"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the engagement engine.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the contact engagement tracking engine: note CRUD, cadence
// settings, the append-only contacted log, and the derived views over them.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the engine against an already-migrated database handle.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

func (s *Service) database(operation string) (*gorm.DB, error) {
	if s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return nil, newServiceError(operation, "missing_database", errMissingDatabase)
	}
	return s.db, nil
}

// ListNotes returns every note for the contact, newest date first.
func (s *Service) ListNotes(ctx context.Context, contactID string) ([]Note, error) {
	db, err := s.database(opListNotes)
	if err != nil {
		return nil, err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return nil, newServiceError(opListNotes, "invalid_contact_id", err)
	}

	var results []Note
	if err := db.WithContext(ctx).
		Where("contactId = ?", id.String()).
		Order("date DESC").
		Find(&results).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("contact_id", id.String()))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return results, nil
}

// AddNote inserts a trimmed note stamped with the current time and returns it
// with the store-assigned id.
func (s *Service) AddNote(ctx context.Context, contactID, content string) (Note, error) {
	db, err := s.database(opAddNote)
	if err != nil {
		return Note{}, err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return Note{}, newServiceError(opAddNote, "invalid_contact_id", err)
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Note{}, newServiceError(opAddNote, "empty_content", ErrEmptyNoteContent)
	}

	note := Note{
		ContactID: id.String(),
		Content:   trimmed,
		Date:      FormatTimestamp(s.clock()),
	}
	if err := db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opAddNote, "insert_failed", err, zap.String("contact_id", id.String()))
		return Note{}, newServiceError(opAddNote, "insert_failed", err)
	}
	return note, nil
}

// UpdateNote replaces the note text and refreshes its date. Edits are not
// versioned; the previous content is gone once this returns.
func (s *Service) UpdateNote(ctx context.Context, noteID int64, content string) (Note, error) {
	db, err := s.database(opUpdateNote)
	if err != nil {
		return Note{}, err
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Note{}, newServiceError(opUpdateNote, "empty_content", ErrEmptyNoteContent)
	}

	var note Note
	err = db.WithContext(ctx).Where("id = ?", noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, newServiceError(opUpdateNote, "note_not_found", fmt.Errorf("%w: id %d", ErrNoteNotFound, noteID))
	}
	if err != nil {
		s.logError(opUpdateNote, "select_failed", err, zap.Int64("note_id", noteID))
		return Note{}, newServiceError(opUpdateNote, "select_failed", err)
	}

	note.Content = trimmed
	note.Date = FormatTimestamp(s.clock())
	if err := db.WithContext(ctx).Save(&note).Error; err != nil {
		s.logError(opUpdateNote, "update_failed", err, zap.Int64("note_id", noteID))
		return Note{}, newServiceError(opUpdateNote, "update_failed", err)
	}
	return note, nil
}

// DeleteNote removes the note if it exists. Deleting an unknown id is a no-op,
// so repeated deletes are safe.
func (s *Service) DeleteNote(ctx context.Context, noteID int64) error {
	db, err := s.database(opDeleteNote)
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("id = ?", noteID).Delete(&Note{}).Error; err != nil {
		s.logError(opDeleteNote, "delete_failed", err, zap.Int64("note_id", noteID))
		return newServiceError(opDeleteNote, "delete_failed", err)
	}
	return nil
}

// SetCadence upserts the single repeat-interval row for the contact.
func (s *Service) SetCadence(ctx context.Context, contactID string, repeatDays int) error {
	db, err := s.database(opSetCadence)
	if err != nil {
		return err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return newServiceError(opSetCadence, "invalid_contact_id", err)
	}
	if repeatDays < 1 {
		return newServiceError(opSetCadence, "invalid_repeat_days", fmt.Errorf("%w: %d", ErrInvalidRepeatDays, repeatDays))
	}

	setting := CadenceSetting{ContactID: id.String(), RepeatDays: repeatDays}
	err = db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contactId"}},
			DoUpdates: clause.AssignmentColumns([]string{"repeatDays"}),
		}).
		Create(&setting).Error
	if err != nil {
		s.logError(opSetCadence, "upsert_failed", err, zap.String("contact_id", id.String()))
		return newServiceError(opSetCadence, "upsert_failed", err)
	}
	return nil
}

// GetCadence returns the configured repeat interval. The boolean reports
// whether a row exists; absence is distinct from zero.
func (s *Service) GetCadence(ctx context.Context, contactID string) (int, bool, error) {
	db, err := s.database(opGetCadence)
	if err != nil {
		return 0, false, err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return 0, false, newServiceError(opGetCadence, "invalid_contact_id", err)
	}

	var setting CadenceSetting
	err = db.WithContext(ctx).Where("contactId = ?", id.String()).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opGetCadence, "query_failed", err, zap.String("contact_id", id.String()))
		return 0, false, newServiceError(opGetCadence, "query_failed", err)
	}
	return setting.RepeatDays, true, nil
}

// ClearCadence removes the cadence row when present. Clearing an unconfigured
// contact is a no-op.
func (s *Service) ClearCadence(ctx context.Context, contactID string) error {
	db, err := s.database(opClearCadence)
	if err != nil {
		return err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return newServiceError(opClearCadence, "invalid_contact_id", err)
	}

	if err := db.WithContext(ctx).Where("contactId = ?", id.String()).Delete(&CadenceSetting{}).Error; err != nil {
		s.logError(opClearCadence, "delete_failed", err, zap.String("contact_id", id.String()))
		return newServiceError(opClearCadence, "delete_failed", err)
	}
	return nil
}

// RecordContact appends one contacted event at the supplied timestamp, which
// may be backdated. A non-blank note is stored alongside it with the identical
// timestamp string; that string equality is what links the pair in the
// timeline. Both inserts run in one transaction so a failed note insert never
// leaves a half-recorded event.
func (s *Service) RecordContact(ctx context.Context, contactID string, contactedAt time.Time, note string) error {
	db, err := s.database(opRecordContact)
	if err != nil {
		return err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return newServiceError(opRecordContact, "invalid_contact_id", err)
	}

	stamp := FormatTimestamp(contactedAt)
	trimmedNote := strings.TrimSpace(note)

	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := ContactedEvent{ContactID: id.String(), ContactedDate: stamp}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		if trimmedNote != "" {
			companion := Note{ContactID: id.String(), Content: trimmedNote, Date: stamp}
			if err := tx.Create(&companion).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRecordContact, "insert_failed", txErr,
			zap.String("contact_id", id.String()),
			zap.String("contacted_date", stamp))
		return newServiceError(opRecordContact, "insert_failed", txErr)
	}
	return nil
}

// LastContactedDate computes max(contactedDate) over the event log. It is
// derived on every call, never cached or stored redundantly.
func (s *Service) LastContactedDate(ctx context.Context, contactID string) (string, bool, error) {
	db, err := s.database(opLastContactedDate)
	if err != nil {
		return "", false, err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return "", false, newServiceError(opLastContactedDate, "invalid_contact_id", err)
	}

	var latest sql.NullString
	err = db.WithContext(ctx).
		Raw("SELECT MAX(contactedDate) FROM contacted_on WHERE contactId = ?", id.String()).
		Scan(&latest).Error
	if err != nil {
		s.logError(opLastContactedDate, "query_failed", err, zap.String("contact_id", id.String()))
		return "", false, newServiceError(opLastContactedDate, "query_failed", err)
	}
	if !latest.Valid || latest.String == "" {
		return "", false, nil
	}
	return latest.String, true, nil
}

// BuildTimeline merges the contacted log with its companion notes, newest
// first. Events are left-joined to notes on equal contactId and timestamp
// string; when several notes collide on one timestamp the lowest note id wins,
// keeping the view deterministic.
func (s *Service) BuildTimeline(ctx context.Context, contactID string) ([]TimelineEntry, error) {
	db, err := s.database(opBuildTimeline)
	if err != nil {
		return nil, err
	}
	id, err := NewContactID(contactID)
	if err != nil {
		return nil, newServiceError(opBuildTimeline, "invalid_contact_id", err)
	}

	const timelineQuery = `
SELECT e.contactedDate AS contacted_date, n.content AS note
FROM contacted_on e
LEFT JOIN notes n
  ON n.contactId = e.contactId
 AND n.date = e.contactedDate
 AND n.id = (
     SELECT MIN(candidate.id) FROM notes candidate
     WHERE candidate.contactId = e.contactId AND candidate.date = e.contactedDate
 )
WHERE e.contactId = ?
ORDER BY e.contactedDate DESC, e.id DESC`

	var entries []TimelineEntry
	if err := db.WithContext(ctx).Raw(timelineQuery, id.String()).Scan(&entries).Error; err != nil {
		s.logError(opBuildTimeline, "query_failed", err, zap.String("contact_id", id.String()))
		return nil, newServiceError(opBuildTimeline, "query_failed", err)
	}
	return entries, nil
}

// RipenessFor combines the cadence setting and the derived last-contacted date
// into a ripeness verdict as of the supplied instant.
func (s *Service) RipenessFor(ctx context.Context, contactID string, now time.Time) (RipenessStatus, error) {
	repeatDays, hasCadence, err := s.GetCadence(ctx, contactID)
	if err != nil {
		return RipenessStatus{}, err
	}

	lastStamp, hasLast, err := s.LastContactedDate(ctx, contactID)
	if err != nil {
		return RipenessStatus{}, err
	}

	var cadence *int
	if hasCadence {
		cadence = &repeatDays
	}
	var lastContacted *time.Time
	if hasLast {
		parsed, err := ParseTimestamp(lastStamp)
		if err != nil {
			s.logError(opRipenessFor, "bad_stored_timestamp", err, zap.String("contact_id", contactID))
			return RipenessStatus{}, newServiceError(opRipenessFor, "bad_stored_timestamp", err)
		}
		lastContacted = &parsed
	}

	return ComputeRipeness(cadence, lastContacted, now), nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("engagement service error", attrs...)
}
