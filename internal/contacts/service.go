package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/keepintouch/backend/internal/engagement"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the directory service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service stores the pushed address-book snapshot and answers the
// repeat-contact queries that decorate directory entries with cadence and
// ripeness.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("contacts: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		logger: logger,
	}, nil
}

// SyncDirectory upserts the pushed snapshot rows. Entries with a blank id are
// skipped rather than failing the whole batch; the provider owns id hygiene.
func (s *Service) SyncDirectory(ctx context.Context, entries []ProviderContact) (int, error) {
	stored := 0
	for _, entry := range entries {
		id, err := engagement.NewContactID(entry.ID)
		if err != nil {
			s.logger.Warn("skipping directory entry with unusable id", zap.Error(err))
			continue
		}
		encoded, err := encodePhoneNumbers(entry.PhoneNumbers)
		if err != nil {
			return stored, fmt.Errorf("contacts: encode phone numbers for %s: %w", id.String(), err)
		}
		row := Contact{
			ID:               id.String(),
			Name:             entry.Name,
			PhoneNumbersJSON: encoded,
		}
		err = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "phone_numbers", "updated_at"}),
			}).
			Create(&row).Error
		if err != nil {
			s.logger.Error("directory upsert failed",
				zap.String("contact_id", id.String()),
				zap.Error(err))
			return stored, fmt.Errorf("contacts: upsert %s: %w", id.String(), err)
		}
		stored++
	}
	return stored, nil
}

// Get returns one directory entry by provider id.
func (s *Service) Get(ctx context.Context, contactID string) (Contact, bool, error) {
	var row Contact
	err := s.db.WithContext(ctx).Where("id = ?", contactID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, fmt.Errorf("contacts: get %s: %w", contactID, err)
	}
	return row, true, nil
}

// RepeatContact is a directory entry that has a cadence configured, decorated
// with the derived engagement state.
type RepeatContact struct {
	Contact           Contact
	RepeatDays        int
	LastContactedDate string
	Ripeness          engagement.RipenessStatus
}

type repeatRow struct {
	ID                string
	Name              string
	PhoneNumbers      string
	RepeatDays        int
	LastContactedDate string
}

// ListRepeatContacts joins the directory snapshot with cadence settings and
// the latest contacted event in one query, then derives ripeness as of the
// supplied instant. With ripeOnly set, only overdue contacts are returned;
// contacts never logged count as overdue.
func (s *Service) ListRepeatContacts(ctx context.Context, now time.Time, ripeOnly bool) ([]RepeatContact, error) {
	const repeatQuery = `
SELECT d.id AS id, d.name AS name, d.phone_numbers AS phone_numbers,
       cs.repeatDays AS repeat_days, latest.contacted_date AS last_contacted_date
FROM contact_directory d
INNER JOIN contactSettings cs ON cs.contactId = d.id
LEFT JOIN (
    SELECT contactId, MAX(contactedDate) AS contacted_date
    FROM contacted_on
    GROUP BY contactId
) latest ON latest.contactId = d.id
ORDER BY d.name ASC`

	var rows []repeatRow
	if err := s.db.WithContext(ctx).Raw(repeatQuery).Scan(&rows).Error; err != nil {
		s.logger.Error("repeat contact query failed", zap.Error(err))
		return nil, fmt.Errorf("contacts: repeat query: %w", err)
	}

	results := make([]RepeatContact, 0, len(rows))
	for _, row := range rows {
		var lastContacted *time.Time
		if row.LastContactedDate != "" {
			parsed, err := engagement.ParseTimestamp(row.LastContactedDate)
			if err != nil {
				s.logger.Error("stored contacted date is unreadable",
					zap.String("contact_id", row.ID),
					zap.Error(err))
				return nil, fmt.Errorf("contacts: parse contacted date for %s: %w", row.ID, err)
			}
			lastContacted = &parsed
		}
		repeatDays := row.RepeatDays
		status := engagement.ComputeRipeness(&repeatDays, lastContacted, now)
		if ripeOnly && status.State != engagement.RipenessOverdue {
			continue
		}

		results = append(results, RepeatContact{
			Contact: Contact{
				ID:               row.ID,
				Name:             row.Name,
				PhoneNumbersJSON: row.PhoneNumbers,
			},
			RepeatDays:        row.RepeatDays,
			LastContactedDate: row.LastContactedDate,
			Ripeness:          status,
		})
	}
	return results, nil
}
