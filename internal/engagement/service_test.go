package engagement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "engagement.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &CadenceSetting{}, &ContactedEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func fixedClock(value time.Time) func() time.Time {
	return func() time.Time { return value }
}

func TestAddNoteThenListNotesRoundTrip(testContext *testing.T) {
	now := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	service, _ := newTestService(testContext, fixedClock(now))

	created, err := service.AddNote(context.Background(), "contact-1", "  met at the conference  ")
	if err != nil {
		testContext.Fatalf("add note failed: %v", err)
	}
	if created.ID == 0 {
		testContext.Fatalf("expected store-assigned id")
	}
	if created.Content != "met at the conference" {
		testContext.Fatalf("expected trimmed content, got %q", created.Content)
	}
	if created.Date != "2024-03-10T09:30:00.000Z" {
		testContext.Fatalf("unexpected timestamp %q", created.Date)
	}

	listed, err := service.ListNotes(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 1 {
		testContext.Fatalf("expected one note, got %d", len(listed))
	}
	if listed[0].ID != created.ID || listed[0].Content != created.Content {
		testContext.Fatalf("unexpected listed note %+v", listed[0])
	}
}

func TestAddNoteRejectsBlankContent(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	_, err := service.AddNote(context.Background(), "contact-1", "   \n\t ")
	if !errors.Is(err, ErrEmptyNoteContent) {
		testContext.Fatalf("expected empty-content error, got %v", err)
	}

	listed, err := service.ListNotes(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 0 {
		testContext.Fatalf("blank note must not be persisted, found %d rows", len(listed))
	}
}

func TestAddNoteRejectsInvalidContactID(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	_, err := service.AddNote(context.Background(), "   ", "content")
	if !errors.Is(err, ErrInvalidContactID) {
		testContext.Fatalf("expected invalid contact id error, got %v", err)
	}
}

func TestListNotesReturnsNewestFirst(testContext *testing.T) {
	current := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(testContext, func() time.Time { return current })

	for _, content := range []string{"first", "second", "third"} {
		if _, err := service.AddNote(context.Background(), "contact-1", content); err != nil {
			testContext.Fatalf("add note failed: %v", err)
		}
		current = current.Add(time.Hour)
	}

	listed, err := service.ListNotes(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 3 {
		testContext.Fatalf("expected three notes, got %d", len(listed))
	}
	if listed[0].Content != "third" || listed[2].Content != "first" {
		testContext.Fatalf("expected newest-first ordering, got %q..%q", listed[0].Content, listed[2].Content)
	}
}

func TestUpdateNoteReplacesContentWithoutDuplicating(testContext *testing.T) {
	current := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	service, _ := newTestService(testContext, func() time.Time { return current })

	created, err := service.AddNote(context.Background(), "contact-1", "original text")
	if err != nil {
		testContext.Fatalf("add note failed: %v", err)
	}

	current = current.Add(2 * time.Hour)
	updated, err := service.UpdateNote(context.Background(), created.ID, "revised text")
	if err != nil {
		testContext.Fatalf("update note failed: %v", err)
	}
	if updated.Content != "revised text" {
		testContext.Fatalf("expected revised content, got %q", updated.Content)
	}
	if updated.Date == created.Date {
		testContext.Fatalf("expected refreshed date on edit")
	}

	listed, err := service.ListNotes(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 1 {
		testContext.Fatalf("edit must not create a second row, got %d", len(listed))
	}
	if listed[0].Content != "revised text" {
		testContext.Fatalf("unexpected stored content %q", listed[0].Content)
	}
}

func TestUpdateNoteUnknownIDReturnsNotFound(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	_, err := service.UpdateNote(context.Background(), 4242, "anything")
	if !errors.Is(err, ErrNoteNotFound) {
		testContext.Fatalf("expected not-found error, got %v", err)
	}
}

func TestUpdateNoteRejectsBlankContent(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	created, err := service.AddNote(context.Background(), "contact-1", "keep me")
	if err != nil {
		testContext.Fatalf("add note failed: %v", err)
	}

	_, err = service.UpdateNote(context.Background(), created.ID, "  ")
	if !errors.Is(err, ErrEmptyNoteContent) {
		testContext.Fatalf("expected empty-content error, got %v", err)
	}
}

func TestDeleteNoteIsIdempotent(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	created, err := service.AddNote(context.Background(), "contact-1", "short lived")
	if err != nil {
		testContext.Fatalf("add note failed: %v", err)
	}

	if err := service.DeleteNote(context.Background(), created.ID); err != nil {
		testContext.Fatalf("first delete failed: %v", err)
	}
	if err := service.DeleteNote(context.Background(), created.ID); err != nil {
		testContext.Fatalf("second delete must be a no-op, got %v", err)
	}

	listed, err := service.ListNotes(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 0 {
		testContext.Fatalf("expected empty note list, got %d rows", len(listed))
	}
}

func TestSetCadenceUpsertsSingleRow(testContext *testing.T) {
	service, db := newTestService(testContext, time.Now)

	if err := service.SetCadence(context.Background(), "contact-1", 5); err != nil {
		testContext.Fatalf("set cadence failed: %v", err)
	}
	if err := service.SetCadence(context.Background(), "contact-1", 14); err != nil {
		testContext.Fatalf("second set cadence failed: %v", err)
	}

	repeatDays, configured, err := service.GetCadence(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("get cadence failed: %v", err)
	}
	if !configured || repeatDays != 14 {
		testContext.Fatalf("expected replaced cadence of 14, got %d (configured=%t)", repeatDays, configured)
	}

	var rowCount int64
	if err := db.Model(&CadenceSetting{}).Where("contactId = ?", "contact-1").Count(&rowCount).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if rowCount != 1 {
		testContext.Fatalf("expected exactly one cadence row, got %d", rowCount)
	}
}

func TestSetCadenceRejectsNonPositiveDays(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	for _, days := range []int{0, -3} {
		if err := service.SetCadence(context.Background(), "contact-1", days); !errors.Is(err, ErrInvalidRepeatDays) {
			testContext.Fatalf("expected invalid repeat days error for %d, got %v", days, err)
		}
	}

	_, configured, err := service.GetCadence(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("get cadence failed: %v", err)
	}
	if configured {
		testContext.Fatalf("rejected cadence must not be persisted")
	}
}

func TestClearCadenceRemovesRowAndToleratesAbsence(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)

	if err := service.SetCadence(context.Background(), "contact-1", 5); err != nil {
		testContext.Fatalf("set cadence failed: %v", err)
	}
	if err := service.ClearCadence(context.Background(), "contact-1"); err != nil {
		testContext.Fatalf("clear cadence failed: %v", err)
	}

	_, configured, err := service.GetCadence(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("get cadence failed: %v", err)
	}
	if configured {
		testContext.Fatalf("expected cadence to be absent after clear")
	}

	if err := service.ClearCadence(context.Background(), "contact-1"); err != nil {
		testContext.Fatalf("clearing an absent cadence must not error: %v", err)
	}
}

func TestRecordContactWithNoteLinksTimelineEntry(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)
	contactedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := service.RecordContact(context.Background(), "contact-1", contactedAt, "called, left voicemail")
	if err != nil {
		testContext.Fatalf("record contact failed: %v", err)
	}

	timeline, err := service.BuildTimeline(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("build timeline failed: %v", err)
	}
	if len(timeline) != 1 {
		testContext.Fatalf("expected one timeline entry, got %d", len(timeline))
	}
	if timeline[0].ContactedDate != "2024-01-01T00:00:00.000Z" {
		testContext.Fatalf("unexpected contacted date %q", timeline[0].ContactedDate)
	}
	if timeline[0].Note == nil || *timeline[0].Note != "called, left voicemail" {
		testContext.Fatalf("expected linked note, got %+v", timeline[0].Note)
	}

	lastStamp, known, err := service.LastContactedDate(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("last contacted date failed: %v", err)
	}
	if !known || lastStamp != "2024-01-01T00:00:00.000Z" {
		testContext.Fatalf("unexpected last contacted date %q (known=%t)", lastStamp, known)
	}
}

func TestRecordContactWithoutNoteYieldsBareEntry(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)
	contactedAt := time.Date(2024, 2, 14, 18, 45, 0, 0, time.UTC)

	if err := service.RecordContact(context.Background(), "contact-1", contactedAt, "   "); err != nil {
		testContext.Fatalf("record contact failed: %v", err)
	}

	timeline, err := service.BuildTimeline(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("build timeline failed: %v", err)
	}
	if len(timeline) != 1 {
		testContext.Fatalf("expected one timeline entry, got %d", len(timeline))
	}
	if timeline[0].Note != nil {
		testContext.Fatalf("expected absent note, got %q", *timeline[0].Note)
	}

	listed, err := service.ListNotes(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 0 {
		testContext.Fatalf("blank contacted note must not create a note row, got %d", len(listed))
	}
}

func TestBuildTimelineOrdersNewestFirst(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for day := 0; day < 3; day++ {
		stamp := base.AddDate(0, 0, day)
		if err := service.RecordContact(context.Background(), "contact-1", stamp, ""); err != nil {
			testContext.Fatalf("record contact failed: %v", err)
		}
	}

	timeline, err := service.BuildTimeline(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("build timeline failed: %v", err)
	}
	if len(timeline) != 3 {
		testContext.Fatalf("expected three entries, got %d", len(timeline))
	}
	if timeline[0].ContactedDate != "2024-01-03T00:00:00.000Z" || timeline[2].ContactedDate != "2024-01-01T00:00:00.000Z" {
		testContext.Fatalf("expected newest-first ordering, got %q..%q", timeline[0].ContactedDate, timeline[2].ContactedDate)
	}
}

func TestBuildTimelinePicksLowestNoteIDOnTimestampCollision(testContext *testing.T) {
	contactedAt := time.Date(2024, 5, 5, 10, 0, 0, 0, time.UTC)
	service, db := newTestService(testContext, fixedClock(contactedAt))

	if err := service.RecordContact(context.Background(), "contact-1", contactedAt, "first companion"); err != nil {
		testContext.Fatalf("record contact failed: %v", err)
	}
	// A second note colliding on the exact timestamp string.
	collision := Note{ContactID: "contact-1", Content: "second companion", Date: FormatTimestamp(contactedAt)}
	if err := db.Create(&collision).Error; err != nil {
		testContext.Fatalf("failed to insert colliding note: %v", err)
	}

	timeline, err := service.BuildTimeline(context.Background(), "contact-1")
	if err != nil {
		testContext.Fatalf("build timeline failed: %v", err)
	}
	if len(timeline) != 1 {
		testContext.Fatalf("expected one entry, got %d", len(timeline))
	}
	if timeline[0].Note == nil || *timeline[0].Note != "first companion" {
		testContext.Fatalf("expected lowest note id to win, got %+v", timeline[0].Note)
	}
}

func TestContactsDoNotCrossContaminate(testContext *testing.T) {
	service, _ := newTestService(testContext, time.Now)
	contactedAt := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	if _, err := service.AddNote(context.Background(), "contact-a", "note for a"); err != nil {
		testContext.Fatalf("add note failed: %v", err)
	}
	if err := service.SetCadence(context.Background(), "contact-a", 7); err != nil {
		testContext.Fatalf("set cadence failed: %v", err)
	}
	if err := service.RecordContact(context.Background(), "contact-a", contactedAt, "spoke with a"); err != nil {
		testContext.Fatalf("record contact failed: %v", err)
	}

	listed, err := service.ListNotes(context.Background(), "contact-b")
	if err != nil {
		testContext.Fatalf("list notes failed: %v", err)
	}
	if len(listed) != 0 {
		testContext.Fatalf("contact-b must see no notes, got %d", len(listed))
	}

	_, configured, err := service.GetCadence(context.Background(), "contact-b")
	if err != nil {
		testContext.Fatalf("get cadence failed: %v", err)
	}
	if configured {
		testContext.Fatalf("contact-b must have no cadence")
	}

	_, known, err := service.LastContactedDate(context.Background(), "contact-b")
	if err != nil {
		testContext.Fatalf("last contacted date failed: %v", err)
	}
	if known {
		testContext.Fatalf("contact-b must have no contacted events")
	}

	timeline, err := service.BuildTimeline(context.Background(), "contact-b")
	if err != nil {
		testContext.Fatalf("build timeline failed: %v", err)
	}
	if len(timeline) != 0 {
		testContext.Fatalf("contact-b timeline must be empty, got %d", len(timeline))
	}
}

func TestRipenessForCombinesCadenceAndEvents(testContext *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(testContext, fixedClock(now))

	status, err := service.RipenessFor(context.Background(), "contact-1", now)
	if err != nil {
		testContext.Fatalf("ripeness failed: %v", err)
	}
	if status.State != RipenessUnconfigured {
		testContext.Fatalf("expected unconfigured before any cadence, got %s", status.State)
	}

	if err := service.SetCadence(context.Background(), "contact-1", 3); err != nil {
		testContext.Fatalf("set cadence failed: %v", err)
	}

	status, err = service.RipenessFor(context.Background(), "contact-1", now)
	if err != nil {
		testContext.Fatalf("ripeness failed: %v", err)
	}
	if status.State != RipenessOverdue {
		testContext.Fatalf("expected never-contacted to be overdue, got %s", status.State)
	}

	if err := service.RecordContact(context.Background(), "contact-1", now.Add(-24*time.Hour), ""); err != nil {
		testContext.Fatalf("record contact failed: %v", err)
	}

	status, err = service.RipenessFor(context.Background(), "contact-1", now)
	if err != nil {
		testContext.Fatalf("ripeness failed: %v", err)
	}
	if status.State != RipenessFresh || status.DaysSince != 1 {
		testContext.Fatalf("expected fresh one day since, got %+v", status)
	}

	status, err = service.RipenessFor(context.Background(), "contact-1", now.Add(4*24*time.Hour))
	if err != nil {
		testContext.Fatalf("ripeness failed: %v", err)
	}
	if status.State != RipenessOverdue || status.DaysSince != 5 {
		testContext.Fatalf("expected overdue five days since, got %+v", status)
	}
}
