package cases

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

const testClockSeconds = 1767225600

func newTestService(t *testing.T, visibility Visibility, ids ...string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:repairdesk_cases_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Case{}, &CaseChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(testClockSeconds, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		Visibility: visibility,
	})
	if err != nil {
		t.Fatalf("failed to construct cases service: %v", err)
	}
	return service, db
}

func seedCase(t *testing.T, db *gorm.DB, caseID string, owner *string, status Status, createdAt int64) Case {
	t.Helper()
	record := Case{
		CaseID:           caseID,
		OwnerID:          owner,
		Status:           status.String(),
		DetailsJSON:      datatypes.JSON(`{"customer":"Ada"}`),
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: createdAt,
		Version:          1,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed case %s: %v", caseID, err)
	}
	return record
}

func owner(value string) *string {
	return &value
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCaseID(t *testing.T, value string) CaseID {
	t.Helper()
	id, err := NewCaseID(value)
	if err != nil {
		t.Fatalf("unexpected case id error: %v", err)
	}
	return id
}

func caseIDs(cases []Case) []string {
	ids := make([]string, 0, len(cases))
	for _, record := range cases {
		ids = append(ids, record.CaseID)
	}
	return ids
}
