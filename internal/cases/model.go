package cases

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCaseID indicates that a case identifier is empty or exceeds storage bounds.
	ErrInvalidCaseID = errors.New("cases: invalid case id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cases: invalid user id")
	// ErrInvalidStatus indicates that a status label is not one of the known work-order states.
	ErrInvalidStatus = errors.New("cases: invalid status")
	// ErrInvalidVisibility indicates an unknown visibility rule.
	ErrInvalidVisibility = errors.New("cases: invalid visibility")
	// ErrInvalidDetails indicates that the details payload is not a JSON object.
	ErrInvalidDetails = errors.New("cases: details must be a json object")
	// ErrCaseNotFound is returned when a case does not exist or is not visible to the caller.
	ErrCaseNotFound = errors.New("cases: case not found")
	// ErrCaseClaimed is returned when claiming a case that already has an owner.
	ErrCaseClaimed = errors.New("cases: case already claimed")
)

// CaseID represents a validated case identifier.
type CaseID string

// NewCaseID validates raw input and returns a CaseID.
func NewCaseID(rawInput string) (CaseID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCaseID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCaseID, maxIdentifierLength)
	}
	return CaseID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CaseID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Status is a validated work-order state.
type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// NewStatus validates raw input against the known work-order states.
// Matching is case-insensitive; the canonical label is returned.
func NewStatus(rawInput string) (Status, error) {
	trimmed := strings.TrimSpace(rawInput)
	for _, candidate := range []Status{StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled} {
		if strings.EqualFold(trimmed, string(candidate)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
}

// String returns the status label.
func (s Status) String() string {
	return string(s)
}

// Visibility selects which cases an identity can list and modify.
type Visibility string

const (
	// VisibilityOwner limits an identity to the cases it owns.
	VisibilityOwner Visibility = "owner"
	// VisibilityOwnerAndPublic adds unclaimed cases to the owned ones.
	VisibilityOwnerAndPublic Visibility = "owner_and_public"
	// VisibilityAll exposes every case.
	VisibilityAll Visibility = "all"
)

// ParseVisibility validates a configured visibility rule. Empty selects owner_and_public.
func ParseVisibility(rawInput string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", VisibilityOwnerAndPublic:
		return VisibilityOwnerAndPublic, nil
	case VisibilityOwner:
		return VisibilityOwner, nil
	case VisibilityAll:
		return VisibilityAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, rawInput)
	}
}

// Case models a persisted work order.
type Case struct {
	CaseID           string         `gorm:"column:case_id;primaryKey;size:190;not null"`
	OwnerID          *string        `gorm:"column:owner_id;size:190;index:idx_cases_owner_created,priority:1"`
	Status           string         `gorm:"column:status;size:64;not null"`
	DetailsJSON      datatypes.JSON `gorm:"column:details_json;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null;index:idx_cases_owner_created,priority:2"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
	Version          int64          `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Case) TableName() string {
	return "cases"
}

// Public reports whether the case is unclaimed.
func (c Case) Public() bool {
	return c.OwnerID == nil
}

// VisibleTo reports whether userID may read and modify the case under visibility.
func (c Case) VisibleTo(userID UserID, visibility Visibility) bool {
	switch visibility {
	case VisibilityAll:
		return true
	case VisibilityOwner:
		return c.OwnerID != nil && *c.OwnerID == userID.String()
	default:
		return c.OwnerID == nil || *c.OwnerID == userID.String()
	}
}

// CaseView is the wire representation served to clients.
type CaseView struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	OwnerID   *string         `json:"owner_id"`
	CreatedAt time.Time       `json:"created_at"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// View converts the persisted case to its wire representation.
func (c Case) View() CaseView {
	view := CaseView{
		ID:        c.CaseID,
		Status:    c.Status,
		OwnerID:   c.OwnerID,
		CreatedAt: time.Unix(c.CreatedAtSeconds, 0).UTC(),
	}
	if len(c.DetailsJSON) > 0 && string(c.DetailsJSON) != "{}" && string(c.DetailsJSON) != "null" {
		view.Details = json.RawMessage(c.DetailsJSON)
	}
	return view
}

// ChangeOperation enumerates audited case mutations.
type ChangeOperation string

const (
	ChangeOperationCreate ChangeOperation = "create"
	ChangeOperationStatus ChangeOperation = "status"
	ChangeOperationClaim  ChangeOperation = "claim"
)

// CaseChange captures an append-only audit trail for case modifications.
type CaseChange struct {
	ChangeID         string          `gorm:"column:change_id;primaryKey;size:190;not null"`
	CaseID           string          `gorm:"column:case_id;size:190;not null;index:idx_case_changes_case_time,priority:1"`
	UserID           string          `gorm:"column:user_id;size:190;not null"`
	Operation        ChangeOperation `gorm:"column:op;size:32;not null"`
	PreviousStatus   string          `gorm:"column:prev_status;size:64;not null;default:''"`
	NewStatus        string          `gorm:"column:new_status;size:64;not null"`
	PreviousVersion  *int64          `gorm:"column:prev_version"`
	NewVersion       int64           `gorm:"column:new_version;not null"`
	AppliedAtSeconds int64           `gorm:"column:applied_at_s;not null;index:idx_case_changes_case_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CaseChange) TableName() string {
	return "case_changes"
}

// CreateRequest describes a new work order.
type CreateRequest struct {
	Status  Status
	Details json.RawMessage
	// Public leaves the case unclaimed instead of assigning it to the creator.
	Public bool
}
