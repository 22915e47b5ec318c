package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

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
	opServiceNew    = "cases.service.new"
	opListCases     = "cases.list_cases"
	opCreateCase    = "cases.create_case"
	opUpdateStatus  = "cases.update_status"
	opClaimCase     = "cases.claim_case"
	emptyDetailsRaw = "{}"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Visibility Visibility
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service owns the authoritative case collection.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	visibility Visibility
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	visibility, err := ParseVisibility(string(cfg.Visibility))
	if err != nil {
		return nil, newServiceError(opServiceNew, "invalid_visibility", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		visibility: visibility,
		logger:     logger,
	}, nil
}

// Visibility reports the rule the service scopes reads and writes with.
func (s *Service) Visibility() Visibility {
	return s.visibility
}

// ListCases returns every case visible to userID, newest first.
func (s *Service) ListCases(ctx context.Context, userID UserID) ([]Case, error) {
	var cases []Case
	if err := s.visibleScope(s.db.WithContext(ctx), userID).
		Order("created_at_s DESC").
		Order("case_id DESC").
		Find(&cases).Error; err != nil {
		s.logError(opListCases, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListCases, "query_failed", err)
	}
	return cases, nil
}

// CreateCase stores a new work order owned by userID unless the request marks it public.
func (s *Service) CreateCase(ctx context.Context, userID UserID, request CreateRequest) (Case, error) {
	status := request.Status
	if status == "" {
		status = StatusScheduled
	}
	details, err := normalizeDetails(request.Details)
	if err != nil {
		return Case{}, newServiceError(opCreateCase, "invalid_details", err)
	}

	caseID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCase, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return Case{}, newServiceError(opCreateCase, "id_generation_failed", err)
	}
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCase, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return Case{}, newServiceError(opCreateCase, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	created := Case{
		CaseID:           caseID,
		Status:           status.String(),
		DetailsJSON:      details,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		Version:          1,
	}
	if !request.Public {
		owner := userID.String()
		created.OwnerID = &owner
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateCase, "case_insert_failed", err, zap.String("case_id", caseID))
			return newServiceError(opCreateCase, "case_insert_failed", err)
		}
		audit := CaseChange{
			ChangeID:         changeID,
			CaseID:           caseID,
			UserID:           userID.String(),
			Operation:        ChangeOperationCreate,
			NewStatus:        created.Status,
			NewVersion:       created.Version,
			AppliedAtSeconds: now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opCreateCase, "audit_insert_failed", err, zap.String("case_id", caseID))
			return newServiceError(opCreateCase, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Case{}, txErr
	}
	return created, nil
}

// UpdateStatus sets the status of a case visible to userID.
func (s *Service) UpdateStatus(ctx context.Context, userID UserID, caseID CaseID, status Status) (Case, error) {
	return s.mutate(ctx, opUpdateStatus, userID, caseID, func(existing *Case) (ChangeOperation, bool, error) {
		if existing.Status == status.String() {
			return ChangeOperationStatus, false, nil
		}
		existing.Status = status.String()
		return ChangeOperationStatus, true, nil
	})
}

// ClaimCase assigns an unclaimed case to userID.
func (s *Service) ClaimCase(ctx context.Context, userID UserID, caseID CaseID) (Case, error) {
	return s.mutate(ctx, opClaimCase, userID, caseID, func(existing *Case) (ChangeOperation, bool, error) {
		if existing.OwnerID != nil {
			if *existing.OwnerID == userID.String() {
				return ChangeOperationClaim, false, nil
			}
			return ChangeOperationClaim, false, ErrCaseClaimed
		}
		owner := userID.String()
		existing.OwnerID = &owner
		return ChangeOperationClaim, true, nil
	})
}

type mutation func(existing *Case) (operation ChangeOperation, changed bool, err error)

func (s *Service) mutate(ctx context.Context, operation string, userID UserID, caseID CaseID, apply mutation) (Case, error) {
	var result Case
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Case
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("case_id = ?", caseID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "not_found", ErrCaseNotFound)
		}
		if err != nil {
			s.logError(operation, "case_select_failed", err, zap.String("case_id", caseID.String()))
			return newServiceError(operation, "case_select_failed", err)
		}
		if !existing.VisibleTo(userID, s.visibility) {
			return newServiceError(operation, "not_found", ErrCaseNotFound)
		}

		previousStatus := existing.Status
		previousVersion := existing.Version
		changeOperation, changed, err := apply(&existing)
		if err != nil {
			return newServiceError(operation, "rejected", err)
		}
		if !changed {
			result = existing
			return nil
		}

		now := s.clock().UTC().Unix()
		existing.Version = previousVersion + 1
		existing.UpdatedAtSeconds = now
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(operation, "case_save_failed", err, zap.String("case_id", caseID.String()))
			return newServiceError(operation, "case_save_failed", err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, "id_generation_failed", err, zap.String("case_id", caseID.String()))
			return newServiceError(operation, "id_generation_failed", err)
		}
		audit := CaseChange{
			ChangeID:         changeID,
			CaseID:           existing.CaseID,
			UserID:           userID.String(),
			Operation:        changeOperation,
			PreviousStatus:   previousStatus,
			NewStatus:        existing.Status,
			PreviousVersion:  &previousVersion,
			NewVersion:       existing.Version,
			AppliedAtSeconds: now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(operation, "audit_insert_failed", err, zap.String("case_id", caseID.String()))
			return newServiceError(operation, "audit_insert_failed", err)
		}
		result = existing
		return nil
	})
	if txErr != nil {
		return Case{}, txErr
	}
	return result, nil
}

func (s *Service) visibleScope(db *gorm.DB, userID UserID) *gorm.DB {
	switch s.visibility {
	case VisibilityAll:
		return db
	case VisibilityOwner:
		return db.Where("owner_id = ?", userID.String())
	default:
		return db.Where("owner_id = ? OR owner_id IS NULL", userID.String())
	}
}

func normalizeDetails(raw json.RawMessage) (datatypes.JSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return datatypes.JSON(emptyDetailsRaw), nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	if fields == nil {
		return datatypes.JSON(emptyDetailsRaw), nil
	}
	return datatypes.JSON(raw), nil
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
	s.logger.Error("cases service error", attrs...)
}
