package casesync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	storeKeyPrefix = "cases_cache"

	opStore = "casesync.local_store.store"
	opLoad  = "casesync.local_store.load"
	opClear = "casesync.local_store.clear"
	opCount = "casesync.local_store.exists"
)

var noOpLogger = zap.NewNop()

// LocalStore persists the most recent snapshot per identity. Implementations
// degrade to "no cache available" instead of returning errors.
type LocalStore interface {
	Store(ctx context.Context, identity string, records []Record)
	Load(ctx context.Context, identity string) (Snapshot, bool)
	Clear(ctx context.Context, identity string)
	Exists(ctx context.Context, identity string) bool
}

// LocalSnapshot is the single-row-per-key table backing GormStore.
type LocalSnapshot struct {
	CacheKey         string `gorm:"column:cache_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalSnapshot) TableName() string {
	return "local_snapshots"
}

// storedBlob is the persisted value layout.
type storedBlob struct {
	Records  []Record `json:"records"`
	LastSync string   `json:"lastSync"`
	Offline  bool     `json:"offline"`
}

// StoreKey returns the storage key for identity. When partitioning is
// disabled every identity shares one global key.
func StoreKey(identity string, partitionByIdentity bool) string {
	if !partitionByIdentity || identity == "" {
		return storeKeyPrefix
	}
	return storeKeyPrefix + ":" + identity
}

// GormStoreConfig describes the dependencies of GormStore.
type GormStoreConfig struct {
	Database            *gorm.DB
	Connectivity        Connectivity
	PartitionByIdentity bool
	Clock               func() time.Time
	Logger              *zap.Logger
}

// GormStore is a LocalStore over any gorm dialect; the CLI uses a SQLite file.
type GormStore struct {
	db           *gorm.DB
	connectivity Connectivity
	partition    bool
	clock        func() time.Time
	logger       *zap.Logger
}

// NewGormStore constructs a GormStore. The schema must already be migrated.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingStore
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		return nil, errMissingConnectivity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{
		db:           cfg.Database,
		connectivity: connectivity,
		partition:    cfg.PartitionByIdentity,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Store overwrites the stored snapshot for identity. Failures are logged only.
func (s *GormStore) Store(ctx context.Context, identity string, records []Record) {
	now := s.clock().UTC()
	blob := storedBlob{
		Records:  cloneRecords(records),
		LastSync: now.Format(time.RFC3339Nano),
		Offline:  !s.connectivity.Online(),
	}
	encoded, err := json.Marshal(blob)
	if err != nil {
		s.logError(opStore, "encode_failed", err, identity)
		return
	}

	row := LocalSnapshot{
		CacheKey:         StoreKey(identity, s.partition),
		Value:            string(encoded),
		UpdatedAtSeconds: now.Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&row).Error
	if err != nil {
		s.logError(opStore, "upsert_failed", err, identity)
	}
}

// Load returns the stored snapshot. Absent and corrupt values both report false.
func (s *GormStore) Load(ctx context.Context, identity string) (Snapshot, bool) {
	var row LocalSnapshot
	err := s.db.WithContext(ctx).
		Where("cache_key = ?", StoreKey(identity, s.partition)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false
	}
	if err != nil {
		s.logError(opLoad, "query_failed", err, identity)
		return Snapshot{}, false
	}

	snapshot, err := decodeBlob(row.Value)
	if err != nil {
		s.logError(opLoad, "corrupt_value", err, identity)
		return Snapshot{}, false
	}
	return snapshot, true
}

// Clear removes the stored snapshot for identity.
func (s *GormStore) Clear(ctx context.Context, identity string) {
	err := s.db.WithContext(ctx).
		Where("cache_key = ?", StoreKey(identity, s.partition)).
		Delete(&LocalSnapshot{}).Error
	if err != nil {
		s.logError(opClear, "delete_failed", err, identity)
	}
}

// Exists reports whether a value is stored for identity.
func (s *GormStore) Exists(ctx context.Context, identity string) bool {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&LocalSnapshot{}).
		Where("cache_key = ?", StoreKey(identity, s.partition)).
		Count(&count).Error
	if err != nil {
		s.logError(opCount, "query_failed", err, identity)
		return false
	}
	return count > 0
}

func decodeBlob(value string) (Snapshot, error) {
	var blob storedBlob
	if err := json.Unmarshal([]byte(value), &blob); err != nil {
		return Snapshot{}, err
	}
	capturedAt, err := time.Parse(time.RFC3339Nano, blob.LastSync)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Records:    cloneRecords(blob.Records),
		CapturedAt: capturedAt,
		IsOffline:  blob.Offline,
	}, nil
}

func (s *GormStore) logError(operation, reason string, err error, identity string) {
	s.logger.Warn("local store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("identity", identity),
		zap.Error(errors.Join(ErrPersistence, err)),
	)
}
