package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/did-method-webvh/go-didwebvh"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DIDRecord is the cached resolution result for one DID.
type DIDRecord struct {
	DID         string    `gorm:"column:did;primaryKey"`
	SCID        string    `gorm:"column:scid;not null"`
	Document    []byte    `gorm:"column:document;not null"`
	VersionID   string    `gorm:"column:version_id;not null"`
	VersionTime time.Time `gorm:"column:version_time;not null"`
	Created     time.Time `gorm:"column:created;not null"`
	Deactivated bool      `gorm:"column:deactivated;not null;default:0"`
	// WitnessFile is the raw witness proof file as last fetched, may be empty.
	WitnessFile []byte `gorm:"column:witness_file"`
	// Watched DIDs are kept fresh by the Watcher.
	Watched     bool      `gorm:"column:watched;not null;default:0;index"`
	RefreshedAt time.Time `gorm:"column:refreshed_at;not null"`
}

func (DIDRecord) TableName() string {
	return "dids"
}

// EntryRecord stores one raw log entry per validated version, for serving the
// log without a round trip upstream.
type EntryRecord struct {
	DID           string `gorm:"column:did;primaryKey;index:idx_entries_did_version,priority:1"`
	VersionNumber int    `gorm:"column:version_number;primaryKey;index:idx_entries_did_version,priority:2"`
	VersionID     string `gorm:"column:version_id;not null"`
	Raw           []byte `gorm:"column:raw;not null"`
}

func (EntryRecord) TableName() string {
	return "log_entries"
}

// GormCache is the resolver's local store, backed by sqlite or postgres.
type GormCache struct {
	db *gorm.DB
}

// NewGormCacheWithDialector opens the cache database with a custom dialector.
func NewGormCacheWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormCache, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "cache").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&DIDRecord{}, &EntryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormCache{db: db}, nil
}

func NewGormCacheWithSqlite(dbPath string, logger *slog.Logger) (*GormCache, error) {
	return NewGormCacheWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormCacheWithPostgres(dsn string, logger *slog.Logger) (*GormCache, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	q := u.Query()
	if !q.Has("synchronous_commit") {
		// a cache can always re-fetch from the origin, durability is optional
		q.Set("synchronous_commit", "off")
	}
	u.RawQuery = q.Encode()
	return NewGormCacheWithDialector(postgres.Open(u.String()), logger)
}

// PutResolution upserts the DID record and replaces the stored log with the
// surviving entries. Entries beyond the new highest version are dropped, so a
// truncated log shrinks the cache too.
func (c *GormCache) PutResolution(ctx context.Context, res *Resolution) error {
	did, err := didwebvh.ParseDID(res.DID)
	if err != nil {
		return err
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := DIDRecord{
			DID:         res.DID,
			SCID:        did.SCID,
			Document:    res.Document,
			VersionID:   res.Meta.VersionID,
			VersionTime: res.Meta.VersionTime,
			Created:     res.Meta.Created,
			Deactivated: res.Meta.Deactivated,
			WitnessFile: res.RawWitness,
			RefreshedAt: time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "did"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"scid", "document", "version_id", "version_time",
				"created", "deactivated", "witness_file", "refreshed_at",
			}),
		}).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to upsert DID record: %w", err)
		}

		for i, entry := range res.Entries {
			raw, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode log entry: %w", err)
			}
			er := EntryRecord{
				DID:           res.DID,
				VersionNumber: i + 1,
				VersionID:     entry.VersionID,
				Raw:           raw,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "did"}, {Name: "version_number"}},
				UpdateAll: true,
			}).Create(&er).Error; err != nil {
				return fmt.Errorf("failed to upsert log entry: %w", err)
			}
		}
		if err := tx.Where("did = ? AND version_number > ?", res.DID, len(res.Entries)).
			Delete(&EntryRecord{}).Error; err != nil {
			return fmt.Errorf("failed to prune log entries: %w", err)
		}
		return nil
	})
}

// GetDID returns the cached record for a DID, or nil if it has never been
// resolved.
func (c *GormCache) GetDID(ctx context.Context, did string) (*DIDRecord, error) {
	var rec DIDRecord
	result := c.db.WithContext(ctx).Where("did = ?", did).Take(&rec)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &rec, nil
}

// GetLog returns the cached raw log entries in chain order.
func (c *GormCache) GetLog(ctx context.Context, did string) ([]EntryRecord, error) {
	var recs []EntryRecord
	result := c.db.WithContext(ctx).
		Where("did = ?", did).
		Order("version_number ASC").
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return recs, nil
}

// SetWatched marks or unmarks a DID for background refresh. The DID must have
// been resolved at least once.
func (c *GormCache) SetWatched(ctx context.Context, did string, watched bool) error {
	result := c.db.WithContext(ctx).Model(&DIDRecord{}).
		Where("did = ?", did).
		Update("watched", watched)
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("unknown DID: %s", did)
	}
	return nil
}

// ListWatched returns all DIDs marked for background refresh.
func (c *GormCache) ListWatched(ctx context.Context) ([]string, error) {
	var dids []string
	result := c.db.WithContext(ctx).Model(&DIDRecord{}).
		Where("watched = ?", true).
		Pluck("did", &dids)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return dids, nil
}
