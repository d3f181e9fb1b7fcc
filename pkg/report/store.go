package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// entryRecord maps onto the report_entries table created by the db migrations.
type entryRecord struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Module    string            `gorm:"type:text;not null"`
	Project   string            `gorm:"type:text;not null"`
	Subject   string            `gorm:"type:text;not null"`
	Session   string            `gorm:"type:text;not null"`
	Scan      string            `gorm:"type:text;not null"`
	ScanType  string            `gorm:"type:text"`
	Message   string            `gorm:"type:text;not null"`
	IsError   bool              `gorm:"not null"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null"`
}

func (entryRecord) TableName() string { return "report_entries" }

// Store persists report entries.
type Store struct {
	db *gorm.DB
}

// OpenStore connects a Store to the Postgres database at dsn.
func OpenStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetMaxOpenConns(4)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Store{db: database}, nil
}

// Save inserts every entry of r. An empty report is a no-op.
func (s *Store) Save(ctx context.Context, r *Report) error {
	records := toRecords(r)
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&records).Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecords(r *Report) []entryRecord {
	entries := r.Entries()
	records := make([]entryRecord, 0, len(entries))
	for _, e := range entries {
		var details datatypes.JSONMap
		if len(e.Details) > 0 {
			details = make(datatypes.JSONMap, len(e.Details))
			for k, v := range e.Details {
				details[k] = v
			}
		}
		records = append(records, entryRecord{
			ID:        e.ID,
			Module:    r.Module(),
			Project:   e.Scan.Project,
			Subject:   e.Scan.Subject,
			Session:   e.Scan.Session,
			Scan:      e.Scan.Scan,
			ScanType:  e.Scan.Type,
			Message:   e.Message,
			IsError:   e.IsError,
			Details:   details,
			CreatedAt: e.At,
		})
	}
	return records
}
