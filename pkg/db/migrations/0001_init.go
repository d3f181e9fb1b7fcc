package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Scan holds the attribute document of one archived scan. Resource files live in
// object storage keyed by the same project/subject/session/scan path.
type Scan struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Project    string            `gorm:"type:text;not null;uniqueIndex:idx_scans_ref"`
	Subject    string            `gorm:"type:text;not null;uniqueIndex:idx_scans_ref"`
	Session    string            `gorm:"type:text;not null;uniqueIndex:idx_scans_ref"`
	Scan       string            `gorm:"type:text;not null;uniqueIndex:idx_scans_ref"`
	Attributes datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type ReportEntry struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Module    string            `gorm:"type:text;not null;index"`
	Project   string            `gorm:"type:text;not null"`
	Subject   string            `gorm:"type:text;not null"`
	Session   string            `gorm:"type:text;not null"`
	Scan      string            `gorm:"type:text;not null"`
	ScanType  string            `gorm:"type:text"`
	Message   string            `gorm:"type:text;not null"`
	IsError   bool              `gorm:"not null;default:false"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Scan{},
		&ReportEntry{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&ReportEntry{},
		&Scan{},
	)
}
