package s3archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/db"
)

// PGAttributes stores scan attributes in the scans table created by the db migrations.
type PGAttributes struct {
	pool *pgxpool.Pool
}

// NewPGAttributes returns an AttributeStore backed by pool.
func NewPGAttributes(pool *pgxpool.Pool) (*PGAttributes, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return &PGAttributes{pool: pool}, nil
}

type scanRow struct {
	ID uuid.UUID `db:"id"`
}

type attributeRow struct {
	Value string `db:"value"`
}

func (p *PGAttributes) ScanID(ctx context.Context, ref archive.ScanRef) (uuid.UUID, error) {
	var row scanRow
	err := db.Get(ctx, p.pool, &row,
		`SELECT id FROM scans WHERE project = $1 AND subject = $2 AND session = $3 AND scan = $4`,
		ref.Project, ref.Subject, ref.Session, ref.Scan)
	if err != nil {
		if db.IsNotFound(err) {
			return uuid.Nil, fmt.Errorf("%s: %w", ref, archive.ErrScanNotFound)
		}
		return uuid.Nil, fmt.Errorf("lookup scan %s: %w", ref, err)
	}
	return row.ID, nil
}

func (p *PGAttributes) Attribute(ctx context.Context, id uuid.UUID, name string) (string, error) {
	var row attributeRow
	err := db.Get(ctx, p.pool, &row,
		`SELECT COALESCE(attributes->>$2, '') AS value FROM scans WHERE id = $1`,
		id, name)
	if err != nil {
		if db.IsNotFound(err) {
			return "", fmt.Errorf("scan %s: %w", id, archive.ErrScanNotFound)
		}
		return "", fmt.Errorf("read attribute %s: %w", name, err)
	}
	return row.Value, nil
}

func (p *PGAttributes) SetAttribute(ctx context.Context, id uuid.UUID, name, value string) error {
	tag, err := db.Exec(ctx, p.pool,
		`UPDATE scans
		    SET attributes = COALESCE(attributes, '{}'::jsonb) || jsonb_build_object($2::text, $3::text),
		        updated_at = now()
		  WHERE id = $1`,
		id, name, value)
	if err != nil {
		return fmt.Errorf("write attribute %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %s: %w", id, archive.ErrScanNotFound)
	}
	return nil
}

// Register inserts ref with the given attributes, replacing the attribute document of
// an existing row, and returns the scan id.
func (p *PGAttributes) Register(ctx context.Context, ref archive.ScanRef, attrs map[string]string) (uuid.UUID, error) {
	if err := ref.Validate(); err != nil {
		return uuid.Nil, err
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	doc, err := json.Marshal(attrs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode attributes: %w", err)
	}
	var row scanRow
	err = db.Get(ctx, p.pool, &row,
		`INSERT INTO scans (id, project, subject, session, scan, attributes)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		 ON CONFLICT (project, subject, session, scan)
		 DO UPDATE SET attributes = EXCLUDED.attributes, updated_at = now()
		 RETURNING id`,
		uuid.New(), ref.Project, ref.Subject, ref.Session, ref.Scan, string(doc))
	if err != nil {
		return uuid.Nil, fmt.Errorf("register scan %s: %w", ref, err)
	}
	return row.ID, nil
}
