package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinrec/clinrec/internal/platform/db"
)

const pgUniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepository creates the Postgres-backed version store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) InsertVersion(ctx context.Context, rec Record) error {
	q := db.Conn(ctx, r.pool)

	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal %s/%s content: %w", rec.ResourceType, rec.ID, err)
	}

	_, err = q.Exec(ctx, `
		UPDATE resource SET is_current = FALSE
		WHERE resource_type = $1 AND fhir_id = $2 AND is_current`,
		rec.ResourceType, rec.ID)
	if err != nil {
		return fmt.Errorf("demote current version of %s/%s: %w", rec.ResourceType, rec.ID, err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO resource (resource_type, fhir_id, version_id, content, last_updated, deleted, is_current)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		rec.ResourceType, rec.ID, rec.Version, content, rec.LastUpdated, rec.Deleted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// A concurrent write claimed this version number first.
			return &VersionConflictError{ResourceType: rec.ResourceType, ID: rec.ID, Current: rec.Version}
		}
		return fmt.Errorf("insert version %d of %s/%s: %w", rec.Version, rec.ResourceType, rec.ID, err)
	}
	return nil
}

const recordColumns = `resource_type, fhir_id, version_id, content, last_updated, deleted`

func (r *repoPG) GetCurrent(ctx context.Context, resourceType, id string) (Record, error) {
	q := db.Conn(ctx, r.pool)
	row := q.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM resource
		WHERE resource_type = $1 AND fhir_id = $2 AND is_current`,
		resourceType, id)
	return scanRecord(row, resourceType, id, 0)
}

func (r *repoPG) GetVersion(ctx context.Context, resourceType, id string, version int) (Record, error) {
	q := db.Conn(ctx, r.pool)
	row := q.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM resource
		WHERE resource_type = $1 AND fhir_id = $2 AND version_id = $3`,
		resourceType, id, version)
	return scanRecord(row, resourceType, id, version)
}

func (r *repoPG) ListVersions(ctx context.Context, resourceType, id string) ([]Record, error) {
	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, `
		SELECT `+recordColumns+`
		FROM resource
		WHERE resource_type = $1 AND fhir_id = $2
		ORDER BY version_id DESC`,
		resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows, resourceType, id, 0)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions of %s/%s: %w", resourceType, id, err)
	}
	if len(records) == 0 {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	return records, nil
}

func scanRecord(row pgx.Row, resourceType, id string, version int) (Record, error) {
	var rec Record
	var content []byte
	err := row.Scan(&rec.ResourceType, &rec.ID, &rec.Version, &content, &rec.LastUpdated, &rec.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, &NotFoundError{ResourceType: resourceType, ID: id, Version: version}
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan %s/%s: %w", resourceType, id, err)
	}
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return Record{}, fmt.Errorf("decode %s/%s content: %w", resourceType, id, err)
	}
	return rec, nil
}
