package reference

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinrec/clinrec/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepository creates the Postgres-backed reference graph repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Replace(ctx context.Context, sourceType, sourceID string, refs []Ref) error {
	q := db.Conn(ctx, r.pool)

	_, err := q.Exec(ctx, `
		DELETE FROM resource_ref
		WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("delete references for %s/%s: %w", sourceType, sourceID, err)
	}

	for _, ref := range refs {
		_, err := q.Exec(ctx, `
			INSERT INTO resource_ref (source_type, source_id, field_path, target_type, target_id)
			VALUES ($1, $2, $3, $4, $5)`,
			ref.SourceType, ref.SourceID, ref.FieldPath, ref.Target.Type, ref.Target.ID)
		if err != nil {
			return fmt.Errorf("insert reference %s -> %s/%s: %w",
				ref.FieldPath, ref.Target.Type, ref.Target.ID, err)
		}
	}
	return nil
}

func (r *repoPG) DeleteAll(ctx context.Context, sourceType, sourceID string) error {
	q := db.Conn(ctx, r.pool)
	_, err := q.Exec(ctx, `
		DELETE FROM resource_ref
		WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("delete references for %s/%s: %w", sourceType, sourceID, err)
	}
	return nil
}

func (r *repoPG) Targets(ctx context.Context, sourceType, sourceID string) ([]Ref, error) {
	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, `
		SELECT source_type, source_id, field_path, target_type, target_id
		FROM resource_ref
		WHERE source_type = $1 AND source_id = $2
		ORDER BY field_path, target_type, target_id`,
		sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query references of %s/%s: %w", sourceType, sourceID, err)
	}
	defer rows.Close()
	return scanRefs(rows)
}

func (r *repoPG) Sources(ctx context.Context, targetType, targetID string, filter SourceFilter) ([]Ref, error) {
	query := `
		SELECT source_type, source_id, field_path, target_type, target_id
		FROM resource_ref
		WHERE target_type = $1 AND target_id = $2`
	args := []interface{}{targetType, targetID}
	idx := 3

	if filter.SourceType != "" {
		query += fmt.Sprintf(" AND source_type = $%d", idx)
		args = append(args, filter.SourceType)
		idx++
	}
	if filter.FieldPath != "" {
		query += fmt.Sprintf(" AND field_path = $%d", idx)
		args = append(args, filter.FieldPath)
		idx++
	}
	query += " ORDER BY source_type, source_id, field_path"

	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query references to %s/%s: %w", targetType, targetID, err)
	}
	defer rows.Close()
	return scanRefs(rows)
}

func scanRefs(rows pgx.Rows) ([]Ref, error) {
	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.SourceType, &ref.SourceID, &ref.FieldPath,
			&ref.Target.Type, &ref.Target.ID); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
