package searchparam

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinrec/clinrec/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepository creates the Postgres-backed row repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Replace(ctx context.Context, resourceType, resourceID string, rows []Row) error {
	q := db.Conn(ctx, r.pool)

	_, err := q.Exec(ctx, `
		DELETE FROM search_param
		WHERE resource_type = $1 AND resource_id = $2 AND resource_version = $3`,
		resourceType, resourceID, CurrentVersion)
	if err != nil {
		return fmt.Errorf("delete search params for %s/%s: %w", resourceType, resourceID, err)
	}

	const insert = `
		INSERT INTO search_param (
			resource_type, resource_id, resource_version, param_name, param_type,
			value_token_system, value_token_code, value_string, value_date,
			value_number, value_quantity, value_quantity_unit, value_quantity_system,
			value_uri, value_ref_type, value_ref_id, occurrence_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	for _, row := range rows {
		cols, err := valueColumns(row.Value)
		if err != nil {
			return fmt.Errorf("insert search param %s for %s/%s: %w", row.ParamName, resourceType, resourceID, err)
		}
		args := append([]interface{}{
			row.ResourceType, row.ResourceID, row.ResourceVersion,
			row.ParamName, row.Value.Type().String(),
		}, cols...)
		args = append(args, nullable(row.OccurrenceKey))
		if _, err := q.Exec(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert search param %s for %s/%s: %w", row.ParamName, resourceType, resourceID, err)
		}
	}
	return nil
}

func (r *repoPG) DeleteAll(ctx context.Context, resourceType, resourceID string) error {
	q := db.Conn(ctx, r.pool)
	_, err := q.Exec(ctx, `
		DELETE FROM search_param
		WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("delete search params for %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// valueColumns routes a typed value into the column slots of the insert:
// token_system, token_code, string, date, number, quantity, quantity_unit,
// quantity_system, uri, ref_type, ref_id. Exactly the slots for the value's
// type are populated; all others are NULL.
func valueColumns(v Value) ([]interface{}, error) {
	var (
		tokenSystem, tokenCode       *string
		str                          *string
		date                         *time.Time
		number, quantity             *float64
		quantityUnit, quantitySystem *string
		uri                          *string
		refType, refID               *string
	)

	switch v.Type() {
	case TypeToken:
		tok, _ := v.Token()
		tokenSystem, tokenCode = nullable(tok.System), &tok.Code
	case TypeString:
		s, _ := v.Str()
		str = &s
	case TypeReference:
		ref, _ := v.Reference()
		refID = &ref.ID
		refType = nullable(ref.Type)
	case TypeDate:
		d, _ := v.Date()
		date = &d
	case TypeQuantity:
		q, _ := v.Quantity()
		quantity = &q.Value
		quantityUnit = nullable(q.Unit)
		quantitySystem = nullable(q.System)
	case TypeNumber:
		n, _ := v.Number()
		number = &n
	case TypeURI:
		u, _ := v.URI()
		uri = &u
	default:
		return nil, fmt.Errorf("unstorable parameter type %s", v.Type())
	}

	return []interface{}{
		tokenSystem, tokenCode, str, date,
		number, quantity, quantityUnit, quantitySystem,
		uri, refType, refID,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
