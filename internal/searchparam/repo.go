package searchparam

import "context"

// Repository persists extracted search parameter rows.
type Repository interface {
	// Replace atomically swaps all current-version rows for a resource with
	// the given set. It joins an ambient transaction when one is open.
	Replace(ctx context.Context, resourceType, resourceID string, rows []Row) error
	// DeleteAll removes every row for a resource, used on delete.
	DeleteAll(ctx context.Context, resourceType, resourceID string) error
}
