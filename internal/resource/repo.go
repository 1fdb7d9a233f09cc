package resource

import "context"

// Repository persists resource versions. Implementations join the ambient
// transaction when one is open.
type Repository interface {
	// InsertVersion stores a new version and marks it current. Two concurrent
	// inserts of the same (type, id, version) race on the primary key; the
	// loser gets a VersionConflictError.
	InsertVersion(ctx context.Context, rec Record) error
	// GetCurrent returns the current version, including tombstones.
	// A missing resource yields a NotFoundError.
	GetCurrent(ctx context.Context, resourceType, id string) (Record, error)
	// GetVersion returns one specific version.
	GetVersion(ctx context.Context, resourceType, id string, version int) (Record, error)
	// ListVersions returns all versions, newest first.
	ListVersions(ctx context.Context, resourceType, id string) ([]Record, error)
}
