package reference

import "context"

// Repository persists the cross-resource reference graph.
type Repository interface {
	// Replace atomically swaps all outgoing references of a resource with the
	// given set. It joins an ambient transaction when one is open.
	Replace(ctx context.Context, sourceType, sourceID string, refs []Ref) error
	// DeleteAll removes every outgoing reference of a resource.
	DeleteAll(ctx context.Context, sourceType, sourceID string) error
	// Targets returns the outgoing references of a resource (forward lookup).
	Targets(ctx context.Context, sourceType, sourceID string) ([]Ref, error)
	// Sources returns the references pointing at a resource (reverse lookup),
	// optionally restricted to a referencing type and field path.
	Sources(ctx context.Context, targetType, targetID string, filter SourceFilter) ([]Ref, error)
}

// SourceFilter narrows a reverse lookup. Zero values mean no restriction.
type SourceFilter struct {
	SourceType string
	FieldPath  string
}
