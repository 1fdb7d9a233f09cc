// Package resource implements the versioned document store. Every write
// creates an immutable new version; the newest version is the current one and
// is the only version the search index describes.
package resource

import (
	"time"
)

// Record is one stored version of a resource. Content is always in the
// canonical schema generation; generation adaptation happens at the service
// boundary on the way in and out.
type Record struct {
	ResourceType string
	ID           string
	Version      int
	Content      map[string]interface{}
	LastUpdated  time.Time
	Deleted      bool
}

// Action classifies a change event.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ChangeEvent describes a committed write. Events are emitted after the
// transaction commits, never before. Resource is the canonical content of
// the new version; it is nil for deletes.
type ChangeEvent struct {
	Action       Action
	ResourceType string
	ID           string
	Version      int
	Resource     map[string]interface{}
}

// Notifier receives change events after commit. Implementations must not
// block the caller.
type Notifier interface {
	Notify(event ChangeEvent)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(ChangeEvent) {}
