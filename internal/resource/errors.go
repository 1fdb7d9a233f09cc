package resource

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a resource or a specific version of it does not
// exist. Deleted is set when the resource existed but its current version is a
// tombstone, so the transport layer can answer 410 instead of 404.
type NotFoundError struct {
	ResourceType string
	ID           string
	Version      int // 0 when the lookup was not version-specific
	Deleted      bool
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Deleted:
		return fmt.Sprintf("%s/%s is deleted", e.ResourceType, e.ID)
	case e.Version > 0:
		return fmt.Sprintf("%s/%s version %d not found", e.ResourceType, e.ID, e.Version)
	default:
		return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ID)
	}
}

// VersionConflictError reports that a conditional write named a version other
// than the current one, or lost a concurrent write race.
type VersionConflictError struct {
	ResourceType string
	ID           string
	Current      int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s/%s: version conflict, current version is %d", e.ResourceType, e.ID, e.Current)
}

// ValidationError reports a malformed request or document. It is a caller
// error, never a server fault.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
