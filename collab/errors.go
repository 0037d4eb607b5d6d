package collab

import "errors"

// Sentinel errors for the collaboration engine. Handlers map these onto
// wire-level error replies or HTTP status codes; they are never broadcast
// to other room members.
var (
	// ErrNotFound indicates an unknown diagram, project or record
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates a valid identity with insufficient permission
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyLocked indicates a lock acquisition lost to another holder
	ErrAlreadyLocked = errors.New("element is already locked")

	// ErrLockedByOther indicates a structural mutation against an element
	// locked by someone else
	ErrLockedByOther = errors.New("element is locked by another user")
)
