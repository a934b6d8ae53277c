package calls

import "errors"

// Error taxonomy for platform-integration failures.
//
// Rules:
//   - Adapters wrap their native failures with one of these using %w.
//   - Only ErrInvalidPayload drops a call attempt; the rest degrade gracefully.
var (
	ErrRoutingResourceUnavailable = errors.New("routing resource unavailable")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrConnectionCreationFailed   = errors.New("connection creation failed")
	ErrInvalidPayload             = errors.New("invalid payload")
	ErrPersistenceCorruption      = errors.New("persistence corruption")
)

// Wire codes sent to the front end in "error" events.
const (
	CodeRoutingResourceUnavailable = "ROUTING_RESOURCE_UNAVAILABLE"
	CodePermissionDenied           = "PERMISSION_DENIED"
	CodeConnectionCreationFailed   = "CONNECTION_CREATION_FAILED"
	CodeInvalidPayload             = "INVALID_PAYLOAD"
	CodePersistenceCorruption      = "PERSISTENCE_CORRUPTION"
	CodeUnknown                    = "UNKNOWN"
)

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoutingResourceUnavailable):
		return CodeRoutingResourceUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrConnectionCreationFailed):
		return CodeConnectionCreationFailed
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrPersistenceCorruption):
		return CodePersistenceCorruption
	default:
		return CodeUnknown
	}
}

// IsFallbackable reports whether presentation should degrade to the
// notification path instead of retrying the native one.
func IsFallbackable(err error) bool {
	return errors.Is(err, ErrRoutingResourceUnavailable) || errors.Is(err, ErrPermissionDenied)
}
