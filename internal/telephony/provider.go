package telephony

import "context"

// NativeCallAdapter is the boundary to the platform's native call UI and
// routing resource.
//
// Rules:
// - No platform SDK calls outside adapters.
// - Adapters wrap native failures with the calls.Err* taxonomy using %w.
// - Implementations must be safe for concurrent use.
type NativeCallAdapter interface {
	// RegisterRoutingResource enables the single self-managed call slot.
	// It can fail transiently during boot; callers retry it.
	RegisterRoutingResource(ctx context.Context) error

	PresentIncomingCall(ctx context.Context, connectionID, displayName string) error
	MarkActive(ctx context.Context, connectionID string) error
	MarkDisconnected(ctx context.Context, connectionID string, cause DisconnectCause) error
	ReleaseConnection(ctx context.Context, connectionID string) error
}

// DisconnectCause tells the native layer why a connection went away.
type DisconnectCause string

const (
	CauseLocal    DisconnectCause = "local"
	CauseRejected DisconnectCause = "rejected"
	CauseRemote   DisconnectCause = "remote"
	CauseError    DisconnectCause = "error"
)

// Presenter is the notification-style fallback used when the native routing
// resource is unavailable or permission is missing.
type Presenter interface {
	PresentNotification(ctx context.Context, connectionID, displayName string, payload map[string]string) error
	DismissNotification(ctx context.Context, connectionID string) error
}
