package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleDevice is the app instance that answers, rejects and hangs up calls.
	RoleDevice = "device"
	// RolePushGateway delivers push payloads on behalf of the signaling backend.
	RolePushGateway = "push_gateway"
	RoleOperator    = "operator"
)

// IsOperator reports whether role bypasses route checks.
func IsOperator(role string) bool { return role == RoleOperator }
