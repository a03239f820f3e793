package scdeck

import "fmt"

// The error taxonomy for the control plane. Connectivity errors cover the
// socket, the server process and health checks; NotFoundError covers lookups
// of session entities; InProgressError covers lifecycle operations issued
// while one is already pending. Opaque transport-layer failures are wrapped
// where they occur and surface under ErrSendFailed.

// Sentinel connectivity errors.
var (
	ErrNotConnected = fmt.Errorf("not connected to scsynth")
	ErrSendFailed   = fmt.Errorf("failed to send to scsynth")
	ErrSpawnFailed  = fmt.Errorf("failed to spawn scsynth process")
	ErrHealthCheck  = fmt.Errorf("scsynth health check failed")
	ErrShuttingDown = fmt.Errorf("control loop is shutting down")
	ErrQueueFull    = fmt.Errorf("command queue is full")
	ErrReplyDiscard = fmt.Errorf("pending operation abandoned")
)

// NotFoundError reports a lookup of an unknown session entity.
type NotFoundError struct {
	Kind string // "instrument", "bus", "layer group", "effect", "plugin node"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InProgressError reports a lifecycle operation issued while a previous one
// of the same kind is still pending.
type InProgressError struct {
	Op string // "start server", "connect"
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("%s already in progress", e.Op)
}

// InProgress builds an InProgressError for the given operation name.
func InProgress(op string) error {
	return &InProgressError{Op: op}
}
