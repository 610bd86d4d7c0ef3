package steward

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("steward: no store configured")
	ErrNoStream    = errors.New("steward: no stream configured")
	ErrNoProvider  = errors.New("steward: no provider configured")
	ErrStoreClosed = errors.New("steward: store closed")

	// Not found errors.
	ErrTaskNotFound         = errors.New("steward: task not found")
	ErrNodeNotFound         = errors.New("steward: node not found")
	ErrRouteNotFound        = errors.New("steward: route not found")
	ErrConversationNotFound = errors.New("steward: conversation not found")

	// Conflict errors.
	ErrNodeAlreadyExists = errors.New("steward: node already registered")
	ErrTaskAlreadyExists = errors.New("steward: task already exists")

	// Routing errors.
	//
	// ErrNoCapacity is an expected outcome, not a fault: it means no node
	// is currently idle and healthy. Callers must handle it (requeue or
	// fail the task), never treat it as a crash.
	ErrNoCapacity = errors.New("steward: no idle healthy node available")

	// ErrNodeBusy is returned when a reservation loses the race for a node
	// that was idle when the candidate set was computed.
	ErrNodeBusy = errors.New("steward: node no longer idle")
)
