package cluster

import "errors"

// Input errors reject the request before any state change. Persistence
// errors mean the atomic commit itself failed and nothing was applied.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotOwner           = errors.New("session belongs to another owner")
	ErrInvalidStatus      = errors.New("session status does not permit this operation")
	ErrClusterNotFound    = errors.New("cluster label absent or deleted")
	ErrInsufficientPoints = errors.New("cluster has fewer points than requested sub-clusters")
	ErrNoValidTargets     = errors.New("no valid redistribution targets")
	ErrPersistenceFailure = errors.New("persisting edit failed")
)
