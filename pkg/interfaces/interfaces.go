// Package interfaces defines the collaborator contracts the repository
// core consumes without implementing.
package interfaces

import (
	"github.com/arbor-db/arbor/pkg/types"
)

// Action enumerates the gated repository operations.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionRemove
	ActionVersion
	ActionRestore
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionRemove:
		return "remove"
	case ActionVersion:
		return "version"
	case ActionRestore:
		return "restore"
	default:
		return "unknown"
	}
}

// AccessGate is the boolean access decision consulted before mutating
// operations and restore. Policy evaluation lives with the collaborator;
// the core only honors the answer.
type AccessGate interface {
	Allowed(action Action, target types.NodeID) bool
}

// OpenGate permits every operation. It is the default when no gate is
// configured.
type OpenGate struct{}

func (OpenGate) Allowed(Action, types.NodeID) bool { return true }
