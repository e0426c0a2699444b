// Package types defines the core identifiers and data types used throughout
// the arbor repository engine.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a node. The zero value is the nil reference.
type NodeID struct {
	uuid.UUID
}

// NewNodeID returns a fresh random node identifier.
func NewNodeID() NodeID {
	return NodeID{uuid.New()}
}

// ParseNodeID parses the canonical string form of a node identifier.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID{u}, nil
}

// IsZero reports whether the identifier is the nil reference.
func (n NodeID) IsZero() bool {
	return n.UUID == uuid.Nil
}

// PropertyID identifies a property by its parent node and name.
type PropertyID struct {
	ParentID NodeID `json:"parentId"`
	Name     string `json:"name"`
}

func (p PropertyID) String() string {
	return p.ParentID.String() + "/" + p.Name
}

// IsZero reports whether the identifier is unset.
func (p PropertyID) IsZero() bool {
	return p.ParentID.IsZero() && p.Name == ""
}

// ChildInfo describes one child node of a parent: its identifier, its name
// and its same-name sibling index (1-based, 1 for unique names).
type ChildInfo struct {
	ID    NodeID `json:"id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Status enumerates the lifecycle states of an ItemState.
type Status int

const (
	// StatusNew marks a state created in a session and never persisted.
	StatusNew Status = iota
	// StatusExisting marks a state loaded from the persistent store and
	// untouched since.
	StatusExisting
	// StatusExistingModified marks a persisted state with transient changes.
	StatusExistingModified
	// StatusExistingRemoved marks a persisted state transiently removed.
	StatusExistingRemoved
	// StatusStaleModified marks a transiently modified state whose
	// persisted counterpart changed underneath it.
	StatusStaleModified
	// StatusStaleDestroyed marks a transiently modified state whose
	// persisted counterpart was destroyed underneath it.
	StatusStaleDestroyed
	// StatusInvalidated marks a cached state that must be re-read before use.
	StatusInvalidated
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusExisting:
		return "existing"
	case StatusExistingModified:
		return "existing-modified"
	case StatusExistingRemoved:
		return "existing-removed"
	case StatusStaleModified:
		return "stale-modified"
	case StatusStaleDestroyed:
		return "stale-destroyed"
	case StatusInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Transient reports whether the status describes uncommitted session state.
func (s Status) Transient() bool {
	switch s {
	case StatusNew, StatusExistingModified, StatusExistingRemoved,
		StatusStaleModified, StatusStaleDestroyed:
		return true
	}
	return false
}

// IsStale reports whether the persisted counterpart moved underneath the
// state since it was cloned.
func (s Status) IsStale() bool {
	return s == StatusStaleModified || s == StatusStaleDestroyed
}
