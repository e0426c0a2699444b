package types

import (
	"fmt"

	"github.com/google/uuid"
)

// VersionID identifies one version inside a history.
type VersionID struct {
	uuid.UUID
}

// NewVersionID returns a fresh random version identifier.
func NewVersionID() VersionID {
	return VersionID{uuid.New()}
}

// IsZero reports whether the identifier is unset.
func (v VersionID) IsZero() bool {
	return v.UUID == uuid.Nil
}

// HistoryID identifies a version history. It equals the identifier of the
// versionable node the history serves.
type HistoryID struct {
	uuid.UUID
}

// ParseHistoryID parses the canonical string form of a history identifier.
func ParseHistoryID(s string) (HistoryID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return HistoryID{}, fmt.Errorf("parse history id %q: %w", s, err)
	}
	return HistoryID{u}, nil
}

// IsZero reports whether the identifier is unset.
func (h HistoryID) IsZero() bool {
	return h.UUID == uuid.Nil
}

// HistoryOf derives the history identifier for a versionable node.
func HistoryOf(n NodeID) HistoryID {
	return HistoryID{n.UUID}
}

// RestorePolicy controls how a versionable descendant participates in the
// checkin and restore of an ancestor.
type RestorePolicy int

const (
	// PolicyCopy freezes the descendant's content inline at checkin and
	// restores it from the frozen tree.
	PolicyCopy RestorePolicy = iota
	// PolicyVersion records the descendant's base version at checkin; a
	// restore re-materializes exactly that version, never a fresh selection.
	PolicyVersion
	// PolicySelect records the base version at checkin but re-runs the
	// restore's selection policy against the descendant's own history.
	PolicySelect
)

func (p RestorePolicy) String() string {
	switch p {
	case PolicyCopy:
		return "copy"
	case PolicyVersion:
		return "version"
	case PolicySelect:
		return "select"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// NodeDefinition carries the structural constraints applied when a new node
// state is created.
type NodeDefinition struct {
	Type        string        `json:"type"`
	Versionable bool          `json:"versionable,omitempty"`
	Policy      RestorePolicy `json:"policy,omitempty"`
}

// PropertyDefinition carries the structural constraints applied when a new
// property state is created.
type PropertyDefinition struct {
	Name     string    `json:"name"`
	Type     ValueType `json:"valueType"`
	Multiple bool      `json:"multiple,omitempty"`
}
