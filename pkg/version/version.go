// Package version implements the version graph engine: one append-only DAG
// of immutable versions per versionable item, label management, version
// selection policies and the restore procedure.
package version

import (
	"time"

	"github.com/arbor-db/arbor/pkg/types"
)

// VersionableItem is the capability value a Version carries instead of
// inheriting from a content-node type: the identifier of the versionable
// node and the history containing it.
type VersionableItem struct {
	NodeID    types.NodeID    `json:"nodeId"`
	HistoryID types.HistoryID `json:"historyId"`
}

// Version is one immutable node of a history's DAG. All fields are fixed at
// creation; the only legal post-creation mutation is the store appending a
// successor identifier at checkin time.
type Version struct {
	id           types.VersionID
	name         string
	created      time.Time
	predecessors []types.VersionID
	successors   []types.VersionID
	frozen       types.NodeID
	item         VersionableItem
}

// ID returns the version identifier.
func (v *Version) ID() types.VersionID { return v.id }

// Name returns the version name, unique within its history.
func (v *Version) Name() string { return v.name }

// Created returns the creation timestamp.
func (v *Version) Created() time.Time { return v.created }

// Item returns the versionable-item capability this version serves.
func (v *Version) Item() VersionableItem { return v.item }

// FrozenID returns the identifier of the frozen content snapshot; zero for
// the root version, which anchors the DAG and holds no content.
func (v *Version) FrozenID() types.NodeID { return v.frozen }

// IsRoot reports whether this is the predecessor-less root version.
func (v *Version) IsRoot() bool { return len(v.predecessors) == 0 }

// Predecessors returns a copy of the ordered predecessor identifiers.
func (v *Version) Predecessors() []types.VersionID {
	return append([]types.VersionID(nil), v.predecessors...)
}

// Successors returns a copy of the successor identifiers.
func (v *Version) Successors() []types.VersionID {
	return append([]types.VersionID(nil), v.successors...)
}

// addSuccessor is the single legal post-creation mutation, performed by the
// store under the history lock during checkin.
func (v *Version) addSuccessor(id types.VersionID) {
	v.successors = append(v.successors, id)
}

// removeSuccessor repairs the edge list when a leaf version is removed.
func (v *Version) removeSuccessor(id types.VersionID) {
	for i, s := range v.successors {
		if s == id {
			v.successors = append(v.successors[:i], v.successors[i+1:]...)
			return
		}
	}
}

// SetName rejects renaming; versions are immutable once created.
func (v *Version) SetName(string) error {
	return protected(v.name, "rename")
}

// SetCreated rejects timestamp rewrites; versions are immutable once created.
func (v *Version) SetCreated(time.Time) error {
	return protected(v.name, "set created")
}
