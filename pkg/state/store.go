package state

import (
	"errors"

	"github.com/arbor-db/arbor/pkg/types"
)

// ErrNotFound is returned when an identifier does not resolve in the
// persistent store. Callers may refresh their hierarchy knowledge and retry.
var ErrNotFound = errors.New("state: item not found")

// ErrStale is returned when a save would overwrite records another session
// persisted after this session cloned them. The caller must discard and
// re-read before retrying.
var ErrStale = errors.New("state: overlay holds stale changes")

// Store is the persistent collaborator the shared factory reads through.
// Implementations must provide read-your-writes consistency within one
// Apply call.
type Store interface {
	// LoadNode reads the persisted node state for id, or ErrNotFound.
	LoadNode(id types.NodeID) (*NodeState, error)
	// LoadProperty reads the persisted property state for id, or ErrNotFound.
	LoadProperty(id types.PropertyID) (*PropertyState, error)
	// ChildInfos returns a restartable cursor over the persisted child
	// descriptors of the node, without materializing the children.
	ChildInfos(id types.NodeID) (ChildCursor, error)
	// References returns the identifiers of persisted reference properties
	// pointing at the node.
	References(id types.NodeID) ([]types.PropertyID, error)
	// Apply atomically persists one change set. Either every record in the
	// set lands or none do.
	Apply(cs ChangeSet) error
}

// ChildCursor is a lazy, finite, restartable sequence of child descriptors.
type ChildCursor interface {
	// Next returns the next descriptor; ok is false when exhausted.
	Next() (info types.ChildInfo, ok bool)
	// Reset restarts the sequence from the beginning.
	Reset()
}

// SliceCursor is a ChildCursor backed by an in-memory slice.
type SliceCursor struct {
	infos []types.ChildInfo
	pos   int
}

// NewSliceCursor wraps infos in a restartable cursor.
func NewSliceCursor(infos []types.ChildInfo) *SliceCursor {
	return &SliceCursor{infos: infos}
}

func (c *SliceCursor) Next() (types.ChildInfo, bool) {
	if c.pos >= len(c.infos) {
		return types.ChildInfo{}, false
	}
	info := c.infos[c.pos]
	c.pos++
	return info, true
}

func (c *SliceCursor) Reset() {
	c.pos = 0
}

// ChangeSet is the unit of a save: every transient state a session merges
// into the persistent store in one atomic step. Statuses drive the outcome:
// New and ExistingModified records are written, ExistingRemoved records are
// deleted.
type ChangeSet struct {
	Nodes      []*NodeState
	Properties []*PropertyState
}

// Empty reports whether the change set carries no work.
func (cs ChangeSet) Empty() bool {
	return len(cs.Nodes) == 0 && len(cs.Properties) == 0
}
