// Package hierarchy maintains the parent/child/name/index graph over item
// states. It exclusively owns the Entry objects; item states only carry a
// weak parent reference, the authoritative link lives here.
package hierarchy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
)

// Entry is one node of the hierarchy graph: a name, an optional same-name
// sibling index and the identifier of the item state it stands for. An
// entry may exist before its state has ever been materialized; it then acts
// as a placeholder for deep resolution.
type Entry struct {
	id     types.NodeID
	name   string
	index  int
	parent *Entry

	mu       sync.Mutex
	children map[string]*Entry
	resolved bool
}

func childKey(name string, index int) string {
	return fmt.Sprintf("%s[%d]", name, index)
}

// ID returns the identifier of the item state this entry stands for.
func (e *Entry) ID() types.NodeID { return e.id }

// Name returns the entry's name; empty for the root entry.
func (e *Entry) Name() string { return e.name }

// Index returns the same-name sibling index (1 for unique names).
func (e *Entry) Index() int { return e.index }

// Parent returns the parent entry, nil for the root.
func (e *Entry) Parent() *Entry { return e.parent }

// Resolved reports whether the item state behind this entry has been
// materialized at least once.
func (e *Entry) Resolved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolved
}

func (e *Entry) markResolved() {
	e.mu.Lock()
	e.resolved = true
	e.mu.Unlock()
}

// Path returns the absolute path of the entry.
func (e *Entry) Path() string {
	if e.parent == nil {
		return "/"
	}
	var parts []string
	for cur := e; cur.parent != nil; cur = cur.parent {
		seg := cur.name
		if cur.index > 1 {
			seg = fmt.Sprintf("%s[%d]", cur.name, cur.index)
		}
		parts = append(parts, seg)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Manager owns the entry graph for one session's view of the tree.
type Manager struct {
	log    *slog.Logger
	states *state.LocalManager

	mu   sync.RWMutex
	root *Entry
	byID map[types.NodeID]*Entry
}

// NewManager builds an entry graph rooted at rootID.
func NewManager(states *state.LocalManager, rootID types.NodeID, log *slog.Logger) *Manager {
	root := &Entry{id: rootID, children: make(map[string]*Entry)}
	return &Manager{
		log:    log,
		states: states,
		root:   root,
		byID:   map[types.NodeID]*Entry{rootID: root},
	}
}

// Root returns the root entry.
func (m *Manager) Root() *Entry {
	return m.root
}

// Lookup returns the entry for id if the hierarchy has seen it.
func (m *Manager) Lookup(id types.NodeID) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	return e, ok
}

// attach creates (or returns) the child entry of parent with the given
// descriptor. The caller decides whether the underlying state is loaded.
func (m *Manager) attach(parent *Entry, info types.ChildInfo) *Entry {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	key := childKey(info.Name, info.Index)
	if e, ok := parent.children[key]; ok {
		return e
	}
	e := &Entry{
		id:       info.ID,
		name:     info.Name,
		index:    info.Index,
		parent:   parent,
		children: make(map[string]*Entry),
	}
	parent.children[key] = e

	m.mu.Lock()
	m.byID[info.ID] = e
	m.mu.Unlock()
	return e
}

// ResolveChild returns the entry for the named child of parent, creating a
// placeholder entry from the parent's persisted child descriptors on
// demand. The child's state is not materialized.
func (m *Manager) ResolveChild(parent *Entry, name string, index int) (*Entry, error) {
	if index < 1 {
		index = 1
	}
	parent.mu.Lock()
	if e, ok := parent.children[childKey(name, index)]; ok {
		parent.mu.Unlock()
		return e, nil
	}
	parent.mu.Unlock()

	cur, err := m.states.ChildInfos(parent.id)
	if err != nil {
		return nil, err
	}
	for info, ok := cur.Next(); ok; info, ok = cur.Next() {
		if info.Name == name && info.Index == index {
			return m.attach(parent, info), nil
		}
	}
	return nil, fmt.Errorf("child %s[%d] of %s: %w", name, index, parent.id, state.ErrNotFound)
}

// NodeState materializes the item state behind an entry.
func (m *Manager) NodeState(e *Entry) (*state.NodeState, error) {
	st, err := m.states.GetNodeState(e.id)
	if err != nil {
		return nil, err
	}
	e.markResolved()
	return st, nil
}

// AttachNew registers an entry for a node state freshly created under
// parent. The parent's overlay state already carries the child descriptor.
func (m *Manager) AttachNew(parent *Entry, info types.ChildInfo) *Entry {
	e := m.attach(parent, info)
	e.markResolved()
	return e
}

// Remove detaches the entry and its subtree from the graph.
func (m *Manager) Remove(e *Entry) {
	if e.parent == nil {
		return
	}
	e.parent.mu.Lock()
	delete(e.parent.children, childKey(e.name, e.index))
	e.parent.mu.Unlock()

	m.mu.Lock()
	m.forget(e)
	m.mu.Unlock()
}

// forget drops e and every descendant from the id map. Caller holds m.mu.
func (m *Manager) forget(e *Entry) {
	delete(m.byID, e.id)
	e.mu.Lock()
	children := make([]*Entry, 0, len(e.children))
	for _, c := range e.children {
		children = append(children, c)
	}
	e.mu.Unlock()
	for _, c := range children {
		m.forget(c)
	}
}

// DeepResolveNode resolves a node whose direct parent entry is not yet
// known. It loads the target state, climbs stored parent links until it
// reaches an already-known entry (the supplied ancestor or anything above
// it), then materializes the missing entries downward. The resulting entry
// chain is cached, so a later retry after a hierarchy refresh is cheap.
func (m *Manager) DeepResolveNode(id types.NodeID, ancestor *Entry) (*state.NodeState, *Entry, error) {
	if e, ok := m.Lookup(id); ok {
		st, err := m.NodeState(e)
		return st, e, err
	}
	if ancestor == nil {
		ancestor = m.root
	}

	target, err := m.states.GetNodeState(id)
	if err != nil {
		return nil, nil, err
	}

	// climb to the first ancestor the hierarchy already knows
	chain := []*state.NodeState{target}
	cur := target
	var anchor *Entry
	for {
		if cur.ParentID.IsZero() {
			return nil, nil, fmt.Errorf("node %s is not connected to a known ancestor: %w", id, state.ErrNotFound)
		}
		if e, ok := m.Lookup(cur.ParentID); ok {
			anchor = e
			break
		}
		parent, err := m.states.GetNodeState(cur.ParentID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve ancestor of %s: %w", id, err)
		}
		chain = append(chain, parent)
		cur = parent
	}

	// walk back down, attaching an entry per level
	entry := anchor
	for i := len(chain) - 1; i >= 0; i-- {
		st := chain[i]
		info, err := m.childInfoFor(entry, st.ID)
		if err != nil {
			return nil, nil, err
		}
		entry = m.attach(entry, info)
	}
	entry.markResolved()
	return target, entry, nil
}

// DeepResolveProperty resolves a property whose parent node entry is not
// yet known, reusing the node deep-resolution walk.
func (m *Manager) DeepResolveProperty(id types.PropertyID, ancestor *Entry) (*state.PropertyState, *Entry, error) {
	_, entry, err := m.DeepResolveNode(id.ParentID, ancestor)
	if err != nil {
		return nil, nil, err
	}
	st, err := m.states.GetPropertyState(id)
	if err != nil {
		return nil, nil, err
	}
	return st, entry, nil
}

// childInfoFor scans the parent's child descriptors for the given child id.
func (m *Manager) childInfoFor(parent *Entry, child types.NodeID) (types.ChildInfo, error) {
	cur, err := m.states.ChildInfos(parent.id)
	if err != nil {
		return types.ChildInfo{}, err
	}
	for info, ok := cur.Next(); ok; info, ok = cur.Next() {
		if info.ID == child {
			return info, nil
		}
	}
	return types.ChildInfo{}, fmt.Errorf("node %s has no child %s: %w", parent.id, child, state.ErrNotFound)
}
