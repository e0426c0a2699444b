package state

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/arbor-db/arbor/pkg/types"
)

// LocalManager is the transient overlay layer of the factory chain. It
// holds one session's uncommitted states, falling back to the shared layer
// for everything it does not own. The overlay is single-writer: only the
// owning session mutates it, and nothing in it is visible to other sessions
// until merged.
//
// Notification ownership: the local layer announces only states it
// allocated itself (brand-new states and overlay copies). States the shared
// layer materializes on a pass-through read are announced by the shared
// layer alone; a listener that wants both streams subscribes once per
// layer and sees every creation exactly once.
type LocalManager struct {
	log    *slog.Logger
	shared *SharedManager

	mu    sync.RWMutex
	nodes map[string]*NodeState
	props map[string]*PropertyState

	listeners listenerSet
}

// NewLocalManager builds a transient overlay over the shared layer. The
// shared layer tracks the overlay so it can flag overlapping clones stale
// when another session's save moves the shared truth.
func NewLocalManager(shared *SharedManager, log *slog.Logger) *LocalManager {
	m := &LocalManager{
		log:    log,
		shared: shared,
		nodes:  make(map[string]*NodeState),
		props:  make(map[string]*PropertyState),
	}
	shared.attachOverlay(m)
	return m
}

// Close detaches the overlay from the shared layer.
func (m *LocalManager) Close() {
	m.shared.detachOverlay(m)
}

// AddListener registers a session-level listener. It observes local
// allocations and status changes only; shared-layer materializations are
// announced by the shared layer itself.
func (m *LocalManager) AddListener(l Listener) {
	m.listeners.add(l)
}

// RemoveListener unregisters a session-level listener.
func (m *LocalManager) RemoveListener(l Listener) {
	m.listeners.remove(l)
}

// markStale flags an overlay clone whose shared original was replaced by
// another session's save. A stale state can no longer be saved; the owner
// must discard and re-read.
func (m *LocalManager) markStale(key string, isNode bool) {
	m.mu.Lock()
	var st ItemState
	if isNode {
		if n, ok := m.nodes[key]; ok {
			st = n
		}
	} else {
		if p, ok := m.props[key]; ok {
			st = p
		}
	}
	var old types.Status
	if st != nil {
		old = st.Status()
		switch old {
		case types.StatusExistingModified:
			st.SetStatus(types.StatusStaleModified)
		case types.StatusExistingRemoved:
			st.SetStatus(types.StatusStaleDestroyed)
		default:
			st = nil
		}
	}
	m.mu.Unlock()

	if st != nil {
		m.log.Debug("overlay state went stale", "key", key)
		m.listeners.notifyStatusChanged(st, old)
	}
}

// HasStale reports whether the overlay holds clones invalidated by another
// session's save.
func (m *LocalManager) HasStale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.Status().IsStale() {
			return true
		}
	}
	for _, p := range m.props {
		if p.Status().IsStale() {
			return true
		}
	}
	return false
}

// CreateNewNodeState allocates a brand-new, not-yet-persisted node state
// with status New. It performs no I/O and always succeeds. Versionable
// nodes start checked out with a history derived from their identifier.
func (m *LocalManager) CreateNewNodeState(parent types.NodeID, def types.NodeDefinition) *NodeState {
	st := NewNodeState(types.NewNodeID(), parent, def, types.StatusNew)
	if def.Versionable {
		st.HistoryID = types.HistoryOf(st.ID)
		st.CheckedOut = true
	}

	m.mu.Lock()
	m.nodes[st.Key()] = st
	m.mu.Unlock()

	m.listeners.notifyCreated(st)
	return st
}

// AdoptNodeState allocates a node state under a caller-chosen identifier.
// Restores use it to re-materialize nodes that must keep their historical
// identity. The state is announced like any other local allocation.
func (m *LocalManager) AdoptNodeState(id, parent types.NodeID, def types.NodeDefinition) *NodeState {
	st := NewNodeState(id, parent, def, types.StatusNew)
	if def.Versionable {
		st.HistoryID = types.HistoryOf(st.ID)
		st.CheckedOut = false
	}

	m.mu.Lock()
	m.nodes[st.Key()] = st
	m.mu.Unlock()

	m.listeners.notifyCreated(st)
	return st
}

// CreateNewPropertyState allocates a brand-new property state with status
// New. It fails only when the supplied values are structurally invalid for
// the declared type.
func (m *LocalManager) CreateNewPropertyState(parent types.NodeID, def types.PropertyDefinition, values []types.Value) (*PropertyState, error) {
	if err := types.ValidateValues(def.Type, values); err != nil {
		return nil, fmt.Errorf("create property %s: %w", def.Name, err)
	}
	if !def.Multiple && len(values) > 1 {
		return nil, fmt.Errorf("create property %s: single-valued property given %d values", def.Name, len(values))
	}

	id := types.PropertyID{ParentID: parent, Name: def.Name}
	st := NewPropertyState(id, def, values, types.StatusNew)

	m.mu.Lock()
	m.props[st.Key()] = st
	m.mu.Unlock()

	m.listeners.notifyCreated(st)
	return st, nil
}

// GetNodeState resolves a node, consulting the overlay first and falling
// back to the shared layer. Transiently removed nodes report ErrNotFound.
func (m *LocalManager) GetNodeState(id types.NodeID) (*NodeState, error) {
	m.mu.RLock()
	st, ok := m.nodes[NodeKey(id)]
	m.mu.RUnlock()
	if ok {
		if st.Status() == types.StatusExistingRemoved {
			return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return st, nil
	}
	return m.shared.GetNodeState(id)
}

// GetPropertyState resolves a property through the overlay chain.
func (m *LocalManager) GetPropertyState(id types.PropertyID) (*PropertyState, error) {
	m.mu.RLock()
	st, ok := m.props[PropertyKey(id)]
	m.mu.RUnlock()
	if ok {
		if st.Status() == types.StatusExistingRemoved {
			return nil, fmt.Errorf("property %s: %w", id, ErrNotFound)
		}
		return st, nil
	}
	return m.shared.GetPropertyState(id)
}

// ModifiableNodeState returns a node state this session may mutate,
// cloning the shared state into the overlay on first touch.
func (m *LocalManager) ModifiableNodeState(id types.NodeID) (*NodeState, error) {
	key := NodeKey(id)

	m.mu.RLock()
	st, ok := m.nodes[key]
	m.mu.RUnlock()
	if ok {
		if st.Status() == types.StatusExistingRemoved {
			return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return st, nil
	}

	shared, err := m.shared.GetNodeState(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.nodes[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	cp := shared.Clone()
	cp.SetStatus(types.StatusExistingModified)
	m.nodes[key] = cp
	m.mu.Unlock()

	m.listeners.notifyStatusChanged(cp, types.StatusExisting)
	return cp, nil
}

// ModifiablePropertyState returns a property state this session may mutate,
// cloning the shared state into the overlay on first touch.
func (m *LocalManager) ModifiablePropertyState(id types.PropertyID) (*PropertyState, error) {
	key := PropertyKey(id)

	m.mu.RLock()
	st, ok := m.props[key]
	m.mu.RUnlock()
	if ok {
		if st.Status() == types.StatusExistingRemoved {
			return nil, fmt.Errorf("property %s: %w", id, ErrNotFound)
		}
		return st, nil
	}

	shared, err := m.shared.GetPropertyState(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.props[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	cp := shared.Clone()
	cp.SetStatus(types.StatusExistingModified)
	m.props[key] = cp
	m.mu.Unlock()

	m.listeners.notifyStatusChanged(cp, types.StatusExisting)
	return cp, nil
}

// DeleteNodeState transiently removes a node. A state that was never
// persisted vanishes from the overlay; a persisted one is marked removed
// and deleted from the store on save.
func (m *LocalManager) DeleteNodeState(id types.NodeID) error {
	key := NodeKey(id)

	m.mu.Lock()
	if st, ok := m.nodes[key]; ok {
		if st.Status() == types.StatusNew {
			delete(m.nodes, key)
			m.mu.Unlock()
			old := st.Status()
			st.SetStatus(types.StatusStaleDestroyed)
			m.listeners.notifyStatusChanged(st, old)
			return nil
		}
		old := st.Status()
		st.SetStatus(types.StatusExistingRemoved)
		m.mu.Unlock()
		m.listeners.notifyStatusChanged(st, old)
		return nil
	}
	m.mu.Unlock()

	shared, err := m.shared.GetNodeState(id)
	if err != nil {
		return err
	}
	cp := shared.Clone()
	cp.SetStatus(types.StatusExistingRemoved)

	m.mu.Lock()
	m.nodes[key] = cp
	m.mu.Unlock()

	m.listeners.notifyStatusChanged(cp, types.StatusExisting)
	return nil
}

// DeletePropertyState transiently removes a property, mirroring
// DeleteNodeState.
func (m *LocalManager) DeletePropertyState(id types.PropertyID) error {
	key := PropertyKey(id)

	m.mu.Lock()
	if st, ok := m.props[key]; ok {
		if st.Status() == types.StatusNew {
			delete(m.props, key)
			m.mu.Unlock()
			old := st.Status()
			st.SetStatus(types.StatusStaleDestroyed)
			m.listeners.notifyStatusChanged(st, old)
			return nil
		}
		old := st.Status()
		st.SetStatus(types.StatusExistingRemoved)
		m.mu.Unlock()
		m.listeners.notifyStatusChanged(st, old)
		return nil
	}
	m.mu.Unlock()

	shared, err := m.shared.GetPropertyState(id)
	if err != nil {
		return err
	}
	cp := shared.Clone()
	cp.SetStatus(types.StatusExistingRemoved)

	m.mu.Lock()
	m.props[key] = cp
	m.mu.Unlock()

	m.listeners.notifyStatusChanged(cp, types.StatusExisting)
	return nil
}

// ChildInfos serves child descriptors, preferring the overlay view of the
// parent when the session changed it.
func (m *LocalManager) ChildInfos(id types.NodeID) (ChildCursor, error) {
	m.mu.RLock()
	st, ok := m.nodes[NodeKey(id)]
	m.mu.RUnlock()
	if ok {
		if st.Status() == types.StatusExistingRemoved {
			return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return NewSliceCursor(st.Children()), nil
	}
	return m.shared.ChildInfos(id)
}

// References delegates to the shared layer's contract, including the
// unconditional empty result for New states.
func (m *LocalManager) References(st *NodeState) ([]types.PropertyID, error) {
	return m.shared.References(st)
}

// HasChanges reports whether the overlay holds any transient state.
func (m *LocalManager) HasChanges() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes) > 0 || len(m.props) > 0
}

// Changes snapshots the overlay into a change set for saving.
func (m *LocalManager) Changes() ChangeSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs := ChangeSet{}
	for _, n := range m.nodes {
		cs.Nodes = append(cs.Nodes, n)
	}
	for _, p := range m.props {
		cs.Properties = append(cs.Properties, p)
	}
	return cs
}

// Commit retires the overlay after its change set was persisted: the
// shared layer adopts the new truth and the overlay empties. The merged
// transient states are gone as separate instances from here on.
func (m *LocalManager) Commit(cs ChangeSet) error {
	if err := m.shared.AdoptCommitted(cs, m); err != nil {
		return err
	}

	m.mu.Lock()
	m.nodes = make(map[string]*NodeState)
	m.props = make(map[string]*PropertyState)
	m.mu.Unlock()
	return nil
}

// Discard atomically abandons every transient change since the last save.
// Discarding an empty overlay is a no-op.
func (m *LocalManager) Discard() {
	m.mu.Lock()
	nodes, props := m.nodes, m.props
	m.nodes = make(map[string]*NodeState)
	m.props = make(map[string]*PropertyState)
	m.mu.Unlock()

	for _, n := range nodes {
		old := n.Status()
		if old == types.StatusNew {
			n.SetStatus(types.StatusStaleDestroyed)
		} else {
			n.SetStatus(types.StatusInvalidated)
		}
		m.listeners.notifyStatusChanged(n, old)
	}
	for _, p := range props {
		old := p.Status()
		if old == types.StatusNew {
			p.SetStatus(types.StatusStaleDestroyed)
		} else {
			p.SetStatus(types.StatusInvalidated)
		}
		m.listeners.notifyStatusChanged(p, old)
	}
}
