package state

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/arbor-db/arbor/pkg/types"
)

// SharedManager is the persistent-backed factory layer. It materializes
// item states from the store, caches them, and announces each materialized
// state exactly once. Cached states are shared across sessions and must
// never be mutated in place; sessions wanting changes clone them into their
// transient overlay.
type SharedManager struct {
	log   *slog.Logger
	store Store

	mu    sync.RWMutex
	cache map[string]ItemState

	omu      sync.Mutex
	overlays map[*LocalManager]struct{}

	listeners listenerSet
}

// NewSharedManager builds the shared layer over the given persistent store.
func NewSharedManager(store Store, log *slog.Logger) *SharedManager {
	return &SharedManager{
		log:      log,
		store:    store,
		cache:    make(map[string]ItemState),
		overlays: make(map[*LocalManager]struct{}),
	}
}

func (m *SharedManager) attachOverlay(o *LocalManager) {
	m.omu.Lock()
	m.overlays[o] = struct{}{}
	m.omu.Unlock()
}

func (m *SharedManager) detachOverlay(o *LocalManager) {
	m.omu.Lock()
	delete(m.overlays, o)
	m.omu.Unlock()
}

// AddListener registers a listener for states this layer allocates.
func (m *SharedManager) AddListener(l Listener) {
	m.listeners.add(l)
}

// RemoveListener unregisters a listener.
func (m *SharedManager) RemoveListener(l Listener) {
	m.listeners.remove(l)
}

// GetNodeState returns the shared state for id, reading through to the
// store on a cache miss. The returned state is shared; callers must not
// mutate it.
func (m *SharedManager) GetNodeState(id types.NodeID) (*NodeState, error) {
	key := NodeKey(id)

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cached.(*NodeState), nil
	}

	loaded, err := m.store.LoadNode(id)
	if err != nil {
		return nil, err
	}
	loaded.SetStatus(types.StatusExisting)

	st, fresh := m.intern(key, loaded)
	if fresh {
		m.listeners.notifyCreated(st)
	}
	return st.(*NodeState), nil
}

// GetPropertyState returns the shared state for id, reading through to the
// store on a cache miss.
func (m *SharedManager) GetPropertyState(id types.PropertyID) (*PropertyState, error) {
	key := PropertyKey(id)

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cached.(*PropertyState), nil
	}

	loaded, err := m.store.LoadProperty(id)
	if err != nil {
		return nil, err
	}
	loaded.SetStatus(types.StatusExisting)

	st, fresh := m.intern(key, loaded)
	if fresh {
		m.listeners.notifyCreated(st)
	}
	return st.(*PropertyState), nil
}

// intern inserts the loaded state unless a concurrent load won the race.
// Exactly one caller observes fresh=true per materialization; that caller
// owns the creation notification.
func (m *SharedManager) intern(key string, loaded ItemState) (ItemState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.cache[key]; ok {
		return cached, false
	}
	m.cache[key] = loaded
	return loaded, true
}

// ChildInfos returns a restartable cursor over the persisted child
// descriptors of the node.
func (m *SharedManager) ChildInfos(id types.NodeID) (ChildCursor, error) {
	return m.store.ChildInfos(id)
}

// References returns the reference properties pointing at the node. A state
// with status New cannot yet be referenced by anything persisted, so the
// result is empty unconditionally; this short-circuit is part of the
// contract, not an optimization.
func (m *SharedManager) References(st *NodeState) ([]types.PropertyID, error) {
	if st.Status() == types.StatusNew {
		return nil, nil
	}
	return m.store.References(st.ID)
}

// Invalidate marks the cached state stale and evicts it. The next read
// materializes a fresh copy from the store.
func (m *SharedManager) Invalidate(key string) {
	m.mu.Lock()
	st, ok := m.cache[key]
	if ok {
		delete(m.cache, key)
	}
	m.mu.Unlock()

	if ok {
		old := st.Status()
		st.SetStatus(types.StatusInvalidated)
		m.listeners.notifyStatusChanged(st, old)
	}
}

// Cached reports whether the key is currently materialized.
func (m *SharedManager) Cached(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cache[key]
	return ok
}

// AdoptCommitted replaces the cached copies for a change set that was just
// persisted by the given overlay. Written records become the new shared
// truth with status Existing; removed records are evicted. Other overlays
// holding clones of the replaced keys are flagged stale so their save is
// refused instead of overwriting the newer truth. No creation
// notifications fire here: every state in the set was announced when it
// was first allocated.
func (m *SharedManager) AdoptCommitted(cs ChangeSet, from *LocalManager) error {
	type adoptedKey struct {
		key    string
		isNode bool
	}
	var keys []adoptedKey

	m.mu.Lock()
	for _, n := range cs.Nodes {
		key := NodeKey(n.ID)
		switch n.Status() {
		case types.StatusNew, types.StatusExistingModified:
			adopted := n.Clone()
			adopted.SetStatus(types.StatusExisting)
			m.cache[key] = adopted
		case types.StatusExistingRemoved:
			delete(m.cache, key)
		default:
			m.mu.Unlock()
			return fmt.Errorf("adopt node %s: unexpected status %s", n.ID, n.Status())
		}
		keys = append(keys, adoptedKey{key: key, isNode: true})
	}
	for _, p := range cs.Properties {
		key := PropertyKey(p.ID)
		switch p.Status() {
		case types.StatusNew, types.StatusExistingModified:
			adopted := p.Clone()
			adopted.SetStatus(types.StatusExisting)
			m.cache[key] = adopted
		case types.StatusExistingRemoved:
			delete(m.cache, key)
		default:
			m.mu.Unlock()
			return fmt.Errorf("adopt property %s: unexpected status %s", p.ID, p.Status())
		}
		keys = append(keys, adoptedKey{key: key, isNode: false})
	}
	m.mu.Unlock()

	m.omu.Lock()
	others := make([]*LocalManager, 0, len(m.overlays))
	for o := range m.overlays {
		if o != from {
			others = append(others, o)
		}
	}
	m.omu.Unlock()

	for _, o := range others {
		for _, k := range keys {
			o.markStale(k.key, k.isNode)
		}
	}
	return nil
}
