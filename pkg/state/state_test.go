package state

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-db/arbor/pkg/types"
)

// fakeStore is a strict in-memory Store for tests; lookups miss with
// ErrNotFound and Apply mutates the maps atomically enough for tests.
type fakeStore struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*NodeState
	props map[types.PropertyID]*PropertyState
	refs  map[types.NodeID][]types.PropertyID

	loadCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes: make(map[types.NodeID]*NodeState),
		props: make(map[types.PropertyID]*PropertyState),
		refs:  make(map[types.NodeID][]types.PropertyID),
	}
}

func (f *fakeStore) LoadNode(id types.NodeID) (*NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCount++
	if n, ok := f.nodes[id]; ok {
		return n.Clone(), nil
	}
	return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
}

func (f *fakeStore) LoadProperty(id types.PropertyID) (*PropertyState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCount++
	if p, ok := f.props[id]; ok {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("property %s: %w", id, ErrNotFound)
}

func (f *fakeStore) ChildInfos(id types.NodeID) (ChildCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return NewSliceCursor(n.Children()), nil
}

func (f *fakeStore) References(id types.NodeID) ([]types.PropertyID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PropertyID(nil), f.refs[id]...), nil
}

func (f *fakeStore) Apply(cs ChangeSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range cs.Nodes {
		switch n.Status() {
		case types.StatusExistingRemoved:
			delete(f.nodes, n.ID)
		default:
			cp := n.Clone()
			cp.SetStatus(types.StatusExisting)
			f.nodes[n.ID] = cp
		}
	}
	for _, p := range cs.Properties {
		switch p.Status() {
		case types.StatusExistingRemoved:
			delete(f.props, p.ID)
		default:
			cp := p.Clone()
			cp.SetStatus(types.StatusExisting)
			f.props[p.ID] = cp
		}
	}
	return nil
}

// seedNode persists a plain node directly into the fake store.
func (f *fakeStore) seedNode(parent types.NodeID) *NodeState {
	n := NewNodeState(types.NewNodeID(), parent, types.NodeDefinition{Type: "test:node"}, types.StatusExisting)
	f.mu.Lock()
	f.nodes[n.ID] = n
	f.mu.Unlock()
	return n
}

func (f *fakeStore) seedProperty(parent types.NodeID, name string, values ...types.Value) *PropertyState {
	def := types.PropertyDefinition{Name: name, Type: values[0].Type, Multiple: len(values) > 1}
	p := NewPropertyState(types.PropertyID{ParentID: parent, Name: name}, def, values, types.StatusExisting)
	f.mu.Lock()
	f.props[p.ID] = p
	f.mu.Unlock()
	return p
}

// recordingListener counts creation events per state key.
type recordingListener struct {
	mu       sync.Mutex
	created  map[string]int
	statuses []string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{created: make(map[string]int)}
}

func (r *recordingListener) StateCreated(s ItemState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[s.Key()]++
}

func (r *recordingListener) StatusChanged(s ItemState, old types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, fmt.Sprintf("%s:%s->%s", s.Key(), old, s.Status()))
}

func (r *recordingListener) createdCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created[key]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newChain registers the listener once per factory layer, the way the
// repository bus is wired: shared-layer materializations arrive from the
// shared layer, local allocations from the overlay.
func newChain(t *testing.T) (*fakeStore, *SharedManager, *LocalManager, *recordingListener) {
	t.Helper()
	store := newFakeStore()
	shared := NewSharedManager(store, testLogger())
	local := NewLocalManager(shared, testLogger())
	t.Cleanup(local.Close)

	listener := newRecordingListener()
	shared.AddListener(listener)
	local.AddListener(listener)
	return store, shared, local, listener
}

func TestReadThroughCachesAndNotifiesOnce(t *testing.T) {
	store, shared, local, listener := newChain(t)
	seeded := store.seedNode(types.NodeID{})

	first, err := local.GetNodeState(seeded.ID)
	require.NoError(t, err)
	second, err := local.GetNodeState(seeded.ID)
	require.NoError(t, err)

	assert.Same(t, first, second, "cache must return the same instance")
	assert.Equal(t, 1, store.loadCount)
	assert.Equal(t, 1, listener.createdCount(first.Key()),
		"pass-through creation must be announced exactly once")
	assert.True(t, shared.Cached(first.Key()))
}

func TestConcurrentReadThroughNotifiesOnce(t *testing.T) {
	store, _, local, listener := newChain(t)
	seeded := store.seedNode(types.NodeID{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := local.GetNodeState(seeded.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, listener.createdCount(NodeKey(seeded.ID)))
}

func TestGetNodeStateNotFound(t *testing.T) {
	_, _, local, _ := newChain(t)

	_, err := local.GetNodeState(types.NewNodeID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateNewNodeStateNotifiesOnce(t *testing.T) {
	_, _, local, listener := newChain(t)

	st := local.CreateNewNodeState(types.NewNodeID(), types.NodeDefinition{Type: "test:doc", Versionable: true})
	assert.Equal(t, types.StatusNew, st.Status())
	assert.True(t, st.CheckedOut)
	assert.Equal(t, types.HistoryOf(st.ID), st.HistoryID)
	assert.Equal(t, 1, listener.createdCount(st.Key()))

	// reading it back goes through the overlay, never re-announcing
	got, err := local.GetNodeState(st.ID)
	require.NoError(t, err)
	assert.Same(t, st, got)
	assert.Equal(t, 1, listener.createdCount(st.Key()))
}

func TestCreateNewPropertyStateValidation(t *testing.T) {
	_, _, local, listener := newChain(t)
	parent := types.NewNodeID()

	_, err := local.CreateNewPropertyState(parent,
		types.PropertyDefinition{Name: "title", Type: types.TypeString},
		[]types.Value{types.LongValue(1)})
	assert.Error(t, err, "type mismatch must fail")

	_, err = local.CreateNewPropertyState(parent,
		types.PropertyDefinition{Name: "title", Type: types.TypeString},
		[]types.Value{types.StringValue("a"), types.StringValue("b")})
	assert.Error(t, err, "multiple values on single-valued property must fail")

	st, err := local.CreateNewPropertyState(parent,
		types.PropertyDefinition{Name: "title", Type: types.TypeString},
		[]types.Value{types.StringValue("hello")})
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, st.Status())
	assert.Equal(t, 1, listener.createdCount(st.Key()))
}

func TestModifiableCopyLeavesSharedUntouched(t *testing.T) {
	store, shared, local, _ := newChain(t)
	seeded := store.seedNode(types.NodeID{})

	sharedState, err := shared.GetNodeState(seeded.ID)
	require.NoError(t, err)

	mod, err := local.ModifiableNodeState(seeded.ID)
	require.NoError(t, err)
	assert.NotSame(t, sharedState, mod)
	assert.Equal(t, types.StatusExistingModified, mod.Status())

	mod.AddChild("child", types.NewNodeID())
	assert.Len(t, sharedState.Children(), 0, "shared copy must never be mutated")

	again, err := local.ModifiableNodeState(seeded.ID)
	require.NoError(t, err)
	assert.Same(t, mod, again)
}

func TestReferencesEmptyForNewStates(t *testing.T) {
	store, _, local, _ := newChain(t)

	st := local.CreateNewNodeState(types.NewNodeID(), types.NodeDefinition{Type: "test:doc"})
	// even with a reference recorded in the store, New short-circuits
	store.refs[st.ID] = []types.PropertyID{{ParentID: types.NewNodeID(), Name: "ref"}}

	refs, err := local.References(st)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestReferencesServedForExistingStates(t *testing.T) {
	store, _, local, _ := newChain(t)
	seeded := store.seedNode(types.NodeID{})
	want := types.PropertyID{ParentID: types.NewNodeID(), Name: "ref"}
	store.refs[seeded.ID] = []types.PropertyID{want}

	st, err := local.GetNodeState(seeded.ID)
	require.NoError(t, err)
	refs, err := local.References(st)
	require.NoError(t, err)
	assert.Equal(t, []types.PropertyID{want}, refs)
}

func TestDeleteSemantics(t *testing.T) {
	store, _, local, _ := newChain(t)

	// deleting a New state drops it outright
	created := local.CreateNewNodeState(types.NewNodeID(), types.NodeDefinition{Type: "test:doc"})
	require.NoError(t, local.DeleteNodeState(created.ID))
	_, err := local.GetNodeState(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, local.HasChanges())

	// deleting a persisted state marks it removed until save
	seeded := store.seedNode(types.NodeID{})
	require.NoError(t, local.DeleteNodeState(seeded.ID))
	_, err = local.GetNodeState(seeded.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	cs := local.Changes()
	require.Len(t, cs.Nodes, 1)
	assert.Equal(t, types.StatusExistingRemoved, cs.Nodes[0].Status())
}

func TestDiscardRestoresPersistedContentAndIsIdempotent(t *testing.T) {
	store, _, local, _ := newChain(t)
	seeded := store.seedNode(types.NodeID{})
	store.seedProperty(seeded.ID, "title", types.StringValue("original"))

	for i := 0; i < 3; i++ {
		mod, err := local.ModifiablePropertyState(types.PropertyID{ParentID: seeded.ID, Name: "title"})
		require.NoError(t, err)
		require.NoError(t, mod.SetValues([]types.Value{types.StringValue(fmt.Sprintf("draft-%d", i))}))
	}
	require.True(t, local.HasChanges())

	local.Discard()
	assert.False(t, local.HasChanges())

	got, err := local.GetPropertyState(types.PropertyID{ParentID: seeded.ID, Name: "title"})
	require.NoError(t, err)
	assert.True(t, types.ValuesEqual(got.Values(), []types.Value{types.StringValue("original")}),
		"discard must restore the persisted content")

	// a second discard is a no-op
	local.Discard()
	assert.False(t, local.HasChanges())
}

func TestCommitAdoptsChangesIntoSharedLayer(t *testing.T) {
	store, shared, local, _ := newChain(t)

	st := local.CreateNewNodeState(types.NodeID{}, types.NodeDefinition{Type: "test:doc"})
	cs := local.Changes()
	require.NoError(t, store.Apply(cs))
	require.NoError(t, local.Commit(cs))

	assert.False(t, local.HasChanges())
	adopted, err := shared.GetNodeState(st.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExisting, adopted.Status())
	assert.Equal(t, 0, store.loadCount, "adopted state must be served from cache")
}

func TestChildInfosCursorIsRestartable(t *testing.T) {
	store, _, local, _ := newChain(t)
	parent := store.seedNode(types.NodeID{})

	mod, err := local.ModifiableNodeState(parent.ID)
	require.NoError(t, err)
	a := mod.AddChild("a", types.NewNodeID())
	b := mod.AddChild("a", types.NewNodeID())
	assert.Equal(t, 1, a.Index)
	assert.Equal(t, 2, b.Index, "same-name siblings get increasing indexes")

	cur, err := local.ChildInfos(parent.ID)
	require.NoError(t, err)

	var names []string
	for info, ok := cur.Next(); ok; info, ok = cur.Next() {
		names = append(names, fmt.Sprintf("%s[%d]", info.Name, info.Index))
	}
	assert.Equal(t, []string{"a[1]", "a[2]"}, names)

	cur.Reset()
	info, ok := cur.Next()
	require.True(t, ok)
	assert.Equal(t, "a", info.Name)
}

func TestInvalidateEvictsAndNotifies(t *testing.T) {
	store, shared, local, listener := newChain(t)
	seeded := store.seedNode(types.NodeID{})

	st, err := local.GetNodeState(seeded.ID)
	require.NoError(t, err)

	shared.Invalidate(st.Key())
	assert.Equal(t, types.StatusInvalidated, st.Status())
	assert.False(t, shared.Cached(st.Key()))

	// the shared-layer status change reached the listener
	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.NotEmpty(t, listener.statuses)
}

func TestSharedCreationReachesListenerOnceAcrossOverlays(t *testing.T) {
	store := newFakeStore()
	shared := NewSharedManager(store, testLogger())
	first := NewLocalManager(shared, testLogger())
	t.Cleanup(first.Close)
	second := NewLocalManager(shared, testLogger())
	t.Cleanup(second.Close)

	// One bus-style listener, registered once on the shared layer and on
	// each overlay.
	listener := newRecordingListener()
	shared.AddListener(listener)
	first.AddListener(listener)
	second.AddListener(listener)

	seeded := store.seedNode(types.NodeID{})
	_, err := first.GetNodeState(seeded.ID)
	require.NoError(t, err)
	_, err = second.GetNodeState(seeded.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, listener.createdCount(NodeKey(seeded.ID)),
		"one materialization must reach the listener once, not once per overlay")

	// Local allocations still announce once, from the owning overlay.
	st := first.CreateNewNodeState(seeded.ID, types.NodeDefinition{Type: "test:doc"})
	assert.Equal(t, 1, listener.createdCount(st.Key()))
}

func TestOverlayCloneGoesStaleWhenSharedTruthMoves(t *testing.T) {
	store := newFakeStore()
	shared := NewSharedManager(store, testLogger())
	writer := NewLocalManager(shared, testLogger())
	t.Cleanup(writer.Close)
	reader := NewLocalManager(shared, testLogger())
	t.Cleanup(reader.Close)

	seeded := store.seedNode(types.NodeID{})
	pid := types.PropertyID{ParentID: seeded.ID, Name: "title"}
	store.seedProperty(seeded.ID, "title", types.StringValue("original"))

	// Both sessions clone the same property for editing.
	held, err := reader.ModifiablePropertyState(pid)
	require.NoError(t, err)
	require.NoError(t, held.SetValues([]types.Value{types.StringValue("reader draft")}))

	mod, err := writer.ModifiablePropertyState(pid)
	require.NoError(t, err)
	require.NoError(t, mod.SetValues([]types.Value{types.StringValue("writer wins")}))

	// The writer saves first; the reader's clone is now stale and its save
	// must be refused rather than overwrite the newer truth.
	cs := writer.Changes()
	require.NoError(t, store.Apply(cs))
	require.NoError(t, writer.Commit(cs))

	assert.Equal(t, types.StatusStaleModified, held.Status())
	assert.True(t, reader.HasStale())
	assert.False(t, writer.HasStale(), "the committing overlay is emptied, never self-flagged")

	// Discard clears the stale clone; a fresh read serves the new truth.
	reader.Discard()
	assert.False(t, reader.HasStale())
	got, err := reader.GetPropertyState(pid)
	require.NoError(t, err)
	assert.Equal(t, "writer wins", got.Values()[0].Str)
}

func TestOverlayRemovalGoesStaleDestroyed(t *testing.T) {
	store := newFakeStore()
	shared := NewSharedManager(store, testLogger())
	writer := NewLocalManager(shared, testLogger())
	t.Cleanup(writer.Close)
	remover := NewLocalManager(shared, testLogger())
	t.Cleanup(remover.Close)

	seeded := store.seedNode(types.NodeID{})
	require.NoError(t, remover.DeleteNodeState(seeded.ID))

	mod, err := writer.ModifiableNodeState(seeded.ID)
	require.NoError(t, err)
	mod.AddPropertyName("touched")
	cs := writer.Changes()
	require.NoError(t, store.Apply(cs))
	require.NoError(t, writer.Commit(cs))

	assert.True(t, remover.HasStale())
	st, err := removedOverlayNode(remover, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStaleDestroyed, st.Status())
}

// removedOverlayNode digs the transiently removed clone out of the overlay;
// GetNodeState hides removed states behind ErrNotFound.
func removedOverlayNode(m *LocalManager, id types.NodeID) (*NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.nodes[NodeKey(id)]; ok {
		return st, nil
	}
	return nil, ErrNotFound
}

func TestChildAndPropertyAccessorsReturnCopies(t *testing.T) {
	n := NewNodeState(types.NewNodeID(), types.NodeID{}, types.NodeDefinition{Type: "test:node"}, types.StatusNew)
	n.AddChild("a", types.NewNodeID())
	n.AddChild("b", types.NewNodeID())
	n.AddPropertyName("title")
	n.AddPropertyName("tags")

	children := n.Children()
	children[0].Name = "mangled"
	assert.Equal(t, "a", n.Children()[0].Name)

	names := n.PropertyNames()
	names[0] = "mangled"
	assert.Equal(t, []string{"title", "tags"}, n.PropertyNames())

	// mutating while ranging over a snapshot must visit every entry
	var removed []string
	for _, name := range n.PropertyNames() {
		n.RemovePropertyName(name)
		removed = append(removed, name)
	}
	assert.Equal(t, []string{"title", "tags"}, removed)
	assert.Empty(t, n.PropertyNames())
}
