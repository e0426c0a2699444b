package persistence

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-db/arbor/internal/keyValStore"
	"github.com/arbor-db/arbor/internal/testutil"
	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
	"github.com/arbor-db/arbor/pkg/version"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{t.TempDir()},
		MinimumFreeSpace: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv, testLogger())
}

func seedNode(t *testing.T, s *Store, parent types.NodeID) *state.NodeState {
	t.Helper()
	n := state.NewNodeState(types.NewNodeID(), parent, types.NodeDefinition{Type: "test:node"}, types.StatusNew)
	require.NoError(t, s.Apply(state.ChangeSet{Nodes: []*state.NodeState{n}}))
	return n
}

func TestNodeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	n := state.NewNodeState(types.NewNodeID(), types.NewNodeID(), types.NodeDefinition{Type: "test:doc", Versionable: true, Policy: types.PolicyVersion}, types.StatusNew)
	n.AddChild("child", types.NewNodeID())
	n.AddChild("child", types.NewNodeID())
	n.AddPropertyName("title")
	n.HistoryID = types.HistoryOf(n.ID)
	n.BaseVersion = types.NewVersionID()
	n.CheckedOut = true

	require.NoError(t, s.Apply(state.ChangeSet{Nodes: []*state.NodeState{n}}))

	got, err := s.LoadNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.ParentID, got.ParentID)
	assert.Equal(t, n.Def, got.Def)
	assert.Equal(t, n.Children(), got.Children())
	assert.Equal(t, []string{"title"}, got.PropertyNames())
	assert.Equal(t, n.HistoryID, got.HistoryID)
	assert.Equal(t, n.BaseVersion, got.BaseVersion)
	assert.True(t, got.CheckedOut)
	assert.Equal(t, types.StatusExisting, got.Status())
}

func TestLoadMissesWithNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadNode(types.NewNodeID())
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = s.LoadProperty(types.PropertyID{ParentID: types.NewNodeID(), Name: "title"})
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = s.GetHistory(types.HistoryOf(types.NewNodeID()))
	assert.ErrorIs(t, err, version.ErrNotFound)

	_, err = s.GetFrozen(types.NewNodeID())
	assert.ErrorIs(t, err, version.ErrNotFound)
}

func TestPropertyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	parent := seedNode(t, s, types.NodeID{})

	pid := types.PropertyID{ParentID: parent.ID, Name: "tags"}
	def := types.PropertyDefinition{Name: "tags", Type: types.TypeString, Multiple: true}
	p := state.NewPropertyState(pid, def, []types.Value{types.StringValue("a"), types.StringValue("b")}, types.StatusNew)

	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))

	got, err := s.LoadProperty(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, got.ID)
	assert.Equal(t, def, got.Def)
	assert.True(t, types.ValuesEqual(p.Values(), got.Values()))
}

func TestLargeBinaryIsChunkedAndReassembled(t *testing.T) {
	s := newTestStore(t)
	parent := seedNode(t, s, types.NodeID{})

	payload := make([]byte, 512*1024)
	rnd := rand.New(rand.NewSource(42))
	_, err := rnd.Read(payload)
	require.NoError(t, err)

	pid := types.PropertyID{ParentID: parent.ID, Name: "blob"}
	def := types.PropertyDefinition{Name: "blob", Type: types.TypeBinary}
	p := state.NewPropertyState(pid, def, []types.Value{types.BinaryValue(payload)}, types.StatusNew)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))

	// the stored record must not inline the payload
	raw, err := s.kv.Read(propertyKey(pid))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(payload)/2)

	got, err := s.LoadProperty(pid)
	require.NoError(t, err)
	values := got.Values()
	require.Len(t, values, 1)
	assert.True(t, bytes.Equal(payload, values[0].Bin))
}

func TestApplyDeletesRemovedRecords(t *testing.T) {
	s := newTestStore(t)
	n := seedNode(t, s, types.NodeID{})

	pid := types.PropertyID{ParentID: n.ID, Name: "title"}
	def := types.PropertyDefinition{Name: "title", Type: types.TypeString}
	p := state.NewPropertyState(pid, def, []types.Value{types.StringValue("x")}, types.StatusNew)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))

	n.SetStatus(types.StatusExistingRemoved)
	p.SetStatus(types.StatusExistingRemoved)
	require.NoError(t, s.Apply(state.ChangeSet{
		Nodes:      []*state.NodeState{n},
		Properties: []*state.PropertyState{p},
	}))

	_, err := s.LoadNode(n.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = s.LoadProperty(pid)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestBackReferenceIndexFollowsReferenceProperties(t *testing.T) {
	s := newTestStore(t)
	target := seedNode(t, s, types.NodeID{})
	other := seedNode(t, s, types.NodeID{})
	owner := seedNode(t, s, types.NodeID{})

	pid := types.PropertyID{ParentID: owner.ID, Name: "link"}
	def := types.PropertyDefinition{Name: "link", Type: types.TypeReference}
	p := state.NewPropertyState(pid, def, []types.Value{types.ReferenceValue(target.ID)}, types.StatusNew)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))

	refs, err := s.References(target.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.PropertyID{pid}, refs)

	// retargeting moves the index entry
	p.SetStatus(types.StatusExistingModified)
	require.NoError(t, p.SetValues([]types.Value{types.ReferenceValue(other.ID)}))
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))

	refs, err = s.References(target.ID)
	require.NoError(t, err)
	assert.Empty(t, refs)
	refs, err = s.References(other.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.PropertyID{pid}, refs)

	// removing the property clears the index
	p.SetStatus(types.StatusExistingRemoved)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))
	refs, err = s.References(other.ID)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestChildInfosCursor(t *testing.T) {
	s := newTestStore(t)

	n := state.NewNodeState(types.NewNodeID(), types.NodeID{}, types.NodeDefinition{Type: "test:node"}, types.StatusNew)
	a := n.AddChild("a", types.NewNodeID())
	b := n.AddChild("b", types.NewNodeID())
	require.NoError(t, s.Apply(state.ChangeSet{Nodes: []*state.NodeState{n}}))

	cursor, err := s.ChildInfos(n.ID)
	require.NoError(t, err)

	var got []types.ChildInfo
	for {
		info, ok := cursor.Next()
		if !ok {
			break
		}
		got = append(got, info)
	}
	assert.Equal(t, []types.ChildInfo{a, b}, got)
}

func TestFrozenRecordsAreCompressed(t *testing.T) {
	s := newTestStore(t)

	id := types.NewNodeID()
	payload := bytes.Repeat([]byte(`{"name":"frozen","values":["same","same","same"]}`), 200)
	require.NoError(t, s.PutFrozen(id, payload))

	stored, err := s.kv.Read(frozenKey(id))
	require.NoError(t, err)
	assert.Less(t, len(stored), len(payload))

	got, err := s.GetFrozen(id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	require.NoError(t, s.DeleteFrozen(id))
	_, err = s.GetFrozen(id)
	assert.ErrorIs(t, err, version.ErrNotFound)
}

func TestHistoryRecordsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id := types.HistoryOf(types.NewNodeID())
	payload := []byte(`{"id":"x","versions":[]}`)
	require.NoError(t, s.PutHistory(id, payload))

	got, err := s.GetHistory(id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestManyLargeBinariesSurviveReload(t *testing.T) {
	testutil.RequireLong(t)

	s := newTestStore(t)
	parent := seedNode(t, s, types.NodeID{})
	rnd := rand.New(rand.NewSource(7))

	const blobs = 16
	payloads := make(map[string][]byte, blobs)
	var props []*state.PropertyState
	for i := 0; i < blobs; i++ {
		payload := make([]byte, 2*1024*1024)
		_, err := rnd.Read(payload)
		require.NoError(t, err)

		name := fmt.Sprintf("blob-%02d", i)
		payloads[name] = payload
		pid := types.PropertyID{ParentID: parent.ID, Name: name}
		def := types.PropertyDefinition{Name: name, Type: types.TypeBinary}
		props = append(props, state.NewPropertyState(pid, def, []types.Value{types.BinaryValue(payload)}, types.StatusNew))
	}
	require.NoError(t, s.Apply(state.ChangeSet{Properties: props}))

	for name, payload := range payloads {
		got, err := s.LoadProperty(types.PropertyID{ParentID: parent.ID, Name: name})
		require.NoError(t, err)
		values := got.Values()
		require.Len(t, values, 1)
		require.True(t, bytes.Equal(payload, values[0].Bin), "payload mismatch for %s", name)
	}
}

func countKeysWithPrefix(t *testing.T, s *Store, prefix string) int {
	t.Helper()
	items, err := s.kv.GetItemsWithPrefix([]byte(prefix))
	require.NoError(t, err)
	return len(items)
}

func applyBinaryProperty(t *testing.T, s *Store, parent types.NodeID, name string, payload []byte, status types.Status) types.PropertyID {
	t.Helper()
	pid := types.PropertyID{ParentID: parent, Name: name}
	def := types.PropertyDefinition{Name: name, Type: types.TypeBinary}
	p := state.NewPropertyState(pid, def, []types.Value{types.BinaryValue(payload)}, status)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{p}}))
	return pid
}

func TestRemovedBinaryPropertyReclaimsChunks(t *testing.T) {
	s := newTestStore(t)
	parent := seedNode(t, s, types.NodeID{})

	payload := make([]byte, 512*1024)
	rnd := rand.New(rand.NewSource(11))
	_, err := rnd.Read(payload)
	require.NoError(t, err)

	pid := applyBinaryProperty(t, s, parent.ID, "blob", payload, types.StatusNew)
	require.Greater(t, countKeysWithPrefix(t, s, "c:"), 0)

	removed := state.NewPropertyState(pid, types.PropertyDefinition{Name: "blob", Type: types.TypeBinary}, nil, types.StatusExistingRemoved)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{removed}}))

	assert.Equal(t, 0, countKeysWithPrefix(t, s, "c:"), "orphaned chunks must be reclaimed")
	assert.Equal(t, 0, countKeysWithPrefix(t, s, "cc:"), "refcount records go with their chunks")
}

func TestSharedChunksSurviveUntilLastReference(t *testing.T) {
	s := newTestStore(t)
	parent := seedNode(t, s, types.NodeID{})

	payload := make([]byte, 256*1024)
	rnd := rand.New(rand.NewSource(12))
	_, err := rnd.Read(payload)
	require.NoError(t, err)

	first := applyBinaryProperty(t, s, parent.ID, "copy-a", payload, types.StatusNew)
	second := applyBinaryProperty(t, s, parent.ID, "copy-b", payload, types.StatusNew)

	removed := state.NewPropertyState(first, types.PropertyDefinition{Name: "copy-a", Type: types.TypeBinary}, nil, types.StatusExistingRemoved)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{removed}}))

	// identical content shares chunks; the survivor must still load
	got, err := s.LoadProperty(second)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got.Values()[0].Bin))

	removed = state.NewPropertyState(second, types.PropertyDefinition{Name: "copy-b", Type: types.TypeBinary}, nil, types.StatusExistingRemoved)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{removed}}))
	assert.Equal(t, 0, countKeysWithPrefix(t, s, "c:"))
}

func TestOverwritingBinaryReleasesOldChunks(t *testing.T) {
	s := newTestStore(t)
	parent := seedNode(t, s, types.NodeID{})

	payload := make([]byte, 256*1024)
	rnd := rand.New(rand.NewSource(13))
	_, err := rnd.Read(payload)
	require.NoError(t, err)

	pid := applyBinaryProperty(t, s, parent.ID, "blob", payload, types.StatusNew)
	require.Greater(t, countKeysWithPrefix(t, s, "c:"), 0)

	// a small replacement is inlined; the externalized chunks go away
	small := state.NewPropertyState(pid, types.PropertyDefinition{Name: "blob", Type: types.TypeBinary},
		[]types.Value{types.BinaryValue([]byte("tiny"))}, types.StatusExistingModified)
	require.NoError(t, s.Apply(state.ChangeSet{Properties: []*state.PropertyState{small}}))

	assert.Equal(t, 0, countKeysWithPrefix(t, s, "c:"))
	got, err := s.LoadProperty(pid)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got.Values()[0].Bin)
}
