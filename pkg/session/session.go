// Package session implements the unit of work against the repository: a
// session-private transient overlay over the shared item-state layer, a
// hierarchy index, save/discard, and the versioning entry points.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arbor-db/arbor/pkg/hierarchy"
	"github.com/arbor-db/arbor/pkg/interfaces"
	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
	"github.com/arbor-db/arbor/pkg/version"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")
	// ErrPendingChanges is returned when a versioning operation requires a
	// saved session but transient changes are present.
	ErrPendingChanges = errors.New("session: unsaved changes present")
	// ErrRootRemoval is returned when a removal targets the root node.
	ErrRootRemoval = errors.New("session: root node cannot be removed")
)

// AccessDeniedError reports a gate refusal. The operation had no effect.
type AccessDeniedError struct {
	Action interfaces.Action
	Target types.NodeID
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("session: %s on %s denied", e.Action, e.Target)
}

// Deps are the collaborators a session runs against. Store, Shared,
// Versions and RootID are required; Gate defaults to permitting everything.
type Deps struct {
	Store    state.Store
	Shared   *state.SharedManager
	Versions *version.Store
	RootID   types.NodeID
	Gate     interfaces.AccessGate
	Logger   *slog.Logger
}

// Session is one unit of work. Its transient overlay is single-writer:
// only this session mutates it, and nothing in it is visible to other
// sessions until Save merges it into the persistent store.
type Session struct {
	id       uuid.UUID
	log      *slog.Logger
	store    state.Store
	shared   *state.SharedManager
	versions *version.Store
	gate     interfaces.AccessGate
	rootID   types.NodeID

	mu       sync.Mutex
	local    *state.LocalManager
	tree     *hierarchy.Manager
	restorer *version.Restorer
	closed   bool
}

// New opens a session over the given collaborators.
func New(deps Deps) (*Session, error) {
	if deps.Store == nil || deps.Shared == nil || deps.Versions == nil {
		return nil, errors.New("session: store, shared manager and version store are required")
	}
	if deps.RootID.IsZero() {
		return nil, errors.New("session: root node id is required")
	}
	if deps.Gate == nil {
		deps.Gate = interfaces.OpenGate{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	id := uuid.New()
	log := deps.Logger.With("session", id.String())
	local := state.NewLocalManager(deps.Shared, log)

	return &Session{
		id:       id,
		log:      log,
		store:    deps.Store,
		shared:   deps.Shared,
		versions: deps.Versions,
		gate:     deps.Gate,
		rootID:   deps.RootID,
		local:    local,
		tree:     hierarchy.NewManager(local, deps.RootID, log),
		restorer: version.NewRestorer(deps.Versions, local),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// AddListener registers a state listener on the session's overlay. The
// overlay forwards shared-layer events, so one registration observes both
// layers.
func (s *Session) AddListener(l state.Listener) {
	s.local.AddListener(l)
}

// Close discards pending changes and releases the overlay. Operations on
// a closed session fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.local.Close()
}

func (s *Session) allowed(action interfaces.Action, target types.NodeID) error {
	if !s.gate.Allowed(action, target) {
		return &AccessDeniedError{Action: action, Target: target}
	}
	return nil
}

// resolveEntry locates the node in the hierarchy index, deep-resolving
// through stored parent links on a miss.
func (s *Session) resolveEntry(id types.NodeID) (*hierarchy.Entry, *state.NodeState, error) {
	if e, ok := s.tree.Lookup(id); ok {
		st, err := s.tree.NodeState(e)
		return e, st, err
	}
	st, e, err := s.tree.DeepResolveNode(id, s.tree.Root())
	if err != nil {
		return nil, nil, err
	}
	return e, st, nil
}

// editable rejects writes below a checked-in versionable node.
func editable(n *state.NodeState) error {
	if n.Def.Versionable && !n.CheckedOut {
		return fmt.Errorf("node %s: %w", n.ID, version.ErrCheckedIn)
	}
	return nil
}

// RootNode returns the root node's state.
func (s *Session) RootNode() (*state.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.tree.NodeState(s.tree.Root())
}

// Node returns the node's state, resolving its hierarchy position on the
// way.
func (s *Session) Node(id types.NodeID) (*state.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	_, st, err := s.resolveEntry(id)
	return st, err
}

// NodeByPath resolves an absolute path like /docs/report[2]/draft.
func (s *Session) NodeByPath(path string) (*state.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e := s.tree.Root()
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		name, index, err := splitSegment(segment)
		if err != nil {
			return nil, err
		}
		e, err = s.tree.ResolveChild(e, name, index)
		if err != nil {
			return nil, err
		}
	}
	return s.tree.NodeState(e)
}

func splitSegment(segment string) (string, int, error) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, 1, nil
	}
	if !strings.HasSuffix(segment, "]") {
		return "", 0, fmt.Errorf("session: malformed path segment %q", segment)
	}
	index, err := strconv.Atoi(segment[open+1 : len(segment)-1])
	if err != nil || index < 1 {
		return "", 0, fmt.Errorf("session: malformed path segment %q", segment)
	}
	return segment[:open], index, nil
}

// Path returns the node's current path in the hierarchy index.
func (s *Session) Path(id types.NodeID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	e, _, err := s.resolveEntry(id)
	if err != nil {
		return "", err
	}
	return e.Path(), nil
}

// Property returns the property's state, transient truth first.
func (s *Session) Property(nodeID types.NodeID, name string) (*state.PropertyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.local.GetPropertyState(types.PropertyID{ParentID: nodeID, Name: name})
}

// References returns the persisted reference properties pointing at the
// node. New nodes have none.
func (s *Session) References(id types.NodeID) ([]types.PropertyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	_, st, err := s.resolveEntry(id)
	if err != nil {
		return nil, err
	}
	return s.local.References(st)
}

// AddNode creates a new child node under parent and stages it in the
// overlay.
func (s *Session) AddNode(parentID types.NodeID, name string, def types.NodeDefinition) (*state.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.allowed(interfaces.ActionWrite, parentID); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, "/[]") {
		return nil, fmt.Errorf("session: invalid node name %q", name)
	}

	entry, parent, err := s.resolveEntry(parentID)
	if err != nil {
		return nil, err
	}
	if err := editable(parent); err != nil {
		return nil, err
	}

	mod, err := s.local.ModifiableNodeState(parentID)
	if err != nil {
		return nil, err
	}
	n := s.local.CreateNewNodeState(parentID, def)
	info := mod.AddChild(name, n.ID)
	s.tree.AttachNew(entry, info)
	return n, nil
}

// SetProperty creates or updates a property on the node.
func (s *Session) SetProperty(nodeID types.NodeID, name string, values []types.Value) (*state.PropertyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.allowed(interfaces.ActionWrite, nodeID); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("session: property %q needs at least one value; use RemoveProperty to delete", name)
	}

	_, node, err := s.resolveEntry(nodeID)
	if err != nil {
		return nil, err
	}
	if err := editable(node); err != nil {
		return nil, err
	}

	pid := types.PropertyID{ParentID: nodeID, Name: name}
	if node.HasProperty(name) {
		p, err := s.local.ModifiablePropertyState(pid)
		if err != nil {
			return nil, err
		}
		if err := p.SetValues(values); err != nil {
			return nil, err
		}
		return p, nil
	}

	def := types.PropertyDefinition{Name: name, Type: values[0].Type, Multiple: len(values) > 1}
	p, err := s.local.CreateNewPropertyState(nodeID, def, values)
	if err != nil {
		return nil, err
	}
	mod, err := s.local.ModifiableNodeState(nodeID)
	if err != nil {
		return nil, err
	}
	mod.AddPropertyName(name)
	return p, nil
}

// RemoveProperty deletes the property from the node.
func (s *Session) RemoveProperty(nodeID types.NodeID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.allowed(interfaces.ActionWrite, nodeID); err != nil {
		return err
	}

	_, node, err := s.resolveEntry(nodeID)
	if err != nil {
		return err
	}
	if err := editable(node); err != nil {
		return err
	}
	if !node.HasProperty(name) {
		return fmt.Errorf("property %q of %s: %w", name, nodeID, state.ErrNotFound)
	}

	if err := s.local.DeletePropertyState(types.PropertyID{ParentID: nodeID, Name: name}); err != nil {
		return err
	}
	mod, err := s.local.ModifiableNodeState(nodeID)
	if err != nil {
		return err
	}
	mod.RemovePropertyName(name)
	return nil
}

// RemoveNode deletes the node and its whole subtree from the overlay.
func (s *Session) RemoveNode(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.allowed(interfaces.ActionRemove, id); err != nil {
		return err
	}
	if id == s.rootID {
		return ErrRootRemoval
	}

	entry, node, err := s.resolveEntry(id)
	if err != nil {
		return err
	}
	parentID := node.ParentID
	if !parentID.IsZero() {
		_, parent, err := s.resolveEntry(parentID)
		if err != nil {
			return err
		}
		if err := editable(parent); err != nil {
			return err
		}
	}

	if err := s.removeSubtree(node); err != nil {
		return err
	}
	if !parentID.IsZero() {
		mod, err := s.local.ModifiableNodeState(parentID)
		if err != nil {
			return err
		}
		mod.RemoveChild(id)
	}
	s.tree.Remove(entry)
	return nil
}

func (s *Session) removeSubtree(node *state.NodeState) error {
	for _, info := range node.Children() {
		child, err := s.local.GetNodeState(info.ID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return err
		}
		if err := s.removeSubtree(child); err != nil {
			return err
		}
	}
	for _, name := range node.PropertyNames() {
		if err := s.local.DeletePropertyState(types.PropertyID{ParentID: node.ID, Name: name}); err != nil {
			return err
		}
	}
	return s.local.DeleteNodeState(node.ID)
}

// HasChanges reports whether the overlay carries unsaved work.
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.local.HasChanges()
}

// Save merges the overlay into the persistent store in one atomic step and
// creates version histories for newly saved versionable nodes.
func (s *Session) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.saveLocked()
}

func (s *Session) saveLocked() error {
	if !s.local.HasChanges() {
		return nil
	}
	if s.local.HasStale() {
		return fmt.Errorf("save session %s: %w", s.id, state.ErrStale)
	}
	cs := s.local.Changes()

	var freshHistories []types.NodeID
	for _, n := range cs.Nodes {
		if n.Status() == types.StatusNew && n.Def.Versionable {
			freshHistories = append(freshHistories, n.ID)
		}
	}

	if err := s.store.Apply(cs); err != nil {
		return fmt.Errorf("save session %s: %w", s.id, err)
	}
	if err := s.local.Commit(cs); err != nil {
		return fmt.Errorf("commit session %s: %w", s.id, err)
	}

	for _, id := range freshHistories {
		node, err := s.shared.GetNodeState(id)
		if err != nil {
			return err
		}
		if _, err := s.versions.CreateHistory(node); err != nil {
			return fmt.Errorf("create history for %s: %w", id, err)
		}
	}

	s.log.Debug("session saved",
		"nodes", len(cs.Nodes), "properties", len(cs.Properties))
	return nil
}

// Discard atomically abandons every transient change since the last save.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.local.Discard()
	s.tree = hierarchy.NewManager(s.local, s.rootID, s.log)
}

// sharedNode reads the persisted truth for a versionable node.
func (s *Session) sharedNode(id types.NodeID) (*state.NodeState, error) {
	node, err := s.shared.GetNodeState(id)
	if err != nil {
		return nil, err
	}
	if !node.Def.Versionable || node.HistoryID.IsZero() {
		return nil, fmt.Errorf("node %s: %w", id, version.ErrNotVersionable)
	}
	return node, nil
}

// Checkin freezes the node's persisted subtree into a new version and
// marks the node checked in. The session must be saved first.
func (s *Session) Checkin(id types.NodeID) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.allowed(interfaces.ActionVersion, id); err != nil {
		return nil, err
	}
	if s.local.HasChanges() {
		return nil, ErrPendingChanges
	}

	node, err := s.sharedNode(id)
	if err != nil {
		return nil, err
	}
	v, err := s.versions.Checkin(node, nil)
	if err != nil {
		return nil, err
	}

	if err := s.setVersionFlags(id, v.ID(), false); err != nil {
		return nil, err
	}
	return v, nil
}

// Checkout re-enables editing of a checked-in node. Checking out a
// checked-out node is a no-op returning the current base version. The
// session must be saved first: the flag change persists immediately and
// must not drag unrelated edits along.
func (s *Session) Checkout(id types.NodeID) (types.VersionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VersionID{}, ErrClosed
	}
	if err := s.allowed(interfaces.ActionVersion, id); err != nil {
		return types.VersionID{}, err
	}
	if s.local.HasChanges() {
		return types.VersionID{}, ErrPendingChanges
	}

	node, err := s.sharedNode(id)
	if err != nil {
		return types.VersionID{}, err
	}
	if node.CheckedOut {
		return node.BaseVersion, nil
	}

	if err := s.setVersionFlags(id, node.BaseVersion, true); err != nil {
		return types.VersionID{}, err
	}
	return node.BaseVersion, nil
}

// setVersionFlags stages and immediately persists the node's versioning
// flags.
func (s *Session) setVersionFlags(id types.NodeID, base types.VersionID, checkedOut bool) error {
	mod, err := s.local.ModifiableNodeState(id)
	if err != nil {
		return err
	}
	mod.BaseVersion = base
	mod.CheckedOut = checkedOut
	return s.saveLocked()
}

// Restore replaces the node's live content with the version chosen by the
// selector and persists the result. The session must be saved first.
func (s *Session) Restore(id types.NodeID, sel version.Selector) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.allowed(interfaces.ActionRestore, id); err != nil {
		return nil, err
	}
	if s.local.HasChanges() {
		return nil, ErrPendingChanges
	}

	node, err := s.sharedNode(id)
	if err != nil {
		return nil, err
	}
	v, err := s.restorer.Restore(node, sel)
	if err != nil {
		return nil, err
	}

	mod, err := s.local.ModifiableNodeState(id)
	if err != nil {
		return nil, err
	}
	mod.BaseVersion = v.ID()
	mod.CheckedOut = false
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

// History returns the node's version history.
func (s *Session) History(id types.NodeID) (*version.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	node, err := s.sharedNode(id)
	if err != nil {
		return nil, err
	}
	return s.versions.History(node.HistoryID)
}

// SetLabel assigns a label to one of the node's versions.
func (s *Session) SetLabel(id types.NodeID, versionName, label string, moveIfExists bool) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.allowed(interfaces.ActionVersion, id); err != nil {
		return nil, err
	}
	node, err := s.sharedNode(id)
	if err != nil {
		return nil, err
	}
	return s.versions.SetLabel(node.HistoryID, versionName, label, moveIfExists)
}

// RemoveLabel drops a label from the node's history.
func (s *Session) RemoveLabel(id types.NodeID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.allowed(interfaces.ActionVersion, id); err != nil {
		return err
	}
	node, err := s.sharedNode(id)
	if err != nil {
		return err
	}
	return s.versions.RemoveLabel(node.HistoryID, label)
}

// RemoveVersion deletes a leaf, unlabeled, non-root version from the
// node's history.
func (s *Session) RemoveVersion(id types.NodeID, versionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.allowed(interfaces.ActionVersion, id); err != nil {
		return err
	}
	node, err := s.sharedNode(id)
	if err != nil {
		return err
	}
	return s.versions.RemoveVersion(node.HistoryID, versionName)
}
