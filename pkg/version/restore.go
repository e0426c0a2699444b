package version

import (
	"fmt"

	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
)

// ContentWriter is the transient overlay surface the restore procedure
// writes through. The owning session merges the staged changes afterwards.
type ContentWriter interface {
	GetNodeState(id types.NodeID) (*state.NodeState, error)
	ModifiableNodeState(id types.NodeID) (*state.NodeState, error)
	ModifiablePropertyState(id types.PropertyID) (*state.PropertyState, error)
	CreateNewPropertyState(parent types.NodeID, def types.PropertyDefinition, values []types.Value) (*state.PropertyState, error)
	AdoptNodeState(id, parent types.NodeID, def types.NodeDefinition) *state.NodeState
	DeleteNodeState(id types.NodeID) error
	DeletePropertyState(id types.PropertyID) error
}

// Restorer replaces live content with a frozen snapshot chosen by a
// selector. Changes are staged in the writer's transient overlay; nothing
// touches the persistent store until the session saves.
type Restorer struct {
	store  *Store
	writer ContentWriter
}

// NewRestorer builds a restorer over the version store and a session's
// overlay.
func NewRestorer(store *Store, writer ContentWriter) *Restorer {
	return &Restorer{store: store, writer: writer}
}

// Restore resolves a version through the selector and copies its frozen
// content onto the live item. When the selector cannot decide, the
// history's earliest real version is used; the root itself is never
// restored. The chosen version is returned so the caller can update the
// item's base-version pointer.
func (r *Restorer) Restore(item *state.NodeState, sel Selector) (*Version, error) {
	if !item.Def.Versionable || item.HistoryID.IsZero() {
		return nil, fmt.Errorf("node %s: %w", item.ID, ErrNotVersionable)
	}
	h, err := r.store.History(item.HistoryID)
	if err != nil {
		return nil, err
	}

	v, err := sel.Select(h)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = h.earliestNonRoot()
	}
	if v == nil || v.IsRoot() {
		return nil, fmt.Errorf("history %s: %w", h.id, ErrNotSelectable)
	}

	frozen, err := r.store.Frozen(v.FrozenID())
	if err != nil {
		return nil, fmt.Errorf("load frozen %s: %w", v.FrozenID(), err)
	}
	if err := r.applyFrozen(item.ID, frozen, sel); err != nil {
		return nil, err
	}
	return v, nil
}

// applyFrozen overwrites the live node's properties and children with the
// frozen snapshot, recursing per restore policy.
func (r *Restorer) applyFrozen(liveID types.NodeID, f *FrozenNode, sel Selector) error {
	node, err := r.writer.ModifiableNodeState(liveID)
	if err != nil {
		return err
	}

	if err := r.applyProperties(node, f); err != nil {
		return err
	}
	return r.applyChildren(node, f, sel)
}

func (r *Restorer) applyProperties(node *state.NodeState, f *FrozenNode) error {
	frozenProps := make(map[string]FrozenProperty)
	for _, p := range f.Properties() {
		frozenProps[p.Name] = p
	}

	for _, name := range node.PropertyNames() {
		if _, keep := frozenProps[name]; keep {
			continue
		}
		pid := types.PropertyID{ParentID: node.ID, Name: name}
		if err := r.writer.DeletePropertyState(pid); err != nil {
			return err
		}
		node.RemovePropertyName(name)
	}

	for name, fp := range frozenProps {
		pid := types.PropertyID{ParentID: node.ID, Name: name}
		if node.HasProperty(name) {
			p, err := r.writer.ModifiablePropertyState(pid)
			if err != nil {
				return err
			}
			if err := p.SetValues(fp.Values); err != nil {
				return err
			}
			continue
		}
		def := types.PropertyDefinition{Name: name, Type: fp.Type, Multiple: len(fp.Values) != 1}
		if _, err := r.writer.CreateNewPropertyState(node.ID, def, fp.Values); err != nil {
			return err
		}
		node.AddPropertyName(name)
	}
	return nil
}

func (r *Restorer) applyChildren(node *state.NodeState, f *FrozenNode, sel Selector) error {
	desired := make(map[types.NodeID]struct{})

	for _, fc := range f.Children() {
		desired[fc.NodeID()] = struct{}{}
		if !node.HasChild(fc.NodeID()) {
			r.writer.AdoptNodeState(fc.NodeID(), node.ID, fc.Definition())
			node.AddChild(fc.Name(), fc.NodeID())
		}
		if err := r.applyFrozen(fc.NodeID(), fc, sel); err != nil {
			return err
		}
	}

	for _, ref := range f.VersionRefs() {
		desired[ref.NodeID] = struct{}{}
		if err := r.restoreVersionedChild(node, ref, sel); err != nil {
			return err
		}
	}

	for _, info := range node.Children() {
		if _, keep := desired[info.ID]; keep {
			continue
		}
		if err := r.writer.DeleteNodeState(info.ID); err != nil {
			return err
		}
		node.RemoveChild(info.ID)
	}
	return nil
}

// restoreVersionedChild re-materializes a descendant captured by reference.
// PolicySelect re-runs the restore's selector against the child's own
// history; PolicyVersion pins the exact version referenced at checkin time.
func (r *Restorer) restoreVersionedChild(node *state.NodeState, ref FrozenVersionRef, sel Selector) error {
	h, err := r.store.History(ref.HistoryID)
	if err != nil {
		return err
	}

	var target *Version
	if ref.Policy == types.PolicySelect {
		target, err = sel.Select(h)
		if err != nil {
			return err
		}
	}
	if target == nil && !ref.BaseVersion.IsZero() {
		if v, ok := h.VersionByID(ref.BaseVersion); ok {
			target = v
		}
	}
	if target == nil || target.IsRoot() {
		// the child had never been checked in when the parent froze;
		// leave its live content alone
		return r.ensureChildPresent(node, ref)
	}

	frozen, err := r.store.Frozen(target.FrozenID())
	if err != nil {
		return fmt.Errorf("load frozen %s: %w", target.FrozenID(), err)
	}
	if err := r.ensureChildPresent(node, ref); err != nil {
		return err
	}
	if err := r.applyFrozen(ref.NodeID, frozen, sel); err != nil {
		return err
	}

	child, err := r.writer.ModifiableNodeState(ref.NodeID)
	if err != nil {
		return err
	}
	child.HistoryID = ref.HistoryID
	child.BaseVersion = target.ID()
	child.CheckedOut = false
	return nil
}

func (r *Restorer) ensureChildPresent(node *state.NodeState, ref FrozenVersionRef) error {
	if node.HasChild(ref.NodeID) {
		return nil
	}
	if _, err := r.writer.GetNodeState(ref.NodeID); err != nil {
		def := types.NodeDefinition{Versionable: true, Policy: ref.Policy}
		st := r.writer.AdoptNodeState(ref.NodeID, node.ID, def)
		st.HistoryID = ref.HistoryID
	}
	node.AddChild(ref.Name, ref.NodeID)
	return nil
}
