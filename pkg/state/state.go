// Package state implements the item-state layering model: the in-memory
// representation of nodes and properties, the persistent-backed shared
// factory and the session-private transient overlay layered on top of it.
package state

import (
	"github.com/arbor-db/arbor/pkg/types"
)

// ItemState is the common surface of node and property states.
type ItemState interface {
	// Key returns a stable map key, unique across nodes and properties.
	Key() string
	// Status returns the current lifecycle status.
	Status() types.Status
	// SetStatus replaces the lifecycle status. Only the layer owning the
	// state may call it.
	SetStatus(types.Status)
	// IsNode distinguishes node states from property states.
	IsNode() bool
}

// NodeKey returns the ItemState map key for a node identifier.
func NodeKey(id types.NodeID) string {
	return "n|" + id.String()
}

// PropertyKey returns the ItemState map key for a property identifier.
func PropertyKey(id types.PropertyID) string {
	return "p|" + id.String()
}

// NodeState represents one node's current known state. The parent reference
// is weak; the hierarchy index owns the authoritative link.
type NodeState struct {
	ID       types.NodeID
	ParentID types.NodeID
	Def      types.NodeDefinition

	status     types.Status
	children   []types.ChildInfo
	properties []string

	// Versioning metadata, meaningful only when Def.Versionable is set.
	HistoryID   types.HistoryID
	BaseVersion types.VersionID
	CheckedOut  bool
}

// NewNodeState builds a node state with the given identity and status.
func NewNodeState(id, parent types.NodeID, def types.NodeDefinition, status types.Status) *NodeState {
	return &NodeState{
		ID:       id,
		ParentID: parent,
		Def:      def,
		status:   status,
	}
}

func (n *NodeState) Key() string              { return NodeKey(n.ID) }
func (n *NodeState) Status() types.Status     { return n.status }
func (n *NodeState) SetStatus(s types.Status) { n.status = s }
func (n *NodeState) IsNode() bool             { return true }

// Children returns a copy of the child list. Callers never see the
// internal slice, so cached shared states cannot be mutated from outside.
func (n *NodeState) Children() []types.ChildInfo {
	return append([]types.ChildInfo(nil), n.children...)
}

// PropertyNames returns a copy of the property name list.
func (n *NodeState) PropertyNames() []string {
	return append([]string(nil), n.properties...)
}

// SetChildren replaces the child list wholesale; used when loading records.
func (n *NodeState) SetChildren(children []types.ChildInfo) {
	n.children = children
}

// SetPropertyNames replaces the property name list; used when loading records.
func (n *NodeState) SetPropertyNames(names []string) {
	n.properties = names
}

// AddChild appends a child entry, assigning the next same-name sibling index.
func (n *NodeState) AddChild(name string, id types.NodeID) types.ChildInfo {
	index := 1
	for _, c := range n.children {
		if c.Name == name && c.Index >= index {
			index = c.Index + 1
		}
	}
	info := types.ChildInfo{ID: id, Name: name, Index: index}
	n.children = append(n.children, info)
	return info
}

// RemoveChild drops the child entry for id. It reports whether an entry
// was removed.
func (n *NodeState) RemoveChild(id types.NodeID) bool {
	for i, c := range n.children {
		if c.ID == id {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return true
		}
	}
	return false
}

// HasChild reports whether id is a direct child.
func (n *NodeState) HasChild(id types.NodeID) bool {
	for _, c := range n.children {
		if c.ID == id {
			return true
		}
	}
	return false
}

// AddPropertyName records name in the node's property set.
func (n *NodeState) AddPropertyName(name string) {
	for _, p := range n.properties {
		if p == name {
			return
		}
	}
	n.properties = append(n.properties, name)
}

// RemovePropertyName drops name from the node's property set.
func (n *NodeState) RemovePropertyName(name string) {
	for i, p := range n.properties {
		if p == name {
			n.properties = append(n.properties[:i], n.properties[i+1:]...)
			return
		}
	}
}

// HasProperty reports whether the node carries a property with name.
func (n *NodeState) HasProperty(name string) bool {
	for _, p := range n.properties {
		if p == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. The copy starts with the same status; callers
// adjust it for overlay use.
func (n *NodeState) Clone() *NodeState {
	cp := *n
	cp.children = append([]types.ChildInfo(nil), n.children...)
	cp.properties = append([]string(nil), n.properties...)
	return &cp
}

// PropertyState represents one property's current known state.
type PropertyState struct {
	ID   types.PropertyID
	Type types.ValueType
	Def  types.PropertyDefinition

	status types.Status
	values []types.Value
}

// NewPropertyState builds a property state with the given identity and status.
func NewPropertyState(id types.PropertyID, def types.PropertyDefinition, values []types.Value, status types.Status) *PropertyState {
	return &PropertyState{
		ID:     id,
		Type:   def.Type,
		Def:    def,
		status: status,
		values: types.CopyValues(values),
	}
}

func (p *PropertyState) Key() string              { return PropertyKey(p.ID) }
func (p *PropertyState) Status() types.Status     { return p.status }
func (p *PropertyState) SetStatus(s types.Status) { p.status = s }
func (p *PropertyState) IsNode() bool             { return false }

// Values returns a copy of the value sequence.
func (p *PropertyState) Values() []types.Value {
	return types.CopyValues(p.values)
}

// SetValues replaces the value sequence after structural validation.
func (p *PropertyState) SetValues(values []types.Value) error {
	if err := types.ValidateValues(p.Type, values); err != nil {
		return err
	}
	p.values = types.CopyValues(values)
	return nil
}

// Clone returns a deep copy. The copy starts with the same status.
func (p *PropertyState) Clone() *PropertyState {
	cp := *p
	cp.values = types.CopyValues(p.values)
	return &cp
}
