package version

import (
	"github.com/arbor-db/arbor/pkg/types"
)

// FrozenNode is an immutable deep copy of a versionable subtree's content
// at checkin time. It is read-only forever: every mutating operation fails
// with a constraint violation naming the offending path.
type FrozenNode struct {
	id     types.NodeID // identifier of the frozen record itself
	nodeID types.NodeID // the live node this snapshot was taken from
	name   string
	def    types.NodeDefinition

	properties []FrozenProperty
	children   []*FrozenNode
	versioned  []FrozenVersionRef
}

// FrozenProperty is one property captured inside a frozen subtree.
type FrozenProperty struct {
	Name   string
	Type   types.ValueType
	Values []types.Value
}

// FrozenVersionRef records a versionable descendant that was not copied
// inline: the version it was based on when the parent was checked in.
type FrozenVersionRef struct {
	Name        string
	NodeID      types.NodeID
	HistoryID   types.HistoryID
	BaseVersion types.VersionID
	Policy      types.RestorePolicy
}

// ID returns the identifier of the frozen record.
func (f *FrozenNode) ID() types.NodeID { return f.id }

// NodeID returns the identifier of the live node this snapshot froze.
func (f *FrozenNode) NodeID() types.NodeID { return f.nodeID }

// Name returns the node's name at checkin time.
func (f *FrozenNode) Name() string { return f.name }

// Definition returns the node definition captured at checkin time.
func (f *FrozenNode) Definition() types.NodeDefinition { return f.def }

// Properties returns copies of the captured properties.
func (f *FrozenNode) Properties() []FrozenProperty {
	out := make([]FrozenProperty, len(f.properties))
	for i, p := range f.properties {
		out[i] = FrozenProperty{Name: p.Name, Type: p.Type, Values: types.CopyValues(p.Values)}
	}
	return out
}

// Children returns the inline-frozen child subtrees.
func (f *FrozenNode) Children() []*FrozenNode {
	return append([]*FrozenNode(nil), f.children...)
}

// VersionRefs returns the versionable descendants captured by reference.
func (f *FrozenNode) VersionRefs() []FrozenVersionRef {
	return append([]FrozenVersionRef(nil), f.versioned...)
}

// path renders a frozen item's position for constraint errors.
func (f *FrozenNode) path(child string) string {
	if child == "" {
		return f.name
	}
	return f.name + "/" + child
}

// SetProperty rejects all writes into frozen content.
func (f *FrozenNode) SetProperty(name string, _ []types.Value) error {
	return protected(f.path(name), "set property")
}

// RemoveProperty rejects all writes into frozen content.
func (f *FrozenNode) RemoveProperty(name string) error {
	return protected(f.path(name), "remove property")
}

// AddChild rejects all writes into frozen content.
func (f *FrozenNode) AddChild(name string) error {
	return protected(f.path(name), "add child")
}

// RemoveChild rejects all writes into frozen content.
func (f *FrozenNode) RemoveChild(name string) error {
	return protected(f.path(name), "remove child")
}

// Merge rejects merging other content into a frozen subtree.
func (f *FrozenNode) Merge(*FrozenNode) error {
	return protected(f.path(""), "merge")
}
