package version

import (
	"fmt"

	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
)

// freeze deep-copies the persisted subtree of item into a frozen tree.
// Versionable descendants whose policy is not PolicyCopy are captured as
// version references, not copied inline.
func (s *Store) freeze(item *state.NodeState) (*FrozenNode, error) {
	return s.freezeNode(item, item.ID.String())
}

func (s *Store) freezeNode(n *state.NodeState, name string) (*FrozenNode, error) {
	f := &FrozenNode{
		id:     types.NewNodeID(),
		nodeID: n.ID,
		name:   name,
		def:    n.Def,
	}

	for _, propName := range n.PropertyNames() {
		p, err := s.source.GetPropertyState(types.PropertyID{ParentID: n.ID, Name: propName})
		if err != nil {
			return nil, fmt.Errorf("property %s of %s: %w", propName, n.ID, err)
		}
		f.properties = append(f.properties, FrozenProperty{
			Name:   propName,
			Type:   p.Type,
			Values: p.Values(),
		})
	}

	for _, info := range n.Children() {
		child, err := s.source.GetNodeState(info.ID)
		if err != nil {
			return nil, fmt.Errorf("child %s of %s: %w", info.ID, n.ID, err)
		}
		if child.Def.Versionable && child.Def.Policy != types.PolicyCopy {
			base := child.BaseVersion
			f.versioned = append(f.versioned, FrozenVersionRef{
				Name:        info.Name,
				NodeID:      child.ID,
				HistoryID:   child.HistoryID,
				BaseVersion: base,
				Policy:      child.Def.Policy,
			})
			continue
		}
		fc, err := s.freezeNode(child, info.Name)
		if err != nil {
			return nil, err
		}
		f.children = append(f.children, fc)
	}

	return f, nil
}
