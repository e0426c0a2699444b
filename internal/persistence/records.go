package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
)

// nodeRecord is the JSON form of a persisted node state.
type nodeRecord struct {
	ID          types.NodeID         `json:"id"`
	Parent      types.NodeID         `json:"parent,omitempty"`
	Def         types.NodeDefinition `json:"def"`
	Children    []types.ChildInfo    `json:"children,omitempty"`
	Properties  []string             `json:"properties,omitempty"`
	HistoryID   types.HistoryID      `json:"historyId,omitempty"`
	BaseVersion types.VersionID      `json:"baseVersion,omitempty"`
	CheckedOut  bool                 `json:"checkedOut,omitempty"`
}

// valueRecord is one persisted property value. Large binary payloads are
// externalized into content-addressed chunk records; Chunks carries their
// keys in order and Size the total payload length.
type valueRecord struct {
	Value  types.Value `json:"value"`
	Chunks []string    `json:"chunks,omitempty"`
	Size   int         `json:"size,omitempty"`
}

// propertyRecord is the JSON form of a persisted property state.
type propertyRecord struct {
	Parent types.NodeID             `json:"parent"`
	Name   string                   `json:"name"`
	Type   types.ValueType          `json:"type"`
	Def    types.PropertyDefinition `json:"def"`
	Values []valueRecord            `json:"values"`
}

func encodeNode(n *state.NodeState) ([]byte, error) {
	rec := nodeRecord{
		ID:          n.ID,
		Parent:      n.ParentID,
		Def:         n.Def,
		Children:    n.Children(),
		Properties:  n.PropertyNames(),
		HistoryID:   n.HistoryID,
		BaseVersion: n.BaseVersion,
		CheckedOut:  n.CheckedOut,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode node %s: %w", n.ID, err)
	}
	return data, nil
}

func decodeNode(data []byte) (*state.NodeState, error) {
	var rec nodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode node record: %w", err)
	}
	n := state.NewNodeState(rec.ID, rec.Parent, rec.Def, types.StatusExisting)
	n.SetChildren(rec.Children)
	n.SetPropertyNames(rec.Properties)
	n.HistoryID = rec.HistoryID
	n.BaseVersion = rec.BaseVersion
	n.CheckedOut = rec.CheckedOut
	return n, nil
}

// recordChunks collects the chunk keys of every externalized binary value
// in the record.
func recordChunks(rec propertyRecord) []string {
	var keys []string
	for _, v := range rec.Values {
		keys = append(keys, v.Chunks...)
	}
	return keys
}

// referenceTargets extracts the node identifiers a property record points
// at; empty for non-reference properties.
func referenceTargets(rec propertyRecord) []types.NodeID {
	if rec.Type != types.TypeReference {
		return nil
	}
	var targets []types.NodeID
	for _, v := range rec.Values {
		if !v.Value.Ref.IsZero() {
			targets = append(targets, v.Value.Ref)
		}
	}
	return targets
}
