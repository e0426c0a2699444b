package version

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbor-db/arbor/pkg/types"
)

// The record types are the JSON wire form the backend stores. Compression
// and key layout are the backend's business.

type versionRecord struct {
	ID           types.VersionID   `json:"id"`
	Name         string            `json:"name"`
	Created      time.Time         `json:"created"`
	Predecessors []types.VersionID `json:"predecessors,omitempty"`
	Successors   []types.VersionID `json:"successors,omitempty"`
	Frozen       types.NodeID      `json:"frozen,omitempty"`
}

type historyRecord struct {
	ID       types.HistoryID            `json:"id"`
	Item     VersionableItem            `json:"item"`
	Root     types.VersionID            `json:"root"`
	NextName int                        `json:"nextName"`
	Versions []versionRecord            `json:"versions"`
	Labels   map[string]types.VersionID `json:"labels,omitempty"`
}

// encode marshals the history. The caller holds h.mu.
func (h *History) encode() ([]byte, error) {
	rec := historyRecord{
		ID:       h.id,
		Item:     h.item,
		Root:     h.root,
		NextName: h.nextName,
		Labels:   h.labels,
	}
	for _, v := range h.versions {
		rec.Versions = append(rec.Versions, versionRecord{
			ID:           v.id,
			Name:         v.name,
			Created:      v.created,
			Predecessors: v.predecessors,
			Successors:   v.successors,
			Frozen:       v.frozen,
		})
	}
	return json.Marshal(rec)
}

func decodeHistory(data []byte) (*History, error) {
	var rec historyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode history record: %w", err)
	}

	h := &History{
		id:       rec.ID,
		item:     rec.Item,
		root:     rec.Root,
		versions: make(map[types.VersionID]*Version, len(rec.Versions)),
		byName:   make(map[string]types.VersionID, len(rec.Versions)),
		labels:   rec.Labels,
		nextName: rec.NextName,
	}
	if h.labels == nil {
		h.labels = make(map[string]types.VersionID)
	}
	for _, vr := range rec.Versions {
		v := &Version{
			id:           vr.ID,
			name:         vr.Name,
			created:      vr.Created,
			predecessors: vr.Predecessors,
			successors:   vr.Successors,
			frozen:       vr.Frozen,
			item:         rec.Item,
		}
		h.versions[v.id] = v
		h.byName[v.name] = v.id
	}
	if _, ok := h.versions[h.root]; !ok {
		return nil, fmt.Errorf("history record %s has no root version", rec.ID)
	}
	return h, nil
}

type frozenPropertyRecord struct {
	Name   string        `json:"name"`
	Type   types.ValueType `json:"type"`
	Values []types.Value `json:"values,omitempty"`
}

type frozenVersionRefRecord struct {
	Name        string              `json:"name"`
	NodeID      types.NodeID        `json:"nodeId"`
	HistoryID   types.HistoryID     `json:"historyId"`
	BaseVersion types.VersionID     `json:"baseVersion"`
	Policy      types.RestorePolicy `json:"policy"`
}

type frozenRecord struct {
	ID         types.NodeID             `json:"id"`
	NodeID     types.NodeID             `json:"nodeId"`
	Name       string                   `json:"name"`
	Def        types.NodeDefinition     `json:"def"`
	Properties []frozenPropertyRecord   `json:"properties,omitempty"`
	Children   []frozenRecord           `json:"children,omitempty"`
	Versioned  []frozenVersionRefRecord `json:"versioned,omitempty"`
}

func (f *FrozenNode) encode() ([]byte, error) {
	return json.Marshal(f.record())
}

func (f *FrozenNode) record() frozenRecord {
	rec := frozenRecord{
		ID:     f.id,
		NodeID: f.nodeID,
		Name:   f.name,
		Def:    f.def,
	}
	for _, p := range f.properties {
		rec.Properties = append(rec.Properties, frozenPropertyRecord(p))
	}
	for _, c := range f.children {
		rec.Children = append(rec.Children, c.record())
	}
	for _, r := range f.versioned {
		rec.Versioned = append(rec.Versioned, frozenVersionRefRecord(r))
	}
	return rec
}

func decodeFrozen(data []byte) (*FrozenNode, error) {
	var rec frozenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode frozen record: %w", err)
	}
	return frozenFromRecord(rec), nil
}

func frozenFromRecord(rec frozenRecord) *FrozenNode {
	f := &FrozenNode{
		id:     rec.ID,
		nodeID: rec.NodeID,
		name:   rec.Name,
		def:    rec.Def,
	}
	for _, p := range rec.Properties {
		f.properties = append(f.properties, FrozenProperty(p))
	}
	for _, c := range rec.Children {
		f.children = append(f.children, frozenFromRecord(c))
	}
	for _, r := range rec.Versioned {
		f.versioned = append(f.versioned, FrozenVersionRef(r))
	}
	return f
}
