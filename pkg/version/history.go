package version

import (
	"sync"

	"github.com/arbor-db/arbor/pkg/types"
)

// History owns the DAG of all versions ever checked in for one versionable
// item, plus the history's label table. Exactly one version per history has
// no predecessors: the root, created together with the history itself.
type History struct {
	id   types.HistoryID
	item VersionableItem

	// mu serializes checkins and label writes per history. The store takes
	// it before any structural mutation.
	mu       sync.RWMutex
	root     types.VersionID
	versions map[types.VersionID]*Version
	byName   map[string]types.VersionID
	labels   map[string]types.VersionID
	nextName int
}

// ID returns the history identifier, equal to the identifier of the
// versionable item it serves.
func (h *History) ID() types.HistoryID { return h.id }

// Item returns the versionable-item capability this history serves.
func (h *History) Item() VersionableItem { return h.item }

// RootVersion returns the unique predecessor-less version.
func (h *History) RootVersion() *Version {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.versions[h.root]
}

// Version looks a version up by name. Absence is not an error.
func (h *History) Version(name string) (*Version, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byName[name]
	if !ok {
		return nil, false
	}
	return h.versions[id], true
}

// VersionByID looks a version up by identifier. Absence is not an error.
func (h *History) VersionByID(id types.VersionID) (*Version, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.versions[id]
	return v, ok
}

// VersionByLabel looks a version up through the label table.
func (h *History) VersionByLabel(label string) (*Version, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.labels[label]
	if !ok {
		return nil, false
	}
	return h.versions[id], true
}

// Labels returns the labels assigned to the given version.
func (h *History) Labels(id types.VersionID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for label, vid := range h.labels {
		if vid == id {
			out = append(out, label)
		}
	}
	return out
}

// AllVersions returns every version in the history, root included, in no
// particular order.
func (h *History) AllVersions() []*Version {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Version, 0, len(h.versions))
	for _, v := range h.versions {
		out = append(out, v)
	}
	return out
}

// IsMoreRecent reports whether b is reachable from a by following
// predecessor edges. This is the DAG's strict partial order, not a
// timestamp comparison: irreflexive, antisymmetric and transitive.
func (h *History) IsMoreRecent(a, b types.VersionID) bool {
	if a == b {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	start, ok := h.versions[a]
	if !ok {
		return false
	}
	if _, ok := h.versions[b]; !ok {
		return false
	}

	seen := map[types.VersionID]struct{}{a: {}}
	queue := append([]types.VersionID(nil), start.predecessors...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == b {
			return true
		}
		if _, dup := seen[cur]; dup {
			continue
		}
		seen[cur] = struct{}{}
		if v, ok := h.versions[cur]; ok {
			queue = append(queue, v.predecessors...)
		}
	}
	return false
}

// earliestNonRoot returns the version adjacent to the root: the root's
// successor with the earliest creation time. Nil when the history holds
// nothing beyond the root.
func (h *History) earliestNonRoot() *Version {
	h.mu.RLock()
	defer h.mu.RUnlock()

	root := h.versions[h.root]
	var earliest *Version
	for _, sid := range root.successors {
		s, ok := h.versions[sid]
		if !ok {
			continue
		}
		if earliest == nil || s.created.Before(earliest.created) {
			earliest = s
		}
	}
	return earliest
}
