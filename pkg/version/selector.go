package version

import (
	"time"
)

// Selector picks the version a restore should materialize. Returning nil
// without error means the selector cannot decide; the restore procedure
// then falls back to the history's earliest real version. A selector must
// never return the root version, which anchors the DAG but holds no
// content.
type Selector interface {
	Select(h *History) (*Version, error)
}

// DateSelector picks the version with the latest creation time that is not
// after the target timestamp.
type DateSelector struct {
	Target time.Time
}

func (s DateSelector) Select(h *History) (*Version, error) {
	var best *Version
	for _, v := range h.AllVersions() {
		if v.IsRoot() {
			continue
		}
		if v.Created().After(s.Target) {
			continue
		}
		if best == nil || v.Created().After(best.Created()) {
			best = v
		}
	}
	return best, nil
}

// LabelSelector picks the version carrying exactly the target label.
type LabelSelector struct {
	Label string
}

func (s LabelSelector) Select(h *History) (*Version, error) {
	v, ok := h.VersionByLabel(s.Label)
	if !ok || v.IsRoot() {
		return nil, nil
	}
	return v, nil
}
