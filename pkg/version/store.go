package version

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
)

// Backend is the durable storage the version store writes its records
// through. Implementations return ErrNotFound (possibly wrapped) for
// missing records.
type Backend interface {
	PutHistory(id types.HistoryID, data []byte) error
	GetHistory(id types.HistoryID) ([]byte, error)
	PutFrozen(id types.NodeID, data []byte) error
	GetFrozen(id types.NodeID) ([]byte, error)
	DeleteFrozen(id types.NodeID) error
}

// ContentSource reads the persisted content a checkin freezes. The shared
// state layer satisfies it; transient overlays must not, since checkin
// captures persisted truth only.
type ContentSource interface {
	GetNodeState(id types.NodeID) (*state.NodeState, error)
	GetPropertyState(id types.PropertyID) (*state.PropertyState, error)
}

// Listener observes version graph changes.
type Listener interface {
	VersionCreated(history types.HistoryID, v *Version)
	VersionRemoved(history types.HistoryID, id types.VersionID, name string)
}

// Store maintains the per-item version histories and serves lookups,
// checkin and label management.
type Store struct {
	log     *slog.Logger
	backend Backend
	source  ContentSource

	mu        sync.RWMutex
	histories map[types.HistoryID]*History

	lmu       sync.RWMutex
	listeners []Listener

	// now is swappable so tests can pin version creation times.
	now func() time.Time
}

// NewStore builds a version store over the given backend and content source.
func NewStore(backend Backend, source ContentSource, log *slog.Logger) *Store {
	return &Store{
		log:       log,
		backend:   backend,
		source:    source,
		histories: make(map[types.HistoryID]*History),
		now:       time.Now,
	}
}

// AddListener registers a version-event listener.
func (s *Store) AddListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notifyCreated(h types.HistoryID, v *Version) {
	s.lmu.RLock()
	snapshot := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, l := range snapshot {
		l.VersionCreated(h, v)
	}
}

func (s *Store) notifyRemoved(h types.HistoryID, id types.VersionID, name string) {
	s.lmu.RLock()
	snapshot := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, l := range snapshot {
		l.VersionRemoved(h, id, name)
	}
}

// CreateHistory creates the history for a versionable item together with
// its root version. The root anchors the DAG and holds no content.
func (s *Store) CreateHistory(item *state.NodeState) (*History, error) {
	if !item.Def.Versionable {
		return nil, fmt.Errorf("node %s: %w", item.ID, ErrNotVersionable)
	}
	id := item.HistoryID
	if id.IsZero() {
		id = types.HistoryOf(item.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histories[id]; ok {
		return h, nil
	}

	root := &Version{
		id:      types.NewVersionID(),
		name:    "root",
		created: s.now().UTC(),
		item:    VersionableItem{NodeID: item.ID, HistoryID: id},
	}
	h := &History{
		id:       id,
		item:     root.item,
		root:     root.id,
		versions: map[types.VersionID]*Version{root.id: root},
		byName:   map[string]types.VersionID{root.name: root.id},
		labels:   make(map[string]types.VersionID),
	}

	h.mu.Lock()
	err := s.persistLocked(h)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.histories[id] = h
	return h, nil
}

// History returns the history for id, loading it from the backend on a
// cache miss.
func (s *Store) History(id types.HistoryID) (*History, error) {
	s.mu.RLock()
	h, ok := s.histories[id]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	data, err := s.backend.GetHistory(id)
	if err != nil {
		return nil, err
	}
	loaded, err := decodeHistory(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histories[id]; ok {
		return h, nil
	}
	s.histories[id] = loaded
	return loaded, nil
}

// Frozen loads and decodes a frozen content snapshot.
func (s *Store) Frozen(id types.NodeID) (*FrozenNode, error) {
	data, err := s.backend.GetFrozen(id)
	if err != nil {
		return nil, err
	}
	return decodeFrozen(data)
}

// persistLocked writes the history record. The caller holds h.mu.
func (s *Store) persistLocked(h *History) error {
	data, err := h.encode()
	if err != nil {
		return fmt.Errorf("encode history %s: %w", h.id, err)
	}
	if err := s.backend.PutHistory(h.id, data); err != nil {
		return fmt.Errorf("persist history %s: %w", h.id, err)
	}
	return nil
}

// Checkin freezes the current persisted subtree of item into a new
// immutable version appended to the given predecessors. When predecessors
// is empty, the item's current base version is used.
//
// Checkin is exclusive per history: a predecessor that already carries a
// successor rejects further checkins with ConflictError, so of two
// concurrent checkins against the same predecessor at most one succeeds
// and no partial mutation is left behind.
func (s *Store) Checkin(item *state.NodeState, predecessors []types.VersionID) (*Version, error) {
	if !item.Def.Versionable || item.HistoryID.IsZero() {
		return nil, fmt.Errorf("node %s: %w", item.ID, ErrNotVersionable)
	}
	h, err := s.History(item.HistoryID)
	if err != nil {
		return nil, err
	}
	if !item.CheckedOut {
		return nil, fmt.Errorf("node %s: %w", item.ID, ErrCheckedIn)
	}

	if len(predecessors) == 0 {
		base := item.BaseVersion
		if base.IsZero() {
			base = h.root
		}
		predecessors = []types.VersionID{base}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	preds := make([]*Version, 0, len(predecessors))
	for _, pid := range predecessors {
		p, ok := h.versions[pid]
		if !ok {
			return nil, fmt.Errorf("predecessor %s in history %s: %w", pid, h.id, ErrNotFound)
		}
		if len(p.successors) > 0 {
			return nil, &ConflictError{History: h.id, Predecessor: pid}
		}
		preds = append(preds, p)
	}

	frozen, err := s.freeze(item)
	if err != nil {
		return nil, fmt.Errorf("freeze %s: %w", item.ID, err)
	}
	frozenData, err := frozen.encode()
	if err != nil {
		return nil, fmt.Errorf("encode frozen %s: %w", frozen.id, err)
	}
	if err := s.backend.PutFrozen(frozen.id, frozenData); err != nil {
		return nil, fmt.Errorf("persist frozen %s: %w", frozen.id, err)
	}

	v := &Version{
		id:           types.NewVersionID(),
		name:         fmt.Sprintf("1.%d", h.nextName),
		created:      s.now().UTC(),
		predecessors: predecessors,
		frozen:       frozen.id,
		item:         h.item,
	}

	h.versions[v.id] = v
	h.byName[v.name] = v.id
	h.nextName++
	for _, p := range preds {
		p.addSuccessor(v.id)
	}

	if err := s.persistLocked(h); err != nil {
		// roll the in-memory graph back; the failed checkin must leave no
		// partial mutation
		delete(h.versions, v.id)
		delete(h.byName, v.name)
		h.nextName--
		for _, p := range preds {
			p.removeSuccessor(v.id)
		}
		if derr := s.backend.DeleteFrozen(frozen.id); derr != nil {
			s.log.Warn("could not delete abandoned frozen record",
				"frozen", frozen.id, "err", derr)
		}
		return nil, err
	}

	s.notifyCreated(h.id, v)
	return v, nil
}

// SetLabel assigns a label to the named version. Reassigning an existing
// label moves it off its previous holder first when moveIfExists is set,
// and fails otherwise. Labels stay unique per history either way.
func (s *Store) SetLabel(historyID types.HistoryID, versionName, label string, moveIfExists bool) (*Version, error) {
	h, err := s.History(historyID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	vid, ok := h.byName[versionName]
	if !ok {
		return nil, fmt.Errorf("version %q in history %s: %w", versionName, historyID, ErrNotFound)
	}
	v := h.versions[vid]

	prev, taken := h.labels[label]
	if taken && prev != vid && !moveIfExists {
		return nil, protected(label, "reassign label")
	}

	h.labels[label] = vid
	if err := s.persistLocked(h); err != nil {
		if taken {
			h.labels[label] = prev
		} else {
			delete(h.labels, label)
		}
		return nil, err
	}
	return v, nil
}

// RemoveLabel drops a label from the history's label table.
func (s *Store) RemoveLabel(historyID types.HistoryID, label string) error {
	h, err := s.History(historyID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.labels[label]
	if !ok {
		return fmt.Errorf("label %q in history %s: %w", label, historyID, ErrNotFound)
	}
	delete(h.labels, label)
	if err := s.persistLocked(h); err != nil {
		h.labels[label] = prev
		return err
	}
	return nil
}

// RemoveVersion deletes a leaf version from the history. The root, labeled
// versions and versions with successors are protected.
func (s *Store) RemoveVersion(historyID types.HistoryID, versionName string) error {
	h, err := s.History(historyID)
	if err != nil {
		return err
	}

	h.mu.Lock()

	vid, ok := h.byName[versionName]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("version %q in history %s: %w", versionName, historyID, ErrNotFound)
	}
	v := h.versions[vid]
	if v.IsRoot() {
		h.mu.Unlock()
		return protected(versionName, "remove root version")
	}
	if len(v.successors) > 0 {
		h.mu.Unlock()
		return protected(versionName, "remove non-leaf version")
	}
	for label, lid := range h.labels {
		if lid == vid {
			h.mu.Unlock()
			return protected(versionName, fmt.Sprintf("remove version labeled %q", label))
		}
	}

	delete(h.versions, vid)
	delete(h.byName, versionName)
	var preds []*Version
	for _, pid := range v.predecessors {
		if p, ok := h.versions[pid]; ok {
			p.removeSuccessor(vid)
			preds = append(preds, p)
		}
	}

	if err := s.persistLocked(h); err != nil {
		h.versions[vid] = v
		h.byName[versionName] = vid
		for _, p := range preds {
			p.addSuccessor(vid)
		}
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	// best-effort cleanup of the orphaned snapshot; failure is logged, not
	// propagated
	if err := s.backend.DeleteFrozen(v.frozen); err != nil {
		s.log.Warn("could not delete frozen record of removed version",
			"version", versionName, "frozen", v.frozen, "err", err)
	}

	s.notifyRemoved(h.id, vid, versionName)
	return nil
}
