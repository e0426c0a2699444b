// Package observer implements the repository notification bus. It adapts
// the state and version listener protocols into one event stream delivered
// to callback subscribers.
package observer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
	"github.com/arbor-db/arbor/pkg/version"
)

// EventType enumerates the observable repository changes.
type EventType int

const (
	EventItemCreated EventType = iota
	EventStatusChanged
	EventVersionCreated
	EventVersionRemoved
)

func (t EventType) String() string {
	switch t {
	case EventItemCreated:
		return "item-created"
	case EventStatusChanged:
		return "status-changed"
	case EventVersionCreated:
		return "version-created"
	case EventVersionRemoved:
		return "version-removed"
	default:
		return "unknown"
	}
}

// Event is one observable repository change. The populated fields depend
// on the event type: item events carry Key and statuses, version events
// carry the history and version fields.
type Event struct {
	Type EventType
	Time time.Time

	Key       string
	IsNode    bool
	Status    types.Status
	OldStatus types.Status

	History     types.HistoryID
	VersionID   types.VersionID
	VersionName string
}

// Bus fans repository events out to subscribers. Delivery is synchronous
// in registration order; subscribers must not block.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// NewBus builds an empty notification bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for all future events and returns its cancel
// function. Cancel is idempotent.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) publish(ev Event) {
	ev.Time = time.Now().UTC()

	b.mu.RLock()
	snapshot := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		snapshot = append(snapshot, fn)
	}
	b.mu.RUnlock()

	b.log.Debug("repository event", "type", ev.Type.String(), "key", ev.Key, "version", ev.VersionName)
	for _, fn := range snapshot {
		fn(ev)
	}
}

// StateCreated implements state.Listener.
func (b *Bus) StateCreated(s state.ItemState) {
	b.publish(Event{
		Type:   EventItemCreated,
		Key:    s.Key(),
		IsNode: s.IsNode(),
		Status: s.Status(),
	})
}

// StatusChanged implements state.Listener.
func (b *Bus) StatusChanged(s state.ItemState, old types.Status) {
	b.publish(Event{
		Type:      EventStatusChanged,
		Key:       s.Key(),
		IsNode:    s.IsNode(),
		Status:    s.Status(),
		OldStatus: old,
	})
}

// VersionCreated implements version.Listener.
func (b *Bus) VersionCreated(history types.HistoryID, v *version.Version) {
	b.publish(Event{
		Type:        EventVersionCreated,
		History:     history,
		VersionID:   v.ID(),
		VersionName: v.Name(),
	})
}

// VersionRemoved implements version.Listener.
func (b *Bus) VersionRemoved(history types.HistoryID, id types.VersionID, name string) {
	b.publish(Event{
		Type:        EventVersionRemoved,
		History:     history,
		VersionID:   id,
		VersionName: name,
	})
}
