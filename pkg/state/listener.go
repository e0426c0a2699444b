package state

import (
	"sync"

	"github.com/arbor-db/arbor/pkg/types"
)

// Listener observes item-state lifecycle events. Each created state is
// announced exactly once, by the factory layer that allocated it;
// pass-through reads are never re-announced.
type Listener interface {
	// StateCreated fires once per materialized ItemState instance.
	StateCreated(s ItemState)
	// StatusChanged fires when a state's lifecycle status moves.
	StatusChanged(s ItemState, old types.Status)
}

// listenerSet is a small fan-out helper shared by both factory layers.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (ls *listenerSet) add(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.listeners = append(ls.listeners, l)
}

func (ls *listenerSet) remove(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, x := range ls.listeners {
		if x == l {
			ls.listeners = append(ls.listeners[:i], ls.listeners[i+1:]...)
			return
		}
	}
}

func (ls *listenerSet) notifyCreated(s ItemState) {
	ls.mu.RLock()
	snapshot := append([]Listener(nil), ls.listeners...)
	ls.mu.RUnlock()
	for _, l := range snapshot {
		l.StateCreated(s)
	}
}

func (ls *listenerSet) notifyStatusChanged(s ItemState, old types.Status) {
	ls.mu.RLock()
	snapshot := append([]Listener(nil), ls.listeners...)
	ls.mu.RUnlock()
	for _, l := range snapshot {
		l.StatusChanged(s, old)
	}
}
