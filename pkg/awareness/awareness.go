// Package awareness tracks ephemeral per-replica presence: who is editing, in which color, and
// where their cursor is. Each replica owns exactly one state and is the only one allowed to
// change it; everyone else merges what they receive using a per-replica clock.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Origin tags where a change came from.
type Origin string

const (
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
	OriginTimeout Origin = "timeout"
)

const DefaultTimeout = 60 * time.Second

var ErrInvalidUpdate = errors.New("invalid awareness update")

// Cursor is a selection in the document; Anchor == Head for a caret.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is what one replica publishes about itself.
type State struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

func (s State) clone() State {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}

// Change lists the replica ids affected by one operation.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  Origin
}

// Touches reports whether replicaID is part of the change.
func (c Change) Touches(replicaID string) bool {
	for _, ids := range [][]string{c.Added, c.Updated, c.Removed} {
		for _, id := range ids {
			if id == replicaID {
				return true
			}
		}
	}
	return false
}

func (c Change) empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

type ChangeFunc func(Change)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type entry struct {
	ReplicaID string `json:"replicaId"`
	Clock     uint64 `json:"clock"`
	State     *State `json:"state"`
}

type Option func(*Awareness)

// WithTimeout sets how long a remote state survives without being renewed.
func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) { a.timeout = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) { a.now = now }
}

// Awareness holds the presence of every known replica, including the local one.
type Awareness struct {
	replicaID string
	timeout   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	states    map[string]State
	meta      map[string]meta
	listeners map[int]ChangeFunc
	nextID    int
	destroyed bool
}

func New(replicaID string, opts ...Option) *Awareness {
	a := &Awareness{
		replicaID: replicaID,
		timeout:   DefaultTimeout,
		now:       time.Now,
		states:    make(map[string]State),
		meta:      make(map[string]meta),
		listeners: make(map[int]ChangeFunc),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Awareness) ReplicaID() string {
	return a.replicaID
}

// OnChange registers fn for every change. Listeners run synchronously after the lock is released.
func (a *Awareness) OnChange(fn ChangeFunc) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// SetLocalState publishes s as the local state. nil marks the local replica as gone.
func (a *Awareness) SetLocalState(s *State) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	id := a.replicaID
	m := a.meta[id]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[id] = m

	ch := Change{Origin: OriginLocal}
	_, existed := a.states[id]
	switch {
	case s == nil && existed:
		delete(a.states, id)
		ch.Removed = []string{id}
	case s == nil:
	case existed:
		a.states[id] = s.clone()
		ch.Updated = []string{id}
	default:
		a.states[id] = s.clone()
		ch.Added = []string{id}
	}
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	a.emit(listeners, ch)
}

// UpdateLocalState applies fn to a copy of the current local state and publishes the result.
func (a *Awareness) UpdateLocalState(fn func(s *State)) {
	a.mu.Lock()
	s := a.states[a.replicaID].clone()
	a.mu.Unlock()
	fn(&s)
	a.SetLocalState(&s)
}

// Renew bumps the local clock without changing the state, so that peers which already saw the
// current clock accept the next announcement as fresh. No change is emitted.
func (a *Awareness) Renew() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	m := a.meta[a.replicaID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.replicaID] = m
}

// LocalState returns the local state, or nil when none is set.
func (a *Awareness) LocalState() *State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.replicaID]
	if !ok {
		return nil
	}
	s = s.clone()
	return &s
}

// States returns a copy of every known state keyed by replica id.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

// EncodeUpdate encodes the current state and clock of the given replicas. Replicas without a
// state are encoded as removed.
func (a *Awareness) EncodeUpdate(ids ...string) ([]byte, error) {
	a.mu.Lock()
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		e := entry{ReplicaID: id, Clock: a.meta[id].clock}
		if s, ok := a.states[id]; ok {
			s = s.clone()
			e.State = &s
		}
		entries = append(entries, e)
	}
	a.mu.Unlock()
	return json.Marshal(entries)
}

// ApplyUpdate merges an update produced by EncodeUpdate on another replica.
func (a *Awareness) ApplyUpdate(update []byte, origin Origin) error {
	var entries []entry
	if err := json.Unmarshal(update, &entries); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.now()
	ch := Change{Origin: origin}
	var reassert bool
	for _, e := range entries {
		if e.ReplicaID == "" {
			continue
		}
		m, known := a.meta[e.ReplicaID]
		prev, hasState := a.states[e.ReplicaID]

		if e.ReplicaID == a.replicaID {
			// Only we may change our own state. A newer clock about us comes from an earlier
			// incarnation of this replica; outbid it.
			if e.Clock >= m.clock && hasState {
				m.clock = e.Clock + 1
				m.lastUpdated = now
				a.meta[e.ReplicaID] = m
				reassert = true
			}
			continue
		}

		if known && !(e.Clock > m.clock || (e.Clock == m.clock && e.State == nil && hasState)) {
			continue
		}
		a.meta[e.ReplicaID] = meta{clock: e.Clock, lastUpdated: now}
		switch {
		case e.State == nil && hasState:
			delete(a.states, e.ReplicaID)
			ch.Removed = append(ch.Removed, e.ReplicaID)
		case e.State == nil:
		case hasState:
			a.states[e.ReplicaID] = e.State.clone()
			if !reflect.DeepEqual(prev, *e.State) {
				ch.Updated = append(ch.Updated, e.ReplicaID)
			}
		default:
			a.states[e.ReplicaID] = e.State.clone()
			ch.Added = append(ch.Added, e.ReplicaID)
		}
	}
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	a.emit(listeners, ch)
	if reassert {
		a.emit(listeners, Change{Updated: []string{a.replicaID}, Origin: OriginLocal})
	}
	return nil
}

// RemoveStates forgets the given remote replicas. The local state cannot be removed this way.
func (a *Awareness) RemoveStates(ids []string, origin Origin) {
	a.mu.Lock()
	ch := Change{Origin: origin}
	for _, id := range ids {
		if id == a.replicaID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			ch.Removed = append(ch.Removed, id)
		}
		if m, ok := a.meta[id]; ok {
			m.lastUpdated = a.now()
			a.meta[id] = m
		}
	}
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	a.emit(listeners, ch)
}

// CheckTimeouts evicts remote states that have not been renewed within the timeout and returns
// their ids.
func (a *Awareness) CheckTimeouts() []string {
	a.mu.Lock()
	now := a.now()
	var expired []string
	for id := range a.states {
		if id == a.replicaID {
			continue
		}
		if now.Sub(a.meta[id].lastUpdated) >= a.timeout {
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(expired)
	a.RemoveStates(expired, OriginTimeout)
	return expired
}

// Destroy drops the local state and every listener. The awareness is unusable afterwards.
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
	a.listeners = make(map[int]ChangeFunc)
	a.states = make(map[string]State)
}

func (a *Awareness) snapshotListeners() []ChangeFunc {
	out := make([]ChangeFunc, 0, len(a.listeners))
	for i := 0; i < a.nextID; i++ {
		if fn, ok := a.listeners[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (a *Awareness) emit(listeners []ChangeFunc, ch Change) {
	if ch.empty() {
		return
	}
	for _, fn := range listeners {
		fn(ch)
	}
}
