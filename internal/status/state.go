package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/atlas/internal/bus"
	"github.com/matheus3301/atlas/internal/syncerr"
)

// State is an owner's sync state.
type State string

const (
	Idle         State = "IDLE"
	Syncing      State = "SYNCING"
	Degraded     State = "DEGRADED"
	AuthRequired State = "AUTH_REQUIRED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:         {Syncing},
	Syncing:      {Idle, Degraded, AuthRequired},
	Degraded:     {Syncing},
	AuthRequired: {Syncing},
}

// Machine tracks one owner's sync state. Overlapping passes share the
// Syncing state; the machine leaves it when the last pass ends.
type Machine struct {
	mu       sync.RWMutex
	ownerID  string
	current  State
	inFlight int
	worst    State
	lastErr  error
	lastSync time.Time
	bus      *bus.Bus
}

// NewMachine creates a machine for ownerID starting in Idle.
func NewMachine(ownerID string, b *bus.Bus) *Machine {
	return &Machine{
		ownerID: ownerID,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.SyncStateChanged,
			OwnerID:   m.ownerID,
			Timestamp: time.Now(),
			Payload: StateChange{
				OwnerID: m.ownerID,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}

// Begin marks the start of a pass.
func (m *Machine) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
	if m.inFlight == 1 {
		m.worst = Idle
		_ = m.transitionLocked(Syncing)
	}
}

// End marks the end of a pass begun with Begin. The state settled on when
// the last overlapping pass ends reflects the worst outcome among them.
func (m *Machine) End(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight == 0 {
		return
	}
	m.inFlight--

	outcome := outcomeOf(err)
	if rank(outcome) > rank(m.worst) {
		m.worst = outcome
	}
	if err == nil {
		m.lastSync = time.Now()
		m.lastErr = nil
	} else {
		m.lastErr = err
	}
	if m.inFlight == 0 {
		_ = m.transitionLocked(m.worst)
	}
}

func outcomeOf(err error) State {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return Idle
	case errors.Is(err, syncerr.ErrAuth):
		return AuthRequired
	}
	return Degraded
}

func rank(s State) int {
	switch s {
	case AuthRequired:
		return 2
	case Degraded:
		return 1
	}
	return 0
}

// Snapshot is a point-in-time view of a machine.
type Snapshot struct {
	OwnerID    string
	State      State
	InFlight   int
	LastSyncAt time.Time
	LastError  string
}

// Snapshot returns the machine's current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		OwnerID:    m.ownerID,
		State:      m.current,
		InFlight:   m.inFlight,
		LastSyncAt: m.lastSync,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// StateChange is the payload for state change events.
type StateChange struct {
	OwnerID string
	From    State
	To      State
}

// Registry holds one machine per owner.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	bus      *bus.Bus
}

// NewRegistry creates an empty registry publishing on b.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		machines: make(map[string]*Machine),
		bus:      b,
	}
}

// For returns the owner's machine, creating it on first use.
func (r *Registry) For(ownerID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[ownerID]
	if !ok {
		m = NewMachine(ownerID, r.bus)
		r.machines[ownerID] = m
	}
	return m
}

// Snapshots returns every owner's state, ordered by owner id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}
