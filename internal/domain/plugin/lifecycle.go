package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
)

// State is the lifecycle state of a plugin record.
type State string

const (
	stInstalled   = "installed"
	stActivated   = "activated"
	stDeactivated = "deactivated"
	stUnloaded    = "unloaded"
)

const (
	// StateInstalled is the state of a freshly registered plugin.
	StateInstalled State = stInstalled
	// StateActivated indicates the plugin is serving.
	StateActivated State = stActivated
	// StateDeactivated indicates the plugin was paused and may be activated again.
	StateDeactivated State = stDeactivated
	// StateUnloaded indicates the plugin released its resources.
	StateUnloaded State = stUnloaded
)

// Lifecycle events.
const (
	EventActivate   = "ACTIVATE"
	EventDeactivate = "DEACTIVATE"
	EventUnload     = "UNLOAD"
)

// transitions lists the source states accepting each event. It mirrors the
// machine built in newLifecycle and lets callers check an event before any
// controller is touched.
var transitions = map[string][]State{
	EventActivate:   {StateInstalled, StateDeactivated},
	EventDeactivate: {StateActivated},
	EventUnload:     {StateInstalled, StateDeactivated},
}

type lifecycleContext struct {
	Transitions int
}

// Lifecycle is the state machine of one plugin record.
type Lifecycle struct {
	mu          sync.Mutex
	interp      *statekit.Interpreter[lifecycleContext]
	transitions int
	changedAt   time.Time
}

// newLifecycle builds a lifecycle in StateInstalled.
func newLifecycle() (*Lifecycle, error) {
	l := &Lifecycle{changedAt: time.Now()}

	machine, err := statekit.NewMachine[lifecycleContext]("plugin-record").
		WithInitial(stInstalled).
		WithContext(lifecycleContext{}).
		WithAction("touch", func(_ *lifecycleContext, _ statekit.Event) {
			// Runs under l.mu: Send is only called from Fire.
			l.transitions++
			l.changedAt = time.Now()
		}).
		State(stInstalled).
		On(EventActivate).Target(stActivated).
		On(EventUnload).Target(stUnloaded).Done().
		State(stActivated).
		OnEntry("touch").
		On(EventDeactivate).Target(stDeactivated).Done().
		State(stDeactivated).
		OnEntry("touch").
		On(EventActivate).Target(stActivated).
		On(EventUnload).Target(stUnloaded).Done().
		State(stUnloaded).
		OnEntry("touch").Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build plugin lifecycle: %w", err)
	}

	l.interp = statekit.NewInterpreter(machine)
	l.interp.Start()
	return l, nil
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State(l.interp.State().Value)
}

// Can reports whether event is accepted in the current state.
func (l *Lifecycle) Can(event string) bool {
	return accepts(l.State(), event)
}

// Fire sends event to the machine. It fails without a transition when the
// current state does not accept the event.
func (l *Lifecycle) Fire(event string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := State(l.interp.State().Value)
	if !accepts(current, event) {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, current)
	}
	l.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	return nil
}

// Transitions returns how many transitions happened and when the last one did.
func (l *Lifecycle) Transitions() (int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitions, l.changedAt
}

// Stop releases the interpreter.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interp.Stop()
}

func accepts(s State, event string) bool {
	for _, from := range transitions[event] {
		if from == s {
			return true
		}
	}
	return false
}
