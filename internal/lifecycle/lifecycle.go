// Package lifecycle defines the actor state machine (spec.md §4.8,
// §9's hibernation-exactly-once redesign) independent of the mailbox
// and I/O plumbing internal/actor wires around it: the valid state
// transitions, and the durable exactly-once "pending disconnect" marker
// that survives a crash between marking a connection gone and running
// its onDisconnect hook.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

// State is one node of the actor lifecycle state machine.
type State int

const (
	Uninitialized State = iota
	Initialized
	Awake
	Idle
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Awake:
		return "awake"
	case Idle:
		return "idle"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// transitions enumerates every legal edge of the state machine. Wake
// takes an actor Uninitialized -> Initialized -> Awake (running); with no
// activity it returns to Idle, and Idle -> Awake wakes it again. A
// destroy request can arrive in any non-terminal state, always landing
// on Destroying then Destroyed.
var transitions = map[State]map[State]bool{
	Uninitialized: {Initialized: true, Destroying: true},
	Initialized:   {Awake: true, Destroying: true},
	Awake:         {Idle: true, Destroying: true},
	Idle:          {Awake: true, Destroying: true},
	Destroying:    {Destroyed: true},
	Destroyed:     {},
}

// Machine tracks one actor's current lifecycle state and rejects
// illegal transitions loudly: an attempted illegal transition means a
// bug in the caller (the mailbox loop), not a recoverable runtime
// condition, so it panics rather than silently clamping.
type Machine struct {
	state State
}

// NewMachine returns a Machine starting in Uninitialized.
func NewMachine() *Machine { return &Machine{state: Uninitialized} }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Transition moves the machine to next, panicking if the edge isn't
// legal per the table above.
func (m *Machine) Transition(next State) {
	if !transitions[m.state][next] {
		panic(fmt.Sprintf("lifecycle: illegal transition %s -> %s", m.state, next))
	}
	m.state = next
}

// CanTransition reports whether next is a legal transition from the
// current state, without mutating it.
func (m *Machine) CanTransition(next State) bool {
	return transitions[m.state][next]
}

//
// Exactly-once disconnect marker (spec.md §9's hibernation redesign).
//
// A connection's onDisconnect hook must run exactly once even if the
// process is killed between noticing the socket closed and finishing
// the hook. We persist a "pending disconnect" marker in the connection's
// KV slot before invoking the hook, and only clear the slot entirely
// once the hook returns; on resume, any connection entry still marked
// pending gets its onDisconnect re-run (idempotently, by contract) before
// being dropped.
//

const pendingDisconnectSuffix = "\x00pending_disconnect"

// MarkPendingDisconnect durably records that connID's onDisconnect hook
// is about to run (or is already running), so a crash mid-hook is
// detectable on the next wake.
func MarkPendingDisconnect(ctx context.Context, store *storage.Store, connID string) error {
	return store.PutConn(ctx, connID+pendingDisconnectSuffix, []byte{1})
}

// ClearDisconnect removes both the pending marker and the connection's
// own KV entry once onDisconnect has completed.
func ClearDisconnect(ctx context.Context, store *storage.Store, connID string) error {
	if err := store.DeleteConn(ctx, connID+pendingDisconnectSuffix); err != nil {
		return err
	}
	return store.DeleteConn(ctx, connID)
}

// PendingDisconnects returns the connection ids whose onDisconnect hook
// was marked but never confirmed complete, for re-running on wake.
func PendingDisconnects(ctx context.Context, store *storage.Store) ([]string, error) {
	pairs, err := store.ListConns(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range pairs {
		key := string(p.Key[1:]) // strip the connPrefix tag byte
		const suffixLen = len(pendingDisconnectSuffix)
		if len(key) > suffixLen && key[len(key)-suffixLen:] == pendingDisconnectSuffix {
			out = append(out, key[:len(key)-suffixLen])
		}
	}
	return out, nil
}
