// Package actor implements the live Actor Instance (spec.md §4.3, §4.8):
// the object that owns one actor's persisted state, connections, named
// queues, and broadcast events, and runs every hook through a single
// mailbox goroutine so user callbacks never race each other within one
// actor, per spec.md §5's cooperative single-threaded scheduling model.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rivet-dev/rivet-sub006/internal/codec"
	"github.com/rivet-dev/rivet-sub006/internal/events"
	"github.com/rivet-dev/rivet-sub006/internal/lifecycle"
	"github.com/rivet-dev/rivet-sub006/internal/loader"
	"github.com/rivet-dev/rivet-sub006/internal/metadata"
	"github.com/rivet-dev/rivet-sub006/internal/queue"
	"github.com/rivet-dev/rivet-sub006/internal/rlog"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

var log = rlog.Named("actor")

// ConnectMeta describes an incoming connection attempt, parsed from the
// WebSocket subprotocol tokens by internal/manager (spec.md §6).
type ConnectMeta struct {
	ConnID   string
	Params   map[string]string
	Encoding codec.Encoding
}

// Transport is the outbound half of a connection, implemented by
// internal/manager over the actual WebSocket (or local in-process
// caller, for tests).
type Transport interface {
	Send(ctx context.Context, eventName string, payload []byte) error
	Close(ctx context.Context) error
}

// Connection is the actor-side handle for one connected client.
type Connection struct {
	id        string
	transport Transport
}

func (c *Connection) ConnID() string { return c.id }

// Deliver implements events.Subscriber by forwarding to the transport.
func (c *Connection) Deliver(ctx context.Context, eventName string, payload []byte) error {
	return c.transport.Send(ctx, eventName, payload)
}

// Definition is the static, per-actor-name configuration supplied by the
// embedding application: its queues, its events, and its lifecycle
// hooks (spec.md §3, §4.8).
type Definition struct {
	Name   string
	Queues []queue.Declaration
	Events []events.Declaration

	OnBeforeConnect func(ctx context.Context, a *Actor, meta ConnectMeta) error
	OnConnect       func(ctx context.Context, a *Actor, conn *Connection) error
	OnDisconnect    func(ctx context.Context, a *Actor, connID string) error
	OnAction        func(ctx context.Context, a *Actor, action string, payload []byte) ([]byte, error)
	OnAlarm         func(ctx context.Context, a *Actor) error
	OnDestroy       func(ctx context.Context, a *Actor) error
}

// Actor is one live instance: a wake/sleep/destroy lifecycle machine, a
// set of connections, a queue engine, and an event bus, all serialized
// through a single mailbox goroutine.
type Actor struct {
	hostID string
	info   metadata.Info
	store  *storage.Store
	def    *Definition

	machine *lifecycle.Machine
	queues  *queue.Engine
	events  *events.Bus

	mailbox chan func(context.Context)
	wg      sync.WaitGroup

	mu          sync.Mutex
	connections map[string]*Connection
}

// NewFactory returns a loader.Factory that constructs Actor instances
// for def, to be passed to loader.New.
func NewFactory(def *Definition, rateLimitPerSec float64) loader.Factory {
	return func(hostID string, store *storage.Store, info metadata.Info) loader.Instance {
		return &Actor{
			hostID:      hostID,
			info:        info,
			store:       store,
			def:         def,
			machine:     lifecycle.NewMachine(),
			queues:      queue.New(store, def.Queues),
			events:      events.New(def.Events, rateLimitPerSec),
			mailbox:     make(chan func(context.Context)),
			connections: make(map[string]*Connection),
		}
	}
}

// HostID returns the owning host id.
func (a *Actor) HostID() string { return a.hostID }

// Info returns the metadata snapshot captured at activation time.
func (a *Actor) Info() metadata.Info { return a.info }

// Store exposes the actor's KV/SQL database to user hooks.
func (a *Actor) Store() *storage.Store { return a.store }

//
// loader.Instance
//

// OnWake activates the actor: it brings the lifecycle machine to Awake,
// ensures the queue schema exists, starts the mailbox goroutine, and
// re-runs onDisconnect for any connection left in a crash-interrupted
// pending-disconnect state (spec.md §9's hibernation-exactly-once
// guarantee).
func (a *Actor) OnWake(ctx context.Context) error {
	a.machine.Transition(lifecycle.Initialized)
	a.machine.Transition(lifecycle.Awake)

	if err := a.queues.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("actor: ensure queue schema: %w", err)
	}

	a.wg.Add(1)
	go a.run()

	pending, err := lifecycle.PendingDisconnects(ctx, a.store)
	if err != nil {
		return fmt.Errorf("actor: list pending disconnects: %w", err)
	}
	for _, connID := range pending {
		log.Info("replaying interrupted disconnect", rlog.HostID(a.hostID), rlog.ConnID(connID))
		if a.def.OnDisconnect != nil {
			if err := a.def.OnDisconnect(ctx, a, connID); err != nil {
				log.Warn("replayed onDisconnect failed", rlog.ConnID(connID))
			}
		}
		if err := lifecycle.ClearDisconnect(ctx, a.store, connID); err != nil {
			return fmt.Errorf("actor: clear replayed disconnect: %w", err)
		}
	}
	return nil
}

func (a *Actor) run() {
	defer a.wg.Done()
	for job := range a.mailbox {
		job(context.Background())
	}
}

// OnSleep drains the mailbox and moves the actor back to Idle, releasing
// its in-memory footprint while the store stays open for the loader to
// close (spec.md §4.8).
func (a *Actor) OnSleep(ctx context.Context) error {
	if !a.machine.CanTransition(lifecycle.Idle) {
		// Already destroying/destroyed: the loader only calls OnSleep on
		// a resident instance, but tests and defensive callers may invoke
		// it after an explicit OnDestroy, so this is a no-op rather than
		// a panic.
		return nil
	}
	a.machine.Transition(lifecycle.Idle)
	close(a.mailbox)
	a.wg.Wait()
	return nil
}

// OnDestroy runs the actor's onDestroy hook, tombstones its metadata
// row, wipes its KV range, and clears any pending alarm (spec.md §4.8).
func (a *Actor) OnDestroy(ctx context.Context) error {
	if a.machine.CanTransition(lifecycle.Destroying) {
		a.machine.Transition(lifecycle.Destroying)
	}
	if a.def.OnDestroy != nil {
		if err := a.def.OnDestroy(ctx, a); err != nil {
			log.Warn("onDestroy hook failed", rlog.HostID(a.hostID))
		}
	}
	if err := metadata.Destroy(ctx, a.store); err != nil {
		return fmt.Errorf("actor: destroy metadata: %w", err)
	}
	if err := a.store.AlarmClear(ctx); err != nil {
		return fmt.Errorf("actor: clear alarm: %w", err)
	}
	close(a.mailbox)
	a.wg.Wait()
	a.machine.Transition(lifecycle.Destroyed)
	return nil
}

// FireAlarm is the alarm.FireFunc hook for this actor: it runs the
// actor's onAlarm callback on the mailbox, preserving single-threaded
// scheduling relative to connections and actions.
func (a *Actor) FireAlarm(ctx context.Context) error {
	_, err := a.submit(ctx, func(ctx context.Context) (any, error) {
		if a.def.OnAlarm == nil {
			return nil, nil
		}
		return nil, a.def.OnAlarm(ctx, a)
	})
	return err
}

//
// Connections
//

// Connect runs onBeforeConnect then onConnect for a new connection and
// persists its params in the connection's KV slot (spec.md §4.4, §4.9).
// It subscribes the connection to no events; Subscribe does that.
func (a *Actor) Connect(ctx context.Context, meta ConnectMeta, transport Transport) (*Connection, error) {
	_, err := a.submit(ctx, func(ctx context.Context) (any, error) {
		if a.def.OnBeforeConnect != nil {
			if err := a.def.OnBeforeConnect(ctx, a, meta); err != nil {
				return nil, err
			}
		}
		conn := &Connection{id: meta.ConnID, transport: transport}

		paramsJSON, jsonErr := json.Marshal(meta.Params)
		if jsonErr != nil {
			return nil, jsonErr
		}
		if err := a.store.PutConn(ctx, conn.id, paramsJSON); err != nil {
			return nil, err
		}

		a.mu.Lock()
		a.connections[conn.id] = conn
		a.mu.Unlock()

		if a.def.OnConnect != nil {
			if err := a.def.OnConnect(ctx, a, conn); err != nil {
				return nil, err
			}
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	conn := a.connections[meta.ConnID]
	a.mu.Unlock()
	return conn, nil
}

// Subscribe authorizes and registers conn for eventName.
func (a *Actor) Subscribe(connID, eventName string) bool {
	a.mu.Lock()
	conn, ok := a.connections[connID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	return a.events.Subscribe(eventName, conn)
}

// Broadcast fans eventName out to every subscribed connection.
func (a *Actor) Broadcast(ctx context.Context, eventName string, payload []byte) {
	a.events.Broadcast(ctx, eventName, payload)
}

// Disconnect marks connID as pending-disconnect, runs onDisconnect, then
// clears the marker and the connection's KV entry — the
// exactly-once-despite-crash sequence from spec.md §9.
func (a *Actor) Disconnect(ctx context.Context, connID string) error {
	_, err := a.submit(ctx, func(ctx context.Context) (any, error) {
		if err := lifecycle.MarkPendingDisconnect(ctx, a.store, connID); err != nil {
			return nil, err
		}
		if a.def.OnDisconnect != nil {
			if err := a.def.OnDisconnect(ctx, a, connID); err != nil {
				return nil, err
			}
		}
		a.events.Unsubscribe(connID, "")
		a.mu.Lock()
		delete(a.connections, connID)
		a.mu.Unlock()
		return nil, lifecycle.ClearDisconnect(ctx, a.store, connID)
	})
	return err
}

//
// Actions and queues
//

// Action runs the actor's onAction hook for name with payload, on the
// mailbox.
func (a *Actor) Action(ctx context.Context, name string, payload []byte) ([]byte, error) {
	v, err := a.submit(ctx, func(ctx context.Context) (any, error) {
		if a.def.OnAction == nil {
			return nil, fmt.Errorf("actor: no onAction handler registered")
		}
		return a.def.OnAction(ctx, a, name, payload)
	})
	if err != nil {
		return nil, err
	}
	out, _ := v.([]byte)
	return out, nil
}

// Queues exposes the queue engine for direct publish/next/ack calls,
// which don't need mailbox serialization since they don't invoke user
// hooks beyond the pure CanPublish/CanSubscribe predicates.
func (a *Actor) Queues() *queue.Engine { return a.queues }

func (a *Actor) submit(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	type result struct {
		val any
		err error
	}
	reply := make(chan result, 1)
	job := func(jobCtx context.Context) {
		v, err := fn(jobCtx)
		reply <- result{v, err}
	}
	select {
	case a.mailbox <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
