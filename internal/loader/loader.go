// Package loader owns the per-host cache of live actor instances and
// guarantees that at most one instance of a given host id is resident in
// memory at a time, with concurrent Load calls for the same host id
// deduplicated onto a single in-flight attempt (spec.md §4.3, §9's
// re-architected "explicit per-host registry table keyed by hostId").
//
// Grounded on other_examples/38a745a2_griffin-nola__virtual-registry-kv_registry.go.go
// (nola), itself a virtual-actor registry that serializes activation
// per actor id and folds concurrent activation attempts onto one
// in-flight call — the same shape this package generalizes to a
// {empty,loading,loaded,destroying} state machine with an explicit
// metadata row backing each host id instead of nola's in-memory-only
// registry.
package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/rivet-dev/rivet-sub006/internal/config"
	"github.com/rivet-dev/rivet-sub006/internal/metadata"
	"github.com/rivet-dev/rivet-sub006/internal/metrics"
	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

// Instance is the live, in-memory side of an actor, implemented by
// internal/actor. The loader only ever calls OnWake once per activation
// and OnSleep/OnDestroy at most once per instance — it does not inspect
// or hold actor-level state itself.
type Instance interface {
	OnWake(ctx context.Context) error
	OnSleep(ctx context.Context) error
	OnDestroy(ctx context.Context) error
}

// Factory constructs the in-memory Instance for a freshly loaded host
// id. It must not block on I/O beyond trivial setup; OnWake is the
// lifecycle hook for that.
type Factory func(hostID string, store *storage.Store, info metadata.Info) Instance

type state int

const (
	stateEmpty state = iota
	stateLoading
	stateLoaded
	stateDestroying
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateLoading:
		return "loading"
	case stateLoaded:
		return "loaded"
	case stateDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

type entry struct {
	mu       sync.Mutex
	state    state
	store    *storage.Store
	instance Instance
	info     metadata.Info

	// loadDone is closed when an in-flight stateLoading attempt
	// finishes; loadErr holds its result. Replaced on every new attempt.
	loadDone chan struct{}
	loadErr  error
}

// transition asserts an expected source state and panics if it doesn't
// hold — the loader's invariant is that every state change is made by
// exactly one goroutine holding entry.mu, so an unexpected state here
// means a bug in this package, not caller misuse.
func (e *entry) transition(from, to state) {
	if e.state != from {
		panic(fmt.Sprintf("loader: invalid transition %s -> %s from state %s", from, to, e.state))
	}
	e.state = to
}

// Loader is the process-wide cache of per-host entries.
type Loader struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory Factory
	cfg     *config.Config
}

// New constructs a Loader. factory builds the in-memory Instance for a
// host id once its metadata row and store are available.
func New(cfg *config.Config, factory Factory) *Loader {
	return &Loader{
		entries: make(map[string]*entry),
		factory: factory,
		cfg:     cfg,
	}
}

func (l *Loader) entryFor(hostID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[hostID]
	if !ok {
		e = &entry{state: stateEmpty}
		l.entries[hostID] = e
	}
	return e
}

// Load returns the resident Instance for hostID, activating it from
// durable storage if necessary. Concurrent Load calls for the same host
// id observe exactly one activation: when it succeeds, every caller
// blocked in stateLoading receives the same instance as the goroutine
// performing the activation (spec.md §4.3's "at most one loader in
// flight"). When it fails, only that goroutine returns the error; the
// waiting callers find the entry empty again and retry the activation.
func (l *Loader) Load(ctx context.Context, hostID string) (Instance, error) {
	e := l.entryFor(hostID)

	for {
		e.mu.Lock()
		switch e.state {
		case stateLoaded:
			inst := e.instance
			e.mu.Unlock()
			metrics.LoaderCacheHits.Inc()
			return inst, nil

		case stateDestroying:
			e.mu.Unlock()
			return nil, rkerr.ActorDestroying

		case stateLoading:
			done := e.loadDone
			e.mu.Unlock()
			select {
			case <-done:
				continue // re-check state after the in-flight attempt resolves
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case stateEmpty:
			e.transition(stateEmpty, stateLoading)
			done := make(chan struct{})
			e.loadDone = done
			e.mu.Unlock()

			inst, store, info, err := l.activate(ctx, hostID)

			e.mu.Lock()
			if err != nil {
				e.transition(stateLoading, stateEmpty)
				e.loadErr = err
				close(done)
				e.mu.Unlock()
				return nil, err
			}
			e.store = store
			e.instance = inst
			e.info = info
			e.transition(stateLoading, stateLoaded)
			close(done)
			e.mu.Unlock()
			metrics.LoaderCacheMisses.Inc()
			metrics.ActorWakes.WithLabelValues(info.Name).Inc()
			return inst, nil

		default:
			e.mu.Unlock()
			panic(fmt.Sprintf("loader: unreachable state %s", e.state))
		}
	}
}

func (l *Loader) activate(ctx context.Context, hostID string) (Instance, *storage.Store, metadata.Info, error) {
	store, err := storage.Open(l.cfg.DataDir, hostID)
	if err != nil {
		return nil, nil, metadata.Info{}, fmt.Errorf("loader: open store for %q: %w", hostID, err)
	}
	info, ok, err := metadata.GetMetadata(ctx, store, hostID)
	if err != nil {
		_ = store.Close()
		return nil, nil, metadata.Info{}, err
	}
	if !ok {
		_ = store.Close()
		return nil, nil, metadata.Info{}, rkerr.ActorNotFound
	}
	inst := l.factory(hostID, store, info)
	if err := inst.OnWake(ctx); err != nil {
		_ = store.Close()
		return nil, nil, metadata.Info{}, fmt.Errorf("loader: onWake %q: %w", hostID, err)
	}
	return inst, store, info, nil
}

// EnsureWarm activates hostID eagerly (used right after Create succeeds,
// spec.md §4.2 step 7: "eagerly call onWake") without requiring a
// subsequent caller-driven Load; it is just Load with the result
// discarded on success.
func (l *Loader) EnsureWarm(ctx context.Context, hostID string) error {
	_, err := l.Load(ctx, hostID)
	return err
}

// StoreFor returns the storage.Store backing a currently-loaded host id.
// It gives a caller direct access to the actor's database once it is
// known to be resident.
func (l *Loader) StoreFor(hostID string) (*storage.Store, bool) {
	e := l.entryFor(hostID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateLoaded {
		return nil, false
	}
	return e.store, true
}

// Sleep transitions a loaded instance back to stateEmpty, calling
// OnSleep and closing its store handle so the in-memory footprint is
// released while the durable KV/SQL state persists on disk (spec.md
// §4.8). It is a no-op if the host id isn't currently loaded.
func (l *Loader) Sleep(ctx context.Context, hostID string) error {
	e := l.entryFor(hostID)
	e.mu.Lock()
	if e.state != stateLoaded {
		e.mu.Unlock()
		return nil
	}
	inst, store, name := e.instance, e.store, e.info.Name
	e.mu.Unlock()

	sleepErr := inst.OnSleep(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateLoaded {
		e.transition(stateLoaded, stateEmpty)
		e.instance = nil
		e.store = nil
	}
	if closeErr := store.Close(); closeErr != nil && sleepErr == nil {
		sleepErr = closeErr
	}
	if sleepErr == nil {
		metrics.ActorSleeps.WithLabelValues(name).Inc()
	}
	return sleepErr
}

// Destroy marks hostID as destroying (rejecting new Load calls with
// actor.destroying), waits for any in-flight activation to settle, runs
// OnDestroy against the resident instance (activating a sleeping actor
// first so its hook still runs), tombstones the metadata row, and evicts
// the entry entirely so a future Create starts from stateEmpty again.
func (l *Loader) Destroy(ctx context.Context, hostID string) error {
	e := l.entryFor(hostID)

	for {
		e.mu.Lock()
		switch e.state {
		case stateEmpty:
			// Destroying a sleeping (or never-loaded) actor still has to
			// run its onDestroy hook, so wake it first. If there's no
			// metadata row at all (never created, or already destroyed),
			// activate fails with actor.not_found and destroy is a no-op.
			e.transition(stateEmpty, stateLoading)
			done := make(chan struct{})
			e.loadDone = done
			e.mu.Unlock()

			inst, store, info, err := l.activate(ctx, hostID)

			e.mu.Lock()
			if err != nil {
				e.transition(stateLoading, stateEmpty)
				close(done)
				e.mu.Unlock()
				if rkErr, ok := err.(*rkerr.Error); ok && rkErr.Is(rkerr.ActorNotFound) {
					l.evict(hostID)
					return nil
				}
				return err
			}
			e.store, e.instance, e.info = store, inst, info
			e.transition(stateLoading, stateLoaded)
			close(done)
			e.mu.Unlock()
			continue // re-enter the loop; it will now take the stateLoaded branch

		case stateLoaded:
			inst, store, name := e.instance, e.store, e.info.Name
			e.transition(stateLoaded, stateDestroying)
			e.mu.Unlock()
			destroyErr := inst.OnDestroy(ctx)
			if destroyErr == nil {
				destroyErr = metadata.Destroy(ctx, store)
			}
			_ = store.Close()
			l.evict(hostID)
			if destroyErr == nil {
				metrics.ActorDestroys.WithLabelValues(name).Inc()
			}
			return destroyErr

		case stateLoading:
			done := e.loadDone
			e.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		case stateDestroying:
			e.mu.Unlock()
			return nil // already destroying; idempotent

		default:
			e.mu.Unlock()
			panic(fmt.Sprintf("loader: unreachable state %s", e.state))
		}
	}
}

func (l *Loader) evict(hostID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, hostID)
}

// GetMetadata returns hostID's durable metadata row without requiring
// the actor to be resident: it reads through the cached store if the
// entry is currently loaded, or opens (and closes) an ephemeral store
// otherwise.
func (l *Loader) GetMetadata(ctx context.Context, hostID string) (metadata.Info, bool, error) {
	e := l.entryFor(hostID)
	e.mu.Lock()
	if e.state == stateLoaded {
		store := e.store
		e.mu.Unlock()
		return metadata.GetMetadata(ctx, store, hostID)
	}
	e.mu.Unlock()

	store, err := storage.Open(l.cfg.DataDir, hostID)
	if err != nil {
		return metadata.Info{}, false, fmt.Errorf("loader: open store for metadata %q: %w", hostID, err)
	}
	defer store.Close()
	return metadata.GetMetadata(ctx, store, hostID)
}

// Create runs metadata.Create for hostID, serialized against concurrent
// Load/Sleep/Destroy for the same host id by holding its entry lock for
// the duration — the "exclusive lock is the only lock" model spec.md §5
// describes for activation, reused here since create/destroy must be
// serialized per hostId exactly the same way (spec.md §4.2).
func (l *Loader) Create(ctx context.Context, hostID string, req metadata.CreateRequest) (metadata.CreateResult, error) {
	e := l.entryFor(hostID)
	e.mu.Lock()
	defer e.mu.Unlock()

	store := e.store
	ownStore := false
	if e.state != stateLoaded {
		var err error
		store, err = storage.Open(l.cfg.DataDir, hostID)
		if err != nil {
			return metadata.CreateResult{}, fmt.Errorf("loader: open store for create %q: %w", hostID, err)
		}
		ownStore = true
	}

	res, rkErr := metadata.Create(ctx, store, hostID, req)
	if rkErr == nil && res.Created {
		// Step 6 (spec.md §4.2): a freshly created or resurrected
		// generation starts from the seed payload, not whatever the
		// previous generation left behind — metadata.Destroy already
		// wiped the KV range when the previous generation was
		// tombstoned, so this is always writing into an empty namespace.
		if stateErr := store.PutState(ctx, req.Input, l.cfg.CompressPersistBlobAbove); stateErr != nil {
			if ownStore {
				_ = store.Close()
			}
			return metadata.CreateResult{}, fmt.Errorf("loader: seed state for %q: %w", hostID, stateErr)
		}
	}
	if ownStore {
		_ = store.Close()
	}
	if rkErr != nil {
		return metadata.CreateResult{}, rkErr
	}
	return res, nil
}
