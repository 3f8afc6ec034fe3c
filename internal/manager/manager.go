// Package manager is the routing layer spec.md §4.4 calls the "manager
// driver": it resolves (name,key) and raw actor ids down to a loaded
// instance, creates new actors, and proxies requests and WebSocket
// connections to them.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rivet-dev/rivet-sub006/internal/actor"
	"github.com/rivet-dev/rivet-sub006/internal/actorid"
	"github.com/rivet-dev/rivet-sub006/internal/hostid"
	"github.com/rivet-dev/rivet-sub006/internal/index"
	"github.com/rivet-dev/rivet-sub006/internal/loader"
	"github.com/rivet-dev/rivet-sub006/internal/metadata"
	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
	"github.com/rivet-dev/rivet-sub006/internal/rlog"
)

var log = rlog.Named("manager")

// Manager is the single entry point embedding applications and the HTTP/
// WebSocket front door (see subprotocol.go) use to resolve and create
// actors.
type Manager struct {
	loader  *loader.Loader
	index   *index.Index
	dataDir string
}

// New constructs a Manager over an already-wired loader and index.
// dataDir must match the config.Config.DataDir the loader was built
// with; it is only used here for the best-effort ListActorsByName scan.
func New(l *loader.Loader, idx *index.Index, dataDir string) *Manager {
	return &Manager{loader: l, index: idx, dataDir: dataDir}
}

// GetForID resolves a full "hostId:generation" actor id to its loaded
// instance, failing with actor.malformed_id or actor.not_found as
// appropriate (spec.md §4.4).
func (m *Manager) GetForID(ctx context.Context, actorID string) (*actor.Actor, error) {
	hostID, generation, err := actorid.Parse(actorID)
	if err != nil {
		return nil, err
	}
	inst, err := m.loader.Load(ctx, hostID)
	if err != nil {
		return nil, err
	}
	a, ok := inst.(*actor.Actor)
	if !ok {
		return nil, fmt.Errorf("manager: loaded instance is not an *actor.Actor")
	}
	if a.Info().Generation != generation {
		// The caller's actor id names a generation that is no longer
		// live (the actor was destroyed and resurrected since); this
		// must not be silently served by the new generation.
		return nil, rkerr.ActorNotFound
	}
	return a, nil
}

// GetWithKey resolves (name, key) to a loaded instance, consulting the
// global index first and falling back to the deterministic host id
// derivation plus a direct metadata lookup on a miss or a stale hit
// (spec.md §4.2, §4.4). It never creates an actor; see
// GetOrCreateWithKey for that.
func (m *Manager) GetWithKey(ctx context.Context, name string, key []string) (*actor.Actor, error) {
	hostID, err := m.resolveHostID(ctx, name, key)
	if err != nil {
		return nil, err
	}
	if hostID == "" {
		return nil, rkerr.ActorNotFound
	}
	inst, err := m.loader.Load(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return inst.(*actor.Actor), nil
}

// resolveHostID returns the host id currently backing (name, key), or
// "" if none exists. It tries the index first (cheap, may be stale),
// verifying any hit against the authoritative metadata row before
// trusting it, and otherwise falls back to deriving the deterministic
// host id directly and checking metadata there.
func (m *Manager) resolveHostID(ctx context.Context, name string, key []string) (string, error) {
	if cached, ok, err := m.index.Lookup(name, key); err == nil && ok {
		if info, ok, err := m.loader.GetMetadata(ctx, cached); err == nil && ok && !info.Destroyed && info.Name == name {
			return cached, nil
		}
	}

	derived := hostid.Derive(name, key)
	_, ok, err := m.loader.GetMetadata(ctx, derived)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return derived, nil
}

// CreateRequest is the input to GetOrCreateWithKey / CreateActor.
type CreateRequest struct {
	Name          string
	Key           []string
	Input         []byte
	AllowExisting bool
}

// CreateActor implements spec.md §4.2's create operation end to end:
// derive the host id, run the durable create/resurrect transition,
// asynchronously publish the (name,key) -> actorId index entry, then
// eagerly wake the actor (step 7) before returning it.
func (m *Manager) CreateActor(ctx context.Context, req CreateRequest) (*actor.Actor, bool, error) {
	hostID := hostid.Derive(req.Name, req.Key)

	res, err := m.loader.Create(ctx, hostID, metadata.CreateRequest{
		Name:          req.Name,
		Key:           req.Key,
		Input:         req.Input,
		AllowExisting: req.AllowExisting,
	})
	if err != nil {
		return nil, false, err
	}

	go func() {
		if putErr := m.index.Put(req.Name, req.Key, res.ActorID); putErr != nil {
			log.Warn("index put failed", rlog.HostID(hostID))
		}
	}()

	if err := m.loader.EnsureWarm(ctx, hostID); err != nil {
		return nil, false, err
	}
	inst, err := m.loader.Load(ctx, hostID)
	if err != nil {
		return nil, false, err
	}
	return inst.(*actor.Actor), res.Created, nil
}

// GetOrCreateWithKey resolves (name, key) if it already exists, or
// creates it otherwise — the combined operation spec.md §4.4 exposes to
// callers that don't care which happened. It is exactly CreateActor
// with allowExisting=true; CreateActor itself stays the entry point for
// callers that want create-only (allowExisting=false) semantics.
func (m *Manager) GetOrCreateWithKey(ctx context.Context, name string, key []string, input []byte) (*actor.Actor, error) {
	a, _, err := m.CreateActor(ctx, CreateRequest{Name: name, Key: key, Input: input, AllowExisting: true})
	return a, err
}

// DestroyActor destroys the actor backing actorID, removing its global
// index entry first so a concurrent getWithKey can't resolve to a
// generation that's about to be tombstoned (spec.md §4.8).
func (m *Manager) DestroyActor(ctx context.Context, actorID string) error {
	hostID, _, err := actorid.Parse(actorID)
	if err != nil {
		return err
	}
	info, ok, err := m.loader.GetMetadata(ctx, hostID)
	if err == nil && ok {
		_ = m.index.Delete(info.Name, info.Key)
	}
	return m.loader.Destroy(ctx, hostID)
}

// ListActorsByName enumerates every non-destroyed actor with the given
// name by scanning the data directory and reading each candidate's
// metadata row. This runtime keeps no separate durable "all actors by
// name" index — only the per-(name,key) lookup index — so listing is a
// deliberately best-effort, O(hosts) operation left for operator
// tooling (cmd/rivetctl) rather than a hot-path API.
func (m *Manager) ListActorsByName(ctx context.Context, name string) ([]metadata.Info, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manager: list actors: %w", err)
	}

	var out []metadata.Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		hostID := entry.Name()
		if _, err := os.Stat(filepath.Join(m.dataDir, hostID, "state.db")); err != nil {
			continue
		}
		info, ok, err := m.loader.GetMetadata(ctx, hostID)
		if err != nil {
			log.Warn("list actors: metadata read failed", rlog.HostID(hostID))
			continue
		}
		if ok && info.Name == name {
			out = append(out, info)
		}
	}
	return out, nil
}
