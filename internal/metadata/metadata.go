// Package metadata implements the durable (name, key, generation,
// destroyed) row per actor host id and the create/resurrect state
// transition fixed by spec.md §4.2. It is a pure logic layer over a
// caller-supplied *storage.Store; the cache of which store backs which
// host id is owned by internal/loader (spec.md §9's re-architected
// "explicit per-host registry table keyed by hostId").
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/rivet-sub006/internal/actorid"
	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

// Info is the durable view of a host id's metadata row, as returned by
// getMetadata (spec.md §4.2). This package only ever returns the durable
// Destroyed bit, and GetMetadata never returns a destroyed row. No
// in-memory Destroying flag is added on top; a host id whose destroy is
// in flight is reported by loader.Load as actor.destroying instead.
type Info struct {
	ActorID    string
	Name       string
	Key        []string
	Generation int64
	Destroyed  bool
}

// GetMetadata reads the singleton row, returning ok=false if no row
// exists or if the row is tombstoned (destroyed=true), per spec.md §4.2.
func GetMetadata(ctx context.Context, store *storage.Store, hostID string) (Info, bool, error) {
	row, ok, err := store.GetMetaRow(ctx, nil)
	if err != nil {
		return Info{}, false, err
	}
	if !ok || row.Destroyed {
		return Info{}, false, nil
	}
	var key []string
	if err := json.Unmarshal([]byte(row.Key), &key); err != nil {
		return Info{}, false, fmt.Errorf("metadata: decode key: %w", err)
	}
	return Info{
		ActorID:    actorid.Build(hostID, row.Generation),
		Name:       row.Name,
		Key:        key,
		Generation: row.Generation,
		Destroyed:  row.Destroyed,
	}, true, nil
}

// CreateRequest is the input to Create (spec.md §4.2).
type CreateRequest struct {
	Name          string
	Key           []string
	Input         []byte // seed for the initial persist blob
	AllowExisting bool
}

// CreateResult is the successful output of Create.
type CreateResult struct {
	ActorID string
	Created bool
}

// Create implements spec.md §4.2's 6-step ordering guarantee. Steps 1-5
// run inside a single SQL transaction on store so concurrent Create
// attempts against the same hostID (serialized by the loader's per-host
// lock, see internal/loader) observe a consistent row. The caller is
// responsible for seeding the persist blob from req.Input and for the
// asynchronous global-index write (step 6) and the eager onWake load
// (step 7) — those span components beyond this package's pure-row logic.
func Create(ctx context.Context, store *storage.Store, hostID string, req CreateRequest) (CreateResult, *rkerr.Error) {
	keyJSON, err := json.Marshal(req.Key)
	if err != nil {
		return CreateResult{}, rkerr.Wrap(rkerr.Internal, err)
	}

	var result CreateResult
	txErr := store.WithTx(ctx, func(tx *sql.Tx) error {
		row, ok, err := store.GetMetaRow(ctx, tx)
		if err != nil {
			return err
		}

		switch {
		case ok && !row.Destroyed:
			// Step 2: row exists and alive.
			if !req.AllowExisting {
				return errAlreadyExists{}
			}
			result = CreateResult{ActorID: actorid.Build(hostID, row.Generation), Created: false}
			return nil

		case ok && row.Destroyed:
			// Step 3: resurrect into the next generation.
			newRow := storage.MetaRow{
				Name:       req.Name,
				Key:        string(keyJSON),
				Destroyed:  false,
				Generation: row.Generation + 1,
			}
			if err := store.PutMetaRow(ctx, tx, newRow); err != nil {
				return err
			}
			result = CreateResult{ActorID: actorid.Build(hostID, newRow.Generation), Created: true}
			return nil

		default:
			// Step 4: no row yet.
			newRow := storage.MetaRow{Name: req.Name, Key: string(keyJSON), Destroyed: false, Generation: 0}
			if err := store.PutMetaRow(ctx, tx, newRow); err != nil {
				return err
			}
			result = CreateResult{ActorID: actorid.Build(hostID, 0), Created: true}
			return nil
		}
	})

	if txErr != nil {
		if _, is := txErr.(errAlreadyExists); is {
			return CreateResult{}, rkerr.ActorDuplicateKey
		}
		return CreateResult{}, rkerr.Wrap(rkerr.Internal, txErr)
	}
	return result, nil
}

type errAlreadyExists struct{}

func (errAlreadyExists) Error() string { return "metadata: actor already exists" }

// Destroy marks the metadata row destroyed and wipes the KV range, per
// spec.md §4.8's destroy transition. It does not clear the alarm or
// delete the global index entry: actor.Actor.OnDestroy clears the alarm,
// and manager.DestroyActor deletes the index entry.
func Destroy(ctx context.Context, store *storage.Store) error {
	return store.WithTx(ctx, func(tx *sql.Tx) error {
		row, ok, err := store.GetMetaRow(ctx, tx)
		if err != nil {
			return err
		}
		if !ok || row.Destroyed {
			// Idempotent: destroying an already-destroyed actor is a no-op
			// success, per spec.md §8.
			return nil
		}
		row.Destroyed = true
		if err := store.PutMetaRow(ctx, tx, row); err != nil {
			return err
		}
		return store.WipeKV(ctx, tx)
	})
}
