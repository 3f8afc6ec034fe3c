// Package index maintains the advisory global (name, key) -> actorId
// mapping used to short-circuit getWithKey lookups (spec.md §4.2,
// §9 "eventually consistent index"). It is never authoritative: every
// hit is re-verified against the owning host's metadata row before use,
// and a miss falls back to hostid.Derive + getMetadata.
//
// Grounded on github.com/tidwall/buntdb, an embeddable ordered key-value
// store with secondary indexing, also present as a dependency in the
// wider retrieved example pack.
package index

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/buntdb"
)

// Index is a process-local cache of (name,key) -> actorId. It is opened
// once per runtime instance and shared by every actor name.
type Index struct {
	db *buntdb.DB
}

// Open opens (or creates) the index database at path. Pass ":memory:" for
// a non-persistent index, used by tests and single-process deployments
// that are happy to rebuild the index lazily from metadata lookups.
func Open(path string) (*Index, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open %q: %w", path, err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }

func indexKey(name string, key []string) (string, error) {
	encodedKey, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("index: encode key: %w", err)
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('\x00')
	b.Write(encodedKey)
	return b.String(), nil
}

// Put records actorID as the last-known resolution for (name, key). It is
// always called asynchronously from the caller's perspective (spec.md
// §4.2 step 6: "asynchronously write the (name,key)->actorId global
// index") — callers should not block create/resurrect on its result.
func (idx *Index) Put(name string, key []string, actorID string) error {
	k, err := indexKey(name, key)
	if err != nil {
		return err
	}
	return idx.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(k, actorID, nil)
		return err
	})
}

// Lookup returns the last-known actorId for (name, key), or ok=false if
// the index has no entry. The caller must re-verify the result against
// the owning host's metadata row; this index is advisory only.
func (idx *Index) Lookup(name string, key []string) (actorID string, ok bool, err error) {
	k, err := indexKey(name, key)
	if err != nil {
		return "", false, err
	}
	viewErr := idx.db.View(func(tx *buntdb.Tx) error {
		v, getErr := tx.Get(k)
		if getErr != nil {
			if getErr == buntdb.ErrNotFound {
				return nil
			}
			return getErr
		}
		actorID = v
		ok = true
		return nil
	})
	if viewErr != nil {
		return "", false, fmt.Errorf("index: lookup: %w", viewErr)
	}
	return actorID, ok, nil
}

// Delete removes the (name, key) entry, called when an actor is
// destroyed (spec.md §4.8) so a later getWithKey doesn't resolve to a
// tombstoned generation before falling back to metadata.
func (idx *Index) Delete(name string, key []string) error {
	k, err := indexKey(name, key)
	if err != nil {
		return err
	}
	err = idx.db.Update(func(tx *buntdb.Tx) error {
		_, delErr := tx.Delete(k)
		if delErr == buntdb.ErrNotFound {
			return nil
		}
		return delErr
	})
	if err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	return nil
}
