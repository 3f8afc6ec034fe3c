package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rivet-dev/rivet-sub006/internal/config"
	"github.com/rivet-dev/rivet-sub006/internal/metadata"
	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

type fakeInstance struct {
	wakeCount    int32
	sleepCount   int32
	destroyCount int32
}

func (f *fakeInstance) OnWake(ctx context.Context) error    { atomic.AddInt32(&f.wakeCount, 1); return nil }
func (f *fakeInstance) OnSleep(ctx context.Context) error   { atomic.AddInt32(&f.sleepCount, 1); return nil }
func (f *fakeInstance) OnDestroy(ctx context.Context) error { atomic.AddInt32(&f.destroyCount, 1); return nil }

func testLoader(t *testing.T) (*Loader, *fakeInstance) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	inst := &fakeInstance{}
	l := New(cfg, func(hostID string, store *storage.Store, info metadata.Info) Instance {
		return inst
	})
	return l, inst
}

func seedActor(t *testing.T, dataDir, hostID string) {
	t.Helper()
	store, err := storage.Open(dataDir, hostID)
	if err != nil {
		t.Fatalf("seed: open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, rkErr := metadata.Create(ctx, store, hostID, metadata.CreateRequest{Name: "counter", Key: []string{"k"}}); rkErr != nil {
		t.Fatalf("seed: create: %v", rkErr)
	}
}

func TestLoadActivatesOnce(t *testing.T) {
	l, inst := testLoader(t)
	seedActor(t, l.cfg.DataDir, "host-x")
	ctx := context.Background()

	if _, err := l.Load(ctx, "host-x"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := l.Load(ctx, "host-x"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if atomic.LoadInt32(&inst.wakeCount) != 1 {
		t.Fatalf("expected exactly one onWake, got %d", inst.wakeCount)
	}
}

func TestLoadMissingActorReturnsNotFound(t *testing.T) {
	l, _ := testLoader(t)
	_, err := l.Load(context.Background(), "host-never-created")
	if err == nil {
		t.Fatalf("expected not_found error")
	}
	rkErr, ok := err.(*rkerr.Error)
	if !ok || !rkErr.Is(rkerr.ActorNotFound) {
		t.Fatalf("expected actor.not_found, got %v", err)
	}
}

func TestConcurrentLoadDedupes(t *testing.T) {
	l, inst := testLoader(t)
	seedActor(t, l.cfg.DataDir, "host-y")
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.Load(ctx, "host-y"); err != nil {
				t.Errorf("load: %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&inst.wakeCount) != 1 {
		t.Fatalf("expected exactly one onWake across %d concurrent loads, got %d", n, inst.wakeCount)
	}
}

func TestSleepThenReloadReactivates(t *testing.T) {
	l, inst := testLoader(t)
	seedActor(t, l.cfg.DataDir, "host-z")
	ctx := context.Background()

	if _, err := l.Load(ctx, "host-z"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.Sleep(ctx, "host-z"); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if atomic.LoadInt32(&inst.sleepCount) != 1 {
		t.Fatalf("expected one onSleep, got %d", inst.sleepCount)
	}

	if _, err := l.Load(ctx, "host-z"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if atomic.LoadInt32(&inst.wakeCount) != 2 {
		t.Fatalf("expected two onWake calls after reactivation, got %d", inst.wakeCount)
	}
}

func TestDestroyRejectsFurtherLoads(t *testing.T) {
	l, inst := testLoader(t)
	seedActor(t, l.cfg.DataDir, "host-w")
	ctx := context.Background()

	if _, err := l.Load(ctx, "host-w"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.Destroy(ctx, "host-w"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if atomic.LoadInt32(&inst.destroyCount) != 1 {
		t.Fatalf("expected one onDestroy, got %d", inst.destroyCount)
	}

	// Destroy evicts the entry entirely, so a later Load starts fresh
	// from stateEmpty rather than observing actor.destroying forever —
	// this models resurrection via metadata.Create, not a permanent ban.
	if _, err := l.Load(ctx, "host-w"); err == nil {
		t.Fatalf("expected not_found since the metadata row is now tombstoned")
	}
}

func TestDestroySleepingActorStillRunsOnDestroy(t *testing.T) {
	l, inst := testLoader(t)
	seedActor(t, l.cfg.DataDir, "host-v")
	ctx := context.Background()

	if _, err := l.Load(ctx, "host-v"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.Sleep(ctx, "host-v"); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	// The entry is now stateEmpty (in-memory instance released); destroy
	// must reactivate it to run onDestroy rather than silently skipping
	// the hook.
	if err := l.Destroy(ctx, "host-v"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if atomic.LoadInt32(&inst.destroyCount) != 1 {
		t.Fatalf("expected onDestroy to run even though the actor was sleeping, got %d", inst.destroyCount)
	}
}

func TestDestroyNeverCreatedActorIsNoop(t *testing.T) {
	l, _ := testLoader(t)
	if err := l.Destroy(context.Background(), "host-never-existed"); err != nil {
		t.Fatalf("expected destroying a never-created actor to be a no-op, got %v", err)
	}
}

func TestLoaderCreateThenLoadActivates(t *testing.T) {
	l, inst := testLoader(t)
	ctx := context.Background()

	res, err := l.Create(ctx, "host-create", metadata.CreateRequest{Name: "counter", Key: []string{"k"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected Created=true")
	}

	if err := l.EnsureWarm(ctx, "host-create"); err != nil {
		t.Fatalf("ensure warm: %v", err)
	}
	if atomic.LoadInt32(&inst.wakeCount) != 1 {
		t.Fatalf("expected one onWake after create+warm, got %d", inst.wakeCount)
	}
}

func TestLoaderCreateSeedsPersistBlobFromInput(t *testing.T) {
	l, _ := testLoader(t)
	ctx := context.Background()

	if _, err := l.Create(ctx, "host-seed", metadata.CreateRequest{
		Name:  "counter",
		Key:   []string{"k"},
		Input: []byte(`{"count":7}`),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	store, err := storage.Open(l.cfg.DataDir, "host-seed")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	raw, ok, err := store.GetState(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a seeded persist blob, ok=%v err=%v", ok, err)
	}
	if string(raw) != `{"count":7}` {
		t.Fatalf("expected seeded input to be persisted verbatim, got %q", raw)
	}
}

func TestLoaderCreateDuplicateRejected(t *testing.T) {
	l, _ := testLoader(t)
	ctx := context.Background()

	if _, err := l.Create(ctx, "host-dup", metadata.CreateRequest{Name: "counter", Key: []string{"k"}}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := l.Create(ctx, "host-dup", metadata.CreateRequest{Name: "counter", Key: []string{"k"}})
	if err == nil {
		t.Fatalf("expected duplicate key rejection")
	}
	rkErr, ok := err.(*rkerr.Error)
	if !ok || !rkErr.Is(rkerr.ActorDuplicateKey) {
		t.Fatalf("expected actor.duplicate_key, got %v", err)
	}
}
