package manager

import (
	"context"
	"testing"

	"github.com/rivet-dev/rivet-sub006/internal/actor"
	"github.com/rivet-dev/rivet-sub006/internal/config"
	"github.com/rivet-dev/rivet-sub006/internal/index"
	"github.com/rivet-dev/rivet-sub006/internal/loader"
)

func testManager(t *testing.T, def *actor.Definition) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir

	l := loader.New(cfg, actor.NewFactory(def, 0))
	idx, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	return New(l, idx, dir)
}

func TestCreateThenGetWithKeyResolvesSameActor(t *testing.T) {
	def := &actor.Definition{Name: "counter"}
	m := testManager(t, def)
	ctx := context.Background()

	created, wasCreated, err := m.CreateActor(ctx, CreateRequest{Name: "counter", Key: []string{"room-1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !wasCreated {
		t.Fatalf("expected Created=true")
	}

	got, err := m.GetWithKey(ctx, "counter", []string{"room-1"})
	if err != nil {
		t.Fatalf("get with key: %v", err)
	}
	if got.HostID() != created.HostID() {
		t.Fatalf("expected same host id, got %q vs %q", got.HostID(), created.HostID())
	}
}

func TestCreateDuplicateRejectedWithoutAllowExisting(t *testing.T) {
	def := &actor.Definition{Name: "counter"}
	m := testManager(t, def)
	ctx := context.Background()

	if _, _, err := m.CreateActor(ctx, CreateRequest{Name: "counter", Key: []string{"room-1"}}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, _, err := m.CreateActor(ctx, CreateRequest{Name: "counter", Key: []string{"room-1"}}); err == nil {
		t.Fatalf("expected duplicate key rejection")
	}
}

func TestGetOrCreateWithKeyIsIdempotent(t *testing.T) {
	def := &actor.Definition{Name: "counter"}
	m := testManager(t, def)
	ctx := context.Background()

	first, err := m.GetOrCreateWithKey(ctx, "counter", []string{"room-2"}, nil)
	if err != nil {
		t.Fatalf("first getOrCreate: %v", err)
	}
	second, err := m.GetOrCreateWithKey(ctx, "counter", []string{"room-2"}, nil)
	if err != nil {
		t.Fatalf("second getOrCreate: %v", err)
	}
	if first.HostID() != second.HostID() {
		t.Fatalf("expected the same actor both times")
	}
}

func TestGetWithKeyMissingReturnsNotFound(t *testing.T) {
	def := &actor.Definition{Name: "counter"}
	m := testManager(t, def)
	if _, err := m.GetWithKey(context.Background(), "counter", []string{"nope"}); err == nil {
		t.Fatalf("expected not_found for a never-created key")
	}
}

func TestDestroyActorThenGetWithKeyFails(t *testing.T) {
	def := &actor.Definition{Name: "counter"}
	m := testManager(t, def)
	ctx := context.Background()

	a, _, err := m.CreateActor(ctx, CreateRequest{Name: "counter", Key: []string{"room-3"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	actorID := a.Info().ActorID

	if err := m.DestroyActor(ctx, actorID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := m.GetWithKey(ctx, "counter", []string{"room-3"}); err == nil {
		t.Fatalf("expected get with key to fail after destroy")
	}
}

func TestSubprotocolRoundTrip(t *testing.T) {
	p := ParsedSubprotocol{
		ActorID:    "host-a:0",
		Encoding:   "json",
		ConnParams: map[string]string{"conn_id": "abc"},
	}
	built := BuildSubprotocol(p)
	parsed, err := ParseSubprotocol(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ActorID != p.ActorID || parsed.Encoding != p.Encoding || parsed.ConnParams["conn_id"] != "abc" {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestSubprotocolRejectsUnknownEncoding(t *testing.T) {
	_, err := ParseSubprotocol("rivet;target.actor;actor.host-a:0;encoding.xml")
	if err == nil {
		t.Fatalf("expected rejection of an unsupported encoding token")
	}
}

func TestSubprotocolRejectsMissingTokens(t *testing.T) {
	_, err := ParseSubprotocol("rivet;actor.host-a:0;encoding.json")
	if err == nil {
		t.Fatalf("expected rejection when target.actor is missing")
	}
}
