package actor

import (
	"context"
	"testing"

	"github.com/rivet-dev/rivet-sub006/internal/events"
	"github.com/rivet-dev/rivet-sub006/internal/metadata"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

type recordingTransport struct {
	received chan string
}

func (t *recordingTransport) Send(ctx context.Context, eventName string, payload []byte) error {
	t.received <- eventName + ":" + string(payload)
	return nil
}

func (t *recordingTransport) Close(ctx context.Context) error { return nil }

func newTestActor(t *testing.T, def *Definition) *Actor {
	t.Helper()
	store, err := storage.OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if _, rkErr := metadata.Create(ctx, store, t.Name(), metadata.CreateRequest{Name: def.Name, Key: []string{"k"}}); rkErr != nil {
		t.Fatalf("create metadata: %v", rkErr)
	}
	info, ok, err := metadata.GetMetadata(ctx, store, t.Name())
	if err != nil || !ok {
		t.Fatalf("get metadata: ok=%v err=%v", ok, err)
	}

	a := NewFactory(def, 0)(t.Name(), store, info).(*Actor)
	if err := a.OnWake(ctx); err != nil {
		t.Fatalf("onWake: %v", err)
	}
	t.Cleanup(func() { _ = a.OnSleep(context.Background()) })
	return a
}

func TestConnectRunsHooksInOrder(t *testing.T) {
	var order []string
	def := &Definition{
		Name: "counter",
		OnBeforeConnect: func(ctx context.Context, a *Actor, meta ConnectMeta) error {
			order = append(order, "beforeConnect")
			return nil
		},
		OnConnect: func(ctx context.Context, a *Actor, conn *Connection) error {
			order = append(order, "connect")
			return nil
		},
	}
	a := newTestActor(t, def)

	transport := &recordingTransport{received: make(chan string, 1)}
	conn, err := a.Connect(context.Background(), ConnectMeta{ConnID: "conn-1"}, transport)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.ConnID() != "conn-1" {
		t.Fatalf("unexpected conn id %q", conn.ConnID())
	}
	if len(order) != 2 || order[0] != "beforeConnect" || order[1] != "connect" {
		t.Fatalf("expected beforeConnect then connect, got %v", order)
	}
}

func TestActionInvokesHandler(t *testing.T) {
	def := &Definition{
		Name: "counter",
		OnAction: func(ctx context.Context, a *Actor, action string, payload []byte) ([]byte, error) {
			return append([]byte("echo:"), payload...), nil
		},
	}
	a := newTestActor(t, def)

	out, err := a.Action(context.Background(), "increment", []byte("5"))
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if string(out) != "echo:5" {
		t.Fatalf("unexpected action result %q", out)
	}
}

func TestBroadcastDeliversToConnectedSubscriber(t *testing.T) {
	def := &Definition{
		Name:   "counter",
		Events: []events.Declaration{{Name: "tick"}},
	}
	a := newTestActor(t, def)

	transport := &recordingTransport{received: make(chan string, 1)}
	if _, err := a.Connect(context.Background(), ConnectMeta{ConnID: "conn-1"}, transport); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !a.Subscribe("conn-1", "tick") {
		t.Fatalf("expected subscribe to succeed")
	}

	a.Broadcast(context.Background(), "tick", []byte("1"))

	select {
	case msg := <-transport.received:
		if msg != "tick:1" {
			t.Fatalf("unexpected delivered message %q", msg)
		}
	default:
		t.Fatalf("expected a delivered broadcast")
	}
}

func TestDisconnectRunsHookAndClearsConnState(t *testing.T) {
	var disconnected string
	def := &Definition{
		Name: "counter",
		OnDisconnect: func(ctx context.Context, a *Actor, connID string) error {
			disconnected = connID
			return nil
		},
	}
	a := newTestActor(t, def)

	transport := &recordingTransport{received: make(chan string, 1)}
	if _, err := a.Connect(context.Background(), ConnectMeta{ConnID: "conn-1"}, transport); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Disconnect(context.Background(), "conn-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if disconnected != "conn-1" {
		t.Fatalf("expected onDisconnect to fire for conn-1, got %q", disconnected)
	}
	if _, ok, _ := a.Store().GetConn(context.Background(), "conn-1"); ok {
		t.Fatalf("expected connection KV entry removed after disconnect")
	}
}

func TestDestroyRunsHookAndTombstonesMetadata(t *testing.T) {
	var destroyed bool
	def := &Definition{
		Name: "counter",
		OnDestroy: func(ctx context.Context, a *Actor) error {
			destroyed = true
			return nil
		},
	}
	a := newTestActor(t, def)

	if err := a.OnDestroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !destroyed {
		t.Fatalf("expected onDestroy hook to run")
	}

	if _, ok, err := metadata.GetMetadata(context.Background(), a.Store(), a.HostID()); err != nil || ok {
		t.Fatalf("expected metadata tombstoned after destroy, ok=%v err=%v", ok, err)
	}
}
