package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

func newTestEngine(t *testing.T, decls []Declaration) *Engine {
	t.Helper()
	store, err := storage.OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	e := New(store, decls)
	if err := e.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return e
}

func TestPublishAndTryNextFIFO(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id1, _, rkErr := e.Publish(ctx, "jobs", []byte("first"), "", false)
	if rkErr != nil {
		t.Fatalf("publish 1: %v", rkErr)
	}
	id2, _, rkErr := e.Publish(ctx, "jobs", []byte("second"), "", false)
	if rkErr != nil {
		t.Fatalf("publish 2: %v", rkErr)
	}

	msg, ok, err := e.TryNext(ctx, []string{"jobs"})
	if err != nil || !ok {
		t.Fatalf("try next: ok=%v err=%v", ok, err)
	}
	if msg.ID != id1 || string(msg.Payload) != "first" {
		t.Fatalf("expected FIFO order, got %+v", msg)
	}
	if rkErr := e.Ack(ctx, id1, nil); rkErr != nil {
		t.Fatalf("ack 1: %v", rkErr)
	}

	msg2, ok, err := e.TryNext(ctx, []string{"jobs"})
	if err != nil || !ok {
		t.Fatalf("try next 2: ok=%v err=%v", ok, err)
	}
	if msg2.ID != id2 {
		t.Fatalf("expected second message next, got %+v", msg2)
	}
	if rkErr := e.Ack(ctx, id2, nil); rkErr != nil {
		t.Fatalf("ack 2: %v", rkErr)
	}

	if _, ok, _ := e.TryNext(ctx, []string{"jobs"}); ok {
		t.Fatalf("expected no more pending messages")
	}
}

func TestQueueFullRejectsPublish(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, []Declaration{{Name: "jobs", MaxQueueSize: 1}})

	if _, _, rkErr := e.Publish(ctx, "jobs", []byte("a"), "", false); rkErr != nil {
		t.Fatalf("first publish: %v", rkErr)
	}
	_, _, rkErr := e.Publish(ctx, "jobs", []byte("b"), "", false)
	if rkErr == nil || !rkErr.Is(rkerr.QueueFull) {
		t.Fatalf("expected queue.full, got %v", rkErr)
	}
}

func TestMessageTooLargeRejectsPublish(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, []Declaration{{Name: "jobs", MaxMessageSize: 4}})

	_, _, rkErr := e.Publish(ctx, "jobs", []byte("too long"), "", false)
	if rkErr == nil || !rkErr.Is(rkerr.QueueMessageTooLarge) {
		t.Fatalf("expected queue.message_too_large, got %v", rkErr)
	}
}

func TestPublishForbiddenByCanPublish(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, []Declaration{{
		Name:       "jobs",
		CanPublish: func(connID string) bool { return connID == "trusted" },
	}})

	_, _, rkErr := e.Publish(ctx, "jobs", []byte("a"), "untrusted", false)
	if rkErr == nil || !rkErr.Is(rkerr.ConnectionForbidden) {
		t.Fatalf("expected connection.forbidden, got %v", rkErr)
	}
	if _, _, rkErr := e.Publish(ctx, "jobs", []byte("a"), "trusted", false); rkErr != nil {
		t.Fatalf("expected trusted publisher to succeed, got %v", rkErr)
	}
}

func TestAckAlreadyCompletedIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id, _, _ := e.Publish(ctx, "jobs", []byte("a"), "", false)
	if _, ok, _ := e.TryNext(ctx, []string{"jobs"}); !ok {
		t.Fatalf("expected to claim message")
	}
	if rkErr := e.Ack(ctx, id, nil); rkErr != nil {
		t.Fatalf("ack: %v", rkErr)
	}
	if rkErr := e.Ack(ctx, id, nil); rkErr == nil || !rkErr.Is(rkerr.QueueAlreadyCompleted) {
		t.Fatalf("expected queue.already_completed, got %v", rkErr)
	}
}

func TestWaitHandleResolvesOnAck(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id, waitCh, rkErr := e.Publish(ctx, "jobs", []byte("a"), "", true)
	if rkErr != nil {
		t.Fatalf("publish: %v", rkErr)
	}
	if _, ok, _ := e.TryNext(ctx, []string{"jobs"}); !ok {
		t.Fatalf("expected to claim message")
	}
	if rkErr := e.Ack(ctx, id, nil); rkErr != nil {
		t.Fatalf("ack: %v", rkErr)
	}

	select {
	case res := <-waitCh:
		if !res.Completed {
			t.Fatalf("expected Completed resolution, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
}

// TestWaitCompleteDeliversResponse is spec.md §8 scenario 3: the
// receiver's complete(response) payload must arrive on the paired
// wait:true sender's resolution.
func TestWaitCompleteDeliversResponse(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id, waitCh, rkErr := e.Publish(ctx, "tasks", []byte(`{"value":123}`), "", true)
	if rkErr != nil {
		t.Fatalf("publish: %v", rkErr)
	}
	msg, ok, err := e.TryNext(ctx, []string{"tasks"})
	if err != nil || !ok || msg.ID != id {
		t.Fatalf("expected to claim message, ok=%v err=%v", ok, err)
	}

	response := []byte(`{"echo":{"value":123}}`)
	if rkErr := e.Ack(ctx, id, response); rkErr != nil {
		t.Fatalf("ack: %v", rkErr)
	}

	select {
	case res := <-waitCh:
		if !res.Completed {
			t.Fatalf("expected Completed resolution, got %+v", res)
		}
		if string(res.Response) != string(response) {
			t.Fatalf("expected response %s, got %s", response, res.Response)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
}

// TestNextWithoutCompleteRedeliversAtHead is spec.md §8 scenario 5: a
// receiver calling next again without completing the prior message gets
// queue.previous_message_not_completed, and the prior message is
// redelivered (same body, same id) on the following call.
func TestNextWithoutCompleteRedeliversAtHead(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id1, _, _ := e.Publish(ctx, "jobs", []byte("first"), "", false)
	id2, _, _ := e.Publish(ctx, "jobs", []byte("second"), "", false)

	msg, ok, err := e.TryNext(ctx, []string{"jobs"})
	if err != nil || !ok || msg.ID != id1 {
		t.Fatalf("expected to claim first message, got %+v ok=%v err=%v", msg, ok, err)
	}

	// Calling next again without completing id1 must fail and requeue
	// id1 at the head rather than handing out id2.
	_, ok, err = e.TryNext(ctx, []string{"jobs"})
	if ok {
		t.Fatalf("expected no message to be handed out")
	}
	if rkErr, isRk := err.(*rkerr.Error); !isRk || !rkErr.Is(rkerr.QueuePrevNotCompleted) {
		t.Fatalf("expected queue.previous_message_not_completed, got %v", err)
	}

	// The following call delivers id1 again, same body.
	msg, ok, err = e.TryNext(ctx, []string{"jobs"})
	if err != nil || !ok || msg.ID != id1 || string(msg.Payload) != "first" {
		t.Fatalf("expected id1 redelivered at head, got %+v ok=%v err=%v", msg, ok, err)
	}

	if rkErr := e.Ack(ctx, id1, nil); rkErr != nil {
		t.Fatalf("ack id1: %v", rkErr)
	}

	msg, ok, err = e.TryNext(ctx, []string{"jobs"})
	if err != nil || !ok || msg.ID != id2 {
		t.Fatalf("expected id2 next after id1 completed, got %+v ok=%v err=%v", msg, ok, err)
	}
	if rkErr := e.Ack(ctx, id2, nil); rkErr != nil {
		t.Fatalf("ack id2: %v", rkErr)
	}
}

func TestWaitHandleResolvesOnTimeout(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id, waitCh, rkErr := e.Publish(ctx, "jobs", []byte("a"), "", true)
	if rkErr != nil {
		t.Fatalf("publish: %v", rkErr)
	}
	e.ResolveTimeout(id)

	select {
	case res := <-waitCh:
		if !res.TimedOut {
			t.Fatalf("expected TimedOut resolution, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
}
