// Package queue implements named, durable FIFO queues backed by an
// actor's own SQLite database (spec.md §4.5): bounded size and
// per-message size limits, manual acknowledgement with previous-message
// ordering, and "wait:true" publish handles that resolve once a message
// is acknowledged or its wait deadline passes.
//
// Grounded on other_examples/00c8adb4_bobbydeveaux-starbucks-mugs__internal-queue-sqlite_queue.go.go,
// the same single-writer SQLite queue recipe internal/storage already
// follows, generalized here from one fixed queue to many named queues
// multiplexed over one table, plus the ack/redelivery and wait-handle
// semantics spec.md adds on top.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rivet-dev/rivet-sub006/internal/config"
	"github.com/rivet-dev/rivet-sub006/internal/metrics"
	"github.com/rivet-dev/rivet-sub006/internal/rkerr"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS __rivet_queue_messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    queue_name  TEXT NOT NULL,
    payload     BLOB NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    enqueued_at INTEGER NOT NULL,
    claimed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS __rivet_queue_messages_poll_idx
    ON __rivet_queue_messages (status, queue_name, id);
`

// Status values for a queue message row.
const (
	StatusPending   = "pending"
	StatusInflight  = "inflight"
	StatusCompleted = "completed"
	StatusTimedOut  = "timed_out"
)

// Declaration is one named queue's configuration, fixed at actor
// construction time from the actor's queue declarations (spec.md §4.5).
type Declaration struct {
	Name           string
	MaxQueueSize   int
	MaxMessageSize int
	// CanPublish authorizes a publish attempt; nil means anyone may
	// publish. publisherConnID is empty for internally-originated
	// publishes (e.g. from another action).
	CanPublish func(publisherConnID string) bool
}

// Message is one row handed back by Next/TryNext.
type Message struct {
	ID        int64
	QueueName string
	Payload   []byte
}

// Resolution is delivered on a wait-handle channel once a "wait:true"
// published message reaches a terminal state. Response carries the
// payload passed to complete(response) on the receiving side; it is
// only ever non-nil alongside Completed.
type Resolution struct {
	Completed bool
	TimedOut  bool
	Response  []byte
}

// Engine is one actor's queue subsystem, backed by its store. An actor
// executes queue.next/tryNext cooperatively on its single logical
// thread (spec.md §5), so Engine tracks at most one outstanding,
// unacknowledged inflight message at a time across all queue names.
type Engine struct {
	store        *storage.Store
	declarations map[string]Declaration

	mu      chan struct{} // binary semaphore guarding waiters and inflightMsgID
	waiters map[int64]chan Resolution

	// inflightMsgID is the id of the message handed out by the most
	// recent TryNext/Next that has not yet been acknowledged via Ack, or
	// 0 if none. spec.md §4.5: receiving a new message before completing
	// the previous one redelivers the previous message at the head and
	// raises queue.previous_message_not_completed.
	inflightMsgID int64
}

// New constructs an Engine for store, with one Declaration per named
// queue the actor declares.
func New(store *storage.Store, declarations []Declaration) *Engine {
	byName := make(map[string]Declaration, len(declarations))
	for _, d := range declarations {
		byName[d.Name] = d
	}
	e := &Engine{
		store:        store,
		declarations: byName,
		mu:           make(chan struct{}, 1),
		waiters:      make(map[int64]chan Resolution),
	}
	e.mu <- struct{}{}
	return e
}

// EnsureSchema creates the queue tables if they don't already exist. It
// must be called once after the store is opened, before any Publish.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	if _, err := e.store.SQLExec(ctx, schema); err != nil {
		return fmt.Errorf("queue: ensure schema: %w", err)
	}
	return nil
}

func (e *Engine) lock()   { <-e.mu }
func (e *Engine) unlock() { e.mu <- struct{}{} }

// Publish enqueues payload onto queueName, enforcing the declaration's
// authorization and size/capacity limits (spec.md §4.5). If wait is
// true, the returned channel receives exactly one Resolution once the
// message is acknowledged (Completed) or its wait deadline elapses via
// ResolveTimeout (TimedOut); callers that don't pass wait=true get a nil
// channel.
func (e *Engine) Publish(ctx context.Context, queueName string, payload []byte, publisherConnID string, wait bool) (int64, <-chan Resolution, *rkerr.Error) {
	decl, declared := e.declarations[queueName]
	if declared && decl.CanPublish != nil && !decl.CanPublish(publisherConnID) {
		return 0, nil, rkerr.ConnectionForbidden
	}
	maxMsgSize := 0
	maxQueueSize := 0
	if declared {
		maxMsgSize = decl.MaxMessageSize
		maxQueueSize = decl.MaxQueueSize
	}
	cfg := config.Get()
	if maxMsgSize == 0 {
		maxMsgSize = cfg.DefaultMaxQueueMessageSize
	}
	if maxQueueSize == 0 {
		maxQueueSize = cfg.DefaultMaxQueueSize
	}
	if maxMsgSize > 0 && len(payload) > maxMsgSize {
		return 0, nil, rkerr.QueueMessageTooLarge
	}

	if maxQueueSize > 0 {
		count, err := e.pendingOrInflightCount(ctx, queueName)
		if err != nil {
			return 0, nil, rkerr.Wrap(rkerr.Internal, err)
		}
		if count >= maxQueueSize {
			return 0, nil, rkerr.QueueFullMessage(maxQueueSize)
		}
	}

	res, err := e.store.SQLExec(ctx,
		`INSERT INTO __rivet_queue_messages (queue_name, payload, status, enqueued_at) VALUES (?, ?, ?, ?)`,
		queueName, payload, StatusPending, nowMillis())
	if err != nil {
		return 0, nil, rkerr.Wrap(rkerr.Internal, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil, rkerr.Wrap(rkerr.Internal, err)
	}

	var ch chan Resolution
	if wait {
		ch = make(chan Resolution, 1)
		e.lock()
		e.waiters[id] = ch
		e.unlock()
	}
	metrics.QueueSends.WithLabelValues(queueName).Inc()
	return id, ch, nil
}

func (e *Engine) pendingOrInflightCount(ctx context.Context, queueName string) (int, error) {
	row := e.store.SQLQueryRow(ctx,
		`SELECT COUNT(*) FROM __rivet_queue_messages WHERE queue_name = ? AND status IN (?, ?)`,
		queueName, StatusPending, StatusInflight)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// TryNext claims the oldest pending message across queueNames (FIFO by
// enqueue order, ties broken by queue name) and marks it inflight,
// returning ok=false if nothing is pending.
//
// If the previous TryNext/Next handed out a message that was never
// acknowledged via Ack, that message is redelivered at the head (reset
// to pending) and this call returns queue.previous_message_not_completed
// instead of a new message (spec.md §4.5, §8 scenario 5). The following
// call then proceeds normally and picks the requeued message back up.
func (e *Engine) TryNext(ctx context.Context, queueNames []string) (Message, bool, error) {
	if len(queueNames) == 0 {
		return Message{}, false, nil
	}

	e.lock()
	prev := e.inflightMsgID
	e.inflightMsgID = 0
	e.unlock()
	if prev != 0 {
		if _, err := e.store.SQLExec(ctx,
			`UPDATE __rivet_queue_messages SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`,
			StatusPending, prev, StatusInflight); err != nil {
			return Message{}, false, fmt.Errorf("queue: requeue previous message: %w", err)
		}
		return Message{}, false, rkerr.QueuePrevNotCompleted
	}

	var msg Message
	var found bool
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		placeholders, args := inClause(queueNames)
		query := fmt.Sprintf(
			`SELECT id, queue_name, payload FROM __rivet_queue_messages
			 WHERE status = ? AND queue_name IN (%s)
			 ORDER BY id ASC LIMIT 1`, placeholders)
		row := tx.QueryRowContext(ctx, query, append([]any{StatusPending}, args...)...)
		if err := row.Scan(&msg.ID, &msg.QueueName, &msg.Payload); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE __rivet_queue_messages SET status = ?, claimed_at = ? WHERE id = ?`,
			StatusInflight, nowMillis(), msg.ID); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("queue: try next: %w", err)
	}
	if found {
		e.lock()
		e.inflightMsgID = msg.ID
		e.unlock()
	}
	return msg, found, nil
}

// Next blocks, polling at pollInterval, until a message is available or
// ctx is cancelled. SQLite has no native wait/notify primitive reachable
// from a second process, so this mirrors the grounding example's
// poll-based consumer loop rather than a blocking SQL call.
func (e *Engine) Next(ctx context.Context, queueNames []string, pollInterval time.Duration) (Message, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		msg, ok, err := e.TryNext(ctx, queueNames)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack completes msgID with response (the payload passed to the
// receiver's complete(response) callback, nil if the receiver declared
// no completionType). Per spec.md §4.5, completing a message a second
// time is a programming error (QueueAlreadyCompleted); the previous-
// message ordering guarantee is enforced on the receive path instead
// (see TryNext), since at most one message is ever inflight at a time.
func (e *Engine) Ack(ctx context.Context, msgID int64, response []byte) *rkerr.Error {
	var outcome *rkerr.Error
	var resolveWith *Resolution
	var completedQueue string

	txErr := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var queueName, status string
		row := tx.QueryRowContext(ctx, `SELECT queue_name, status FROM __rivet_queue_messages WHERE id = ?`, msgID)
		if err := row.Scan(&queueName, &status); err != nil {
			if err == sql.ErrNoRows {
				outcome = rkerr.ActorNotFound
				return nil
			}
			return err
		}
		if status == StatusCompleted {
			outcome = rkerr.QueueAlreadyCompleted
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE __rivet_queue_messages SET status = ? WHERE id = ?`,
			StatusCompleted, msgID); err != nil {
			return err
		}
		resolveWith = &Resolution{Completed: true, Response: response}
		completedQueue = queueName
		return nil
	})
	if txErr != nil {
		return rkerr.Wrap(rkerr.Internal, txErr)
	}
	if outcome != nil {
		return outcome
	}

	e.lock()
	if e.inflightMsgID == msgID {
		e.inflightMsgID = 0
	}
	e.unlock()

	metrics.QueueCompletes.WithLabelValues(completedQueue).Inc()
	e.resolve(msgID, *resolveWith)
	return nil
}

// ResolveTimeout is invoked by the caller's timeout sweeper once a
// "wait:true" publish's deadline elapses without an Ack. The message
// itself is left inflight/pending for redelivery; only the wait-handle
// observes the timeout.
func (e *Engine) ResolveTimeout(msgID int64) {
	queueName := "unknown"
	row := e.store.SQLQueryRow(context.Background(), `SELECT queue_name FROM __rivet_queue_messages WHERE id = ?`, msgID)
	_ = row.Scan(&queueName)
	metrics.QueueTimeouts.WithLabelValues(queueName).Inc()
	e.resolve(msgID, Resolution{TimedOut: true})
}

func (e *Engine) resolve(msgID int64, res Resolution) {
	e.lock()
	ch, ok := e.waiters[msgID]
	if ok {
		delete(e.waiters, msgID)
	}
	e.unlock()
	if ok {
		ch <- res
		close(ch)
	}
}

func inClause(names []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(names))
	for i, n := range names {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = n
	}
	return placeholders, args
}

func nowMillis() int64 { return time.Now().UnixMilli() }
