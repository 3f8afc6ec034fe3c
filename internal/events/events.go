// Package events implements broadcast event fan-out to an actor's
// connected subscribers (spec.md §4.6): per-event authorization via
// canSubscribe, strict per-subscriber delivery ordering, and a
// per-connection broadcast rate limit.
//
// Grounded on go.uber.org/zap's Named-logger-per-component idiom (see
// internal/rlog) for diagnostics, and golang.org/x/time/rate for the
// token-bucket limiter — the same library family the wider example pack
// reaches for whenever a component needs to shed excess fan-out rather
// than buffer unboundedly.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rivet-dev/rivet-sub006/internal/metrics"
	"github.com/rivet-dev/rivet-sub006/internal/rlog"
)

var log = rlog.Named("events")

// Declaration is one named event's authorization policy, fixed at actor
// construction time (spec.md §4.6). CanSubscribe nil means any
// connection may subscribe.
type Declaration struct {
	Name         string
	CanSubscribe func(connID string) bool
}

// Subscriber receives broadcast events in strict FIFO order relative to
// other events delivered to the same subscriber. Deliver must not block
// the broadcaster indefinitely; implementations typically push onto a
// bounded per-connection outbound queue.
type Subscriber interface {
	ConnID() string
	Deliver(ctx context.Context, eventName string, payload []byte) error
}

// Bus fans out broadcasts to subscribed connections for one actor.
type Bus struct {
	declarations map[string]Declaration

	mu          sync.Mutex
	subscribers map[string]Subscriber          // connID -> subscriber
	subscribed  map[string]map[string]struct{} // eventName -> set of connID
	limiters    map[string]*rate.Limiter        // connID -> limiter

	rateLimitPerSec float64
}

// New constructs a Bus. rateLimitPerSec bounds how many events per
// second are delivered to any single connection; 0 disables the limit.
func New(declarations []Declaration, rateLimitPerSec float64) *Bus {
	byName := make(map[string]Declaration, len(declarations))
	for _, d := range declarations {
		byName[d.Name] = d
	}
	return &Bus{
		declarations:    byName,
		subscribers:     make(map[string]Subscriber),
		subscribed:      make(map[string]map[string]struct{}),
		limiters:        make(map[string]*rate.Limiter),
		rateLimitPerSec: rateLimitPerSec,
	}
}

// Subscribe registers sub for eventName, authorizing via the event's
// CanSubscribe hook (spec.md §4.6). ok=false means the subscription was
// refused.
func (b *Bus) Subscribe(eventName string, sub Subscriber) bool {
	if decl, declared := b.declarations[eventName]; declared && decl.CanSubscribe != nil && !decl.CanSubscribe(sub.ConnID()) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.ConnID()] = sub
	if b.subscribed[eventName] == nil {
		b.subscribed[eventName] = make(map[string]struct{})
	}
	b.subscribed[eventName][sub.ConnID()] = struct{}{}
	if b.rateLimitPerSec > 0 {
		if _, ok := b.limiters[sub.ConnID()]; !ok {
			b.limiters[sub.ConnID()] = rate.NewLimiter(rate.Limit(b.rateLimitPerSec), int(b.rateLimitPerSec)+1)
		}
	}
	return true
}

// Unsubscribe removes connID from eventName's subscriber set. Passing an
// empty eventName removes the connection from every event it subscribed
// to, used when a connection closes (spec.md §4.6, §4.9).
func (b *Bus) Unsubscribe(connID, eventName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventName == "" {
		for _, set := range b.subscribed {
			delete(set, connID)
		}
		delete(b.subscribers, connID)
		delete(b.limiters, connID)
		return
	}
	if set, ok := b.subscribed[eventName]; ok {
		delete(set, connID)
	}
}

// Broadcast delivers payload to every connection subscribed to
// eventName, in a deterministic connection order so repeated broadcasts
// within a single test are reproducible. Per-subscriber delivery is
// strictly ordered relative to prior broadcasts for that subscriber
// because b.mu is held for the entire fan-out, including the Deliver
// calls themselves, not just while the subscriber snapshot is taken — so
// two concurrent Broadcast calls can never interleave their Deliver
// calls to the same connection.
func (b *Bus) Broadcast(ctx context.Context, eventName string, payload []byte) {
	start := time.Now()
	defer func() {
		metrics.BroadcastFanoutSeconds.WithLabelValues(eventName).Observe(time.Since(start).Seconds())
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	connIDs := make([]string, 0, len(b.subscribed[eventName]))
	for id := range b.subscribed[eventName] {
		connIDs = append(connIDs, id)
	}
	sort.Strings(connIDs)

	for _, id := range connIDs {
		sub := b.subscribers[id]
		limiter := b.limiters[id]
		if limiter != nil && !limiter.Allow() {
			log.Warn("dropping broadcast: rate limit exceeded", rlog.ConnID(sub.ConnID()))
			continue
		}
		if err := sub.Deliver(ctx, eventName, payload); err != nil {
			log.Warn("broadcast delivery failed", rlog.ConnID(sub.ConnID()))
		}
	}
}
