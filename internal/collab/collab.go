// Package collab implements the Collaboration Broadcaster (spec §4.8):
// a per-project roster of live IDE connections and best-effort fan-out
// of file_changed notifications to every other connection in the same
// project room.
//
// Grounded on cuemby-warren's pkg/events.Broker (subscriber registry
// guarded by one mutex, buffered per-subscriber delivery that drops
// rather than blocks on a full subscriber), generalized from one
// process-wide channel-based Subscriber to a per-project roster of
// deliver callbacks, since each IDE Multiplexer connection already owns
// a single serializing writer (the callback just calls Session.send).
package collab

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/log"
)

// Deliver is called for every file_changed notification a connection
// should receive. Implementations must not block; the IDE Multiplexer's
// Session.send already applies its own backpressure policy.
type Deliver func(path string, ts int64)

type room struct {
	mu      sync.RWMutex
	members map[string]Deliver
}

// Broker is the per-process Collaboration Broadcaster: one room per
// project, guarded independently so publishing in one project never
// blocks joins/leaves in another.
type Broker struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger zerolog.Logger
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{
		rooms:  make(map[string]*room),
		logger: log.Component("collab"),
	}
}

func (b *Broker) roomFor(projectRef string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[projectRef]
	if !ok {
		r = &room{members: make(map[string]Deliver)}
		b.rooms[projectRef] = r
	}
	return r
}

// Join adds connID to projectRef's room; deliver is invoked for every
// other connection's subsequent Publish in that room.
func (b *Broker) Join(projectRef, connID string, deliver func(path string, ts int64)) error {
	if connID == "" {
		return errs.New(errs.InvalidConfig, "connection id is required")
	}
	r := b.roomFor(projectRef)
	r.mu.Lock()
	r.members[connID] = deliver
	r.mu.Unlock()
	return nil
}

// Leave removes connID from projectRef's room. A no-op if either is
// unknown, so callers may call it unconditionally on connection close.
func (b *Broker) Leave(projectRef, connID string) {
	b.mu.RLock()
	r, ok := b.rooms[projectRef]
	b.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		b.mu.Lock()
		if cur, ok := b.rooms[projectRef]; ok && cur == r {
			delete(b.rooms, projectRef)
		}
		b.mu.Unlock()
	}
}

// Publish fans out a file_changed notification to every other member of
// originatorConnID's project room, per spec §4.7/§4.8: "every other
// connection in P receives exactly one file_changed for that path" and
// "the publish call is made exactly once" (invariant 7). Delivery beyond
// that call is best-effort.
func (b *Broker) Publish(projectRef, originatorConnID, path string, ts int64) {
	b.mu.RLock()
	r, ok := b.rooms[projectRef]
	b.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]Deliver, 0, len(r.members))
	for connID, deliver := range r.members {
		if connID == originatorConnID {
			continue
		}
		targets = append(targets, deliver)
	}
	r.mu.RUnlock()

	for _, deliver := range targets {
		deliver(path, ts)
	}
}

// Roster returns the connection ids currently joined to projectRef's room.
func (b *Broker) Roster(projectRef string) []string {
	b.mu.RLock()
	r, ok := b.rooms[projectRef]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for connID := range r.members {
		out = append(out, connID)
	}
	return out
}
