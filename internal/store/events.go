package store

import "context"

// Collection names a store collection in change events.
type Collection string

// Collections.
const (
	CollectionFiles   Collection = "files"
	CollectionCursor  Collection = "cursor"
	CollectionPending Collection = "pending"
)

// EventOp is the kind of mutation an Event reports.
type EventOp string

// Event operations.
const (
	EventUpsert EventOp = "upsert"
	EventDelete EventOp = "delete"
	// EventReset means the whole collection was replaced.
	EventReset EventOp = "reset"
)

// Event notifies observers that a collection changed. It carries ids, not
// data: observers re-issue their queries.
type Event struct {
	Collection Collection `json:"collection"`
	Op         EventOp    `json:"op"`
	IDs        []string   `json:"ids,omitempty"`
}

// Subscribe registers fn to be called after every committed mutation.
// fn runs on the writer's goroutine and must not block for long.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(ctx context.Context, ev Event) {
	s.subMu.RLock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	s.logger.DebugContext(ctx, "store event", "collection", ev.Collection, "op", ev.Op, "count", len(ev.IDs))
	for _, fn := range fns {
		fn(ev)
	}
}
