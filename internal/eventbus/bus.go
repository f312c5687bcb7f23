// Package eventbus implements the in-process, best-effort pub/sub fan-out
// described in spec.md §4.2. It replaces the teacher's global
// runtime.EventsEmit(ctx, ...) calls (a GUI-runtime singleton) with an
// explicit, constructible dependency, per the "global mutable state" design
// note in spec.md §9.
package eventbus

import (
	"log/slog"
	"sync"
)

// bufferDepth bounds how many events a slow subscriber may have queued
// before new ones are dropped (item_updated excepted, see coalescing below).
const bufferDepth = 64

// Token identifies a subscription for later Unsubscribe calls.
type Token uint64

// Handler receives events in publish order for the kinds it subscribed to.
type Handler func(Event)

// Bus is a typed, multi-subscriber fan-out. Publish is non-blocking from the
// producer's point of view: delivery happens on a per-subscriber goroutine,
// so one slow handler cannot stall another or the publisher.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextTok Token
	subs    map[Token]*subscriber
}

type subscriber struct {
	mu   sync.Mutex
	cond *sync.Cond

	kinds   map[Kind]struct{} // nil/empty means "all kinds"
	handler Handler
	closed  bool

	queue     []Event
	itemSlots map[string]int // item id -> index in queue, for item_updated coalescing
}

// New constructs a Bus. logger is used only to report dropped events from a
// saturated subscriber buffer; it is never required to be non-nil.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, subs: make(map[Token]*subscriber)}
}

// Subscribe registers handler for the given kinds (empty = all kinds) and
// starts its dedicated delivery goroutine. The returned token is passed to
// Unsubscribe to stop delivery.
func (b *Bus) Subscribe(kinds []Kind, handler Handler) Token {
	s := &subscriber{handler: handler, itemSlots: make(map[string]int)}
	s.cond = sync.NewCond(&s.mu)
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextTok++
	tok := b.nextTok
	b.subs[tok] = s
	b.mu.Unlock()

	go s.deliverLoop()
	return tok
}

// Unsubscribe stops delivery to the subscription and wakes its goroutine so
// it can exit.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	s, ok := b.subs[tok]
	delete(b.subs, tok)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Publish fans an event out to every matching subscriber. It never blocks on
// a subscriber: per subscriber-queue semantics are best-effort, at-most-once
// delivery, with item_updated coalesced and everything else dropped with a
// log_warning-equivalent message when the buffer is saturated.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	ev := Event{Kind: kind, Payload: payload}
	for _, s := range targets {
		s.offer(kind, ev, b.logger)
	}
}

func (s *subscriber) offer(kind Kind, ev Event, logger *slog.Logger) {
	if s.kinds != nil {
		if _, ok := s.kinds[kind]; !ok {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if kind == ItemUpdated {
		if id, ok := itemID(ev.Payload); ok {
			if idx, exists := s.itemSlots[id]; exists {
				s.queue[idx] = ev
				s.cond.Signal()
				return
			}
			if len(s.queue) >= bufferDepth {
				logger.Warn("eventbus: dropping event, subscriber buffer full", "kind", kind)
				return
			}
			s.itemSlots[id] = len(s.queue)
			s.queue = append(s.queue, ev)
			s.cond.Signal()
			return
		}
	}

	if len(s.queue) >= bufferDepth {
		logger.Warn("eventbus: dropping event, subscriber buffer full", "kind", kind)
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) deliverLoop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		// Slot indices shift by one; rebuild the coalescing index rather than
		// walk-and-decrement on every delivery (queues stay shallow).
		if len(s.itemSlots) > 0 {
			s.itemSlots = make(map[string]int, len(s.itemSlots))
			for i, q := range s.queue {
				if q.Kind == ItemUpdated {
					if id, ok := itemID(q.Payload); ok {
						s.itemSlots[id] = i
					}
				}
			}
		}
		handler := s.handler
		s.mu.Unlock()

		handler(ev)
	}
}

func itemID(payload any) (string, bool) {
	switch p := payload.(type) {
	case ItemPayload:
		return p.ID, true
	case *ItemPayload:
		return p.ID, true
	default:
		return "", false
	}
}
