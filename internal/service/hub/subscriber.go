package hub

import (
	"context"
	"sync"

	"github.com/krobus00/market-bridge/internal/entity"
)

// Message is one encoded update waiting in a subscriber queue.
type Message struct {
	Type    entity.UpdateType
	Symbol  string
	Version uint64
	Payload []byte
}

// Subscriber owns a bounded queue. The hub is the only producer; the
// transport goroutine is the only consumer. When the queue is full a
// symbol's queued updates are discarded and the symbol is marked for
// resync; Next then serves the store's current snapshot for it.
type Subscriber struct {
	ID string

	hub   *Hub
	ready chan struct{}
	done  chan struct{}

	mu          sync.Mutex
	symbols     map[string]struct{}
	queue       []Message
	head        int
	size        int
	lastVersion map[string]uint64
	resync      map[string]struct{}
	dropped     uint64
	closed      bool
}

func newSubscriber(id string, h *Hub, capacity int, symbols []string) *Subscriber {
	return &Subscriber{
		ID:          id,
		hub:         h,
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		symbols:     symbolSet(symbols),
		queue:       make([]Message, capacity),
		lastVersion: make(map[string]uint64),
		resync:      make(map[string]struct{}),
	}
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		if key := entity.SymbolKey(symbol); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

// Wants reports whether the subscription covers symbol. An empty set means
// every symbol.
func (s *Subscriber) Wants(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wantsLocked(entity.SymbolKey(symbol))
}

func (s *Subscriber) wantsLocked(key string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[key]
	return ok
}

func (s *Subscriber) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for symbol := range s.symbols {
		out = append(out, symbol)
	}
	return out
}

// Next blocks until a message is queued, the subscriber is closed or ctx
// ends. Pending resyncs are served before queued messages.
func (s *Subscriber) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if msg, ok := s.resyncLocked(); ok {
			s.mu.Unlock()
			return msg, nil
		}
		if s.size > 0 {
			msg := s.queue[s.head]
			s.queue[s.head] = Message{}
			s.head = (s.head + 1) % len(s.queue)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Message{}, entity.ErrSubscriberClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
		case <-s.ready:
		}
	}
}

// resyncLocked reads the store under s.mu so no publish for the symbol can
// land between the read and clearing the mark.
func (s *Subscriber) resyncLocked() (Message, bool) {
	if s.closed {
		return Message{}, false
	}
	for key := range s.resync {
		delete(s.resync, key)
		if !s.wantsLocked(key) {
			continue
		}
		snapshot, ok := s.hub.store.Get(key)
		if !ok {
			continue
		}
		msg, err := encodeSnapshot(snapshot)
		if err != nil {
			s.hub.log.WithField("symbol", key).Errorf("encode snapshot: %v", err)
			continue
		}
		s.lastVersion[key] = msg.Version
		return msg, true
	}
	return Message{}, false
}

// Done is closed once the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Depth counts queued messages plus symbols waiting for a resync.
func (s *Subscriber) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size + len(s.resync)
}

func (s *Subscriber) Capacity() int {
	return len(s.queue)
}

func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close removes the subscriber from its hub.
func (s *Subscriber) Close() {
	s.hub.Unsubscribe(s)
}

// offer enqueues an update unless its version is not newer than what the
// queue already holds for the symbol, or the symbol awaits a resync that
// will carry it anyway.
func (s *Subscriber) offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	key := entity.SymbolKey(msg.Symbol)
	if !s.wantsLocked(key) {
		return false
	}
	if _, pending := s.resync[key]; pending {
		return false
	}
	if last, ok := s.lastVersion[key]; ok && msg.Version <= last {
		return false
	}

	if s.size == len(s.queue) {
		victim := s.victimLocked(key)
		s.evictLocked(victim)
		if victim == key {
			s.signal()
			return false
		}
	}

	s.queue[(s.head+s.size)%len(s.queue)] = msg
	s.size++
	s.lastVersion[key] = msg.Version
	s.signal()
	return true
}

// victimLocked picks the symbol whose queued updates are discarded: the
// oldest one that a newer update (queued or incoming) already supersedes,
// or the oldest queued symbol when none is.
func (s *Subscriber) victimLocked(incoming string) string {
	capacity := len(s.queue)
	seen := make(map[string]int, s.size)
	for i := 0; i < s.size; i++ {
		seen[entity.SymbolKey(s.queue[(s.head+i)%capacity].Symbol)]++
	}
	for i := 0; i < s.size; i++ {
		key := entity.SymbolKey(s.queue[(s.head+i)%capacity].Symbol)
		if key == incoming || seen[key] > 1 {
			return key
		}
	}
	return entity.SymbolKey(s.queue[s.head].Symbol)
}

// evictLocked removes every queued message of key and marks it for resync.
func (s *Subscriber) evictLocked(key string) {
	capacity := len(s.queue)
	kept := make([]Message, 0, s.size)
	for i := 0; i < s.size; i++ {
		msg := s.queue[(s.head+i)%capacity]
		if entity.SymbolKey(msg.Symbol) == key {
			s.dropped++
			subscriberDrops.Inc()
			continue
		}
		kept = append(kept, msg)
	}

	for i := range s.queue {
		s.queue[i] = Message{}
	}
	copy(s.queue, kept)
	s.head, s.size = 0, len(kept)

	delete(s.lastVersion, key)
	s.resync[key] = struct{}{}
}

func (s *Subscriber) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// setSymbols replaces the subscription and forgets version state for
// symbols that are no longer covered, so re-adding one yields a snapshot.
func (s *Subscriber) setSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.symbols = symbolSet(symbols)
	for key := range s.lastVersion {
		if !s.wantsLocked(key) {
			delete(s.lastVersion, key)
			delete(s.resync, key)
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = make([]Message, len(s.queue))
	s.head, s.size = 0, 0
	s.resync = make(map[string]struct{})
	close(s.done)
}
