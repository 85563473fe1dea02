package hub

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultQueueSize = 256

var (
	subscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_hub_subscribers",
		Help: "Active distribution hub subscribers",
	})
	subscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_dropped_messages_total",
		Help: "Queued messages dropped because a subscriber fell behind",
	})
	publishedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_published_messages_total",
		Help: "Updates fanned out by the hub",
	})
)

func init() {
	prometheus.MustRegister(subscribersGauge, subscriberDrops, publishedMessages)
}

type SnapshotReader interface {
	Get(symbol string) (entity.Snapshot, bool)
	All() []entity.Snapshot
}

// Hub fans updates out to subscribers. Publish never blocks on a consumer.
type Hub struct {
	store     SnapshotReader
	queueSize int
	log       *logrus.Entry

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

func NewHub(store SnapshotReader, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		store:       store,
		queueSize:   queueSize,
		log:         logrus.WithField("component", "distribution_hub"),
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a consumer and queues a full snapshot for every
// matching symbol before it can receive any delta.
func (h *Hub) Subscribe(symbols []string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, entity.ErrHubClosed
	}

	sub := newSubscriber(uuid.NewString(), h, h.queueSize, symbols)
	h.queueSnapshotsLocked(sub)
	h.subscribers[sub.ID] = sub
	subscribersGauge.Set(float64(len(h.subscribers)))

	h.log.WithFields(logrus.Fields{
		"subscriber_id": sub.ID,
		"symbols":       symbols,
	}).Info("subscriber connected")

	return sub, nil
}

// SetSymbols changes a live subscription. Newly covered symbols get a full
// snapshot first.
func (h *Hub) SetSymbols(sub *Subscriber, symbols []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return entity.ErrHubClosed
	}
	if _, ok := h.subscribers[sub.ID]; !ok {
		return entity.ErrSubscriberClosed
	}

	sub.setSymbols(symbols)
	h.queueSnapshotsLocked(sub)
	return nil
}

// queueSnapshotsLocked must run under the write lock so no publish can slip
// between reading the store and registering the subscriber.
func (h *Hub) queueSnapshotsLocked(sub *Subscriber) {
	for _, snapshot := range h.store.All() {
		if !sub.Wants(snapshot.Symbol) {
			continue
		}
		msg, err := encodeSnapshot(snapshot)
		if err != nil {
			h.log.WithField("symbol", snapshot.Symbol).Errorf("encode snapshot: %v", err)
			continue
		}
		sub.offer(msg)
	}
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub.ID]
	delete(h.subscribers, sub.ID)
	subscribersGauge.Set(float64(len(h.subscribers)))
	h.mu.Unlock()

	sub.close()
	if ok {
		h.log.WithFields(logrus.Fields{
			"subscriber_id": sub.ID,
			"dropped":       sub.Dropped(),
		}).Info("subscriber disconnected")
	}
}

// Publish encodes the update once and offers it to every interested
// subscriber.
func (h *Hub) Publish(update entity.MarketUpdate) {
	payload, err := json.Marshal(update.Delta)
	if err != nil {
		h.log.WithField("symbol", update.Delta.Symbol).Errorf("encode delta: %v", err)
		return
	}
	msg := Message{
		Type:    update.Delta.Type,
		Symbol:  update.Delta.Symbol,
		Version: update.Delta.Version,
		Payload: payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		sub.offer(msg)
	}
	publishedMessages.Inc()
}

// Close rejects new subscribers and closes every queue.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*Subscriber)
	subscribersGauge.Set(0)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	h.log.WithField("subscribers", len(subs)).Info("distribution hub closed")
}

func (h *Hub) Stats() entity.DistributionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := entity.DistributionStats{Subscribers: len(h.subscribers)}
	for _, sub := range h.subscribers {
		stats.QueueDepth += sub.Depth()
		stats.QueueCapacity += sub.Capacity()
		stats.Dropped += sub.Dropped()
	}
	return stats
}

func encodeSnapshot(snapshot entity.Snapshot) (Message, error) {
	full := entity.FullDelta(snapshot)
	payload, err := json.Marshal(full)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:    entity.UpdateTypeSnapshot,
		Symbol:  snapshot.Symbol,
		Version: snapshot.Version,
		Payload: payload,
	}, nil
}
