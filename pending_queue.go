package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// PendingMessage is a snapshot of the latest published message on a topic.
type PendingMessage struct {
	Topic      string
	Payload    []byte
	DeliveryID uint64
	CreatedAt  time.Time

	// Unacked lists the delivery targets that have not acknowledged yet.
	Unacked []string
}

// PublishResult describes the outcome of PendingQueue.Publish.
type PublishResult struct {
	DeliveryID uint64
	Targets    int

	// Dropped is set when a previous message on the topic was superseded
	// before every target acknowledged it.
	Dropped *DroppedDelivery
}

// StaleDelivery is a pending message older than the acknowledgement timeout.
type StaleDelivery struct {
	Topic      string
	DeliveryID uint64
	Age        time.Duration
	SessionIDs []string
}

// PendingQueue keeps at most one un-acknowledged message per topic.
//
// A newer publish on the same topic atomically replaces the previous one.
// Delivery targets are snapshotted from the TopicRegistry at publish time;
// sessions subscribing afterwards are not targets of that message.
type PendingQueue struct {
	mu       sync.RWMutex
	slots    map[string]*pendingSlot
	registry *TopicRegistry
	nextID   atomic.Uint64
	now      func() time.Time
}

type pendingSlot struct {
	mu      sync.Mutex
	current *pendingEntry
}

type pendingEntry struct {
	topic      string
	payload    []byte
	deliveryID uint64
	createdAt  time.Time
	acks       *AckTracker
	reported   bool
}

func (e *pendingEntry) snapshot() *PendingMessage {
	return &PendingMessage{
		Topic:      e.topic,
		Payload:    e.payload,
		DeliveryID: e.deliveryID,
		CreatedAt:  e.createdAt,
		Unacked:    e.acks.Outstanding(),
	}
}

// NewPendingQueue creates a queue that snapshots targets from registry.
func NewPendingQueue(registry *TopicRegistry) *PendingQueue {
	return &PendingQueue{
		slots:    make(map[string]*pendingSlot),
		registry: registry,
		now:      time.Now,
	}
}

func (q *PendingQueue) lookup(topic string) *pendingSlot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.slots[topic]
}

func (q *PendingQueue) getOrCreate(topic string) *pendingSlot {
	if s := q.lookup(topic); s != nil {
		return s
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[topic]
	if !ok {
		s = &pendingSlot{}
		q.slots[topic] = s
	}
	return s
}

// Publish stores payload as the pending message of topic, replacing any
// previous one. A message with no targets is retired immediately.
func (q *PendingQueue) Publish(topic string, payload []byte) PublishResult {
	slot := q.getOrCreate(topic)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	id := q.nextID.Add(1)
	targets := q.registry.SubscribersOf(topic)

	var dropped *DroppedDelivery
	if prev := slot.current; prev != nil && !prev.acks.Empty() {
		dropped = &DroppedDelivery{
			Topic:      topic,
			DeliveryID: prev.deliveryID,
			SessionIDs: prev.acks.Outstanding(),
		}
	}

	slot.current = nil
	if len(targets) > 0 {
		slot.current = &pendingEntry{
			topic:      topic,
			payload:    payload,
			deliveryID: id,
			createdAt:  q.now(),
			acks:       newAckTracker(targets),
		}
	}

	return PublishResult{
		DeliveryID: id,
		Targets:    len(targets),
		Dropped:    dropped,
	}
}

// OnDeliveryAcked records that sessionID acknowledged deliveryID on topic.
// Acknowledgements for superseded deliveries are ignored. It returns true
// when the acknowledgement was applied.
func (q *PendingQueue) OnDeliveryAcked(topic string, deliveryID uint64, sessionID string) bool {
	slot := q.lookup(topic)
	if slot == nil {
		return false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	cur := slot.current
	if cur == nil || cur.deliveryID != deliveryID {
		return false
	}

	if !cur.acks.Ack(sessionID) {
		return false
	}

	if cur.acks.Empty() {
		slot.current = nil
	}
	return true
}

// PendingFor returns the latest pending message of topic, or nil.
func (q *PendingQueue) PendingFor(topic string) *PendingMessage {
	slot := q.lookup(topic)
	if slot == nil {
		return nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.current == nil {
		return nil
	}
	return slot.current.snapshot()
}

// Claim returns the latest pending message of topic if sessionID is one of
// its un-acknowledged targets and has not been handed this message yet.
// The message is marked as sent to the session, so concurrent callers never
// deliver the same instance twice.
func (q *PendingQueue) Claim(topic, sessionID string) *PendingMessage {
	slot := q.lookup(topic)
	if slot == nil {
		return nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	cur := slot.current
	if cur == nil || !cur.acks.MarkSent(sessionID) {
		return nil
	}

	return &PendingMessage{
		Topic:      cur.topic,
		Payload:    cur.payload,
		DeliveryID: cur.deliveryID,
		CreatedAt:  cur.createdAt,
	}
}

// RemoveTarget drops sessionID from the targets of topic's pending message.
// It is used when a session closes.
func (q *PendingQueue) RemoveTarget(topic, sessionID string) {
	slot := q.lookup(topic)
	if slot == nil {
		return
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	cur := slot.current
	if cur == nil {
		return
	}

	if cur.acks.Ack(sessionID) && cur.acks.Empty() {
		slot.current = nil
	}
}

// Stale returns pending messages older than maxAge that have not been
// reported before. Each message is reported at most once.
func (q *PendingQueue) Stale(maxAge time.Duration) []StaleDelivery {
	q.mu.RLock()
	slots := make([]*pendingSlot, 0, len(q.slots))
	for _, s := range q.slots {
		slots = append(slots, s)
	}
	q.mu.RUnlock()

	now := q.now()

	var stale []StaleDelivery
	for _, slot := range slots {
		slot.mu.Lock()
		cur := slot.current
		if cur != nil && !cur.reported && now.Sub(cur.createdAt) >= maxAge {
			cur.reported = true
			stale = append(stale, StaleDelivery{
				Topic:      cur.topic,
				DeliveryID: cur.deliveryID,
				Age:        now.Sub(cur.createdAt),
				SessionIDs: cur.acks.Outstanding(),
			})
		}
		slot.mu.Unlock()
	}

	return stale
}

// Len returns the number of topics with a pending message.
func (q *PendingQueue) Len() int {
	q.mu.RLock()
	slots := make([]*pendingSlot, 0, len(q.slots))
	for _, s := range q.slots {
		slots = append(slots, s)
	}
	q.mu.RUnlock()

	n := 0
	for _, slot := range slots {
		slot.mu.Lock()
		if slot.current != nil {
			n++
		}
		slot.mu.Unlock()
	}
	return n
}
