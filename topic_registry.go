package relay

import (
	"sync"
)

// TopicRegistry maps topic names to the sessions subscribed to them.
//
// Topics are created implicitly on first reference and never deleted.
// The registry-wide lock only guards the topic map; membership of each
// topic is protected by its own lock so unrelated topics never contend.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]*topicEntry
}

type topicEntry struct {
	mu          sync.RWMutex
	subscribers map[string]struct{}
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]*topicEntry),
	}
}

func (r *TopicRegistry) lookup(topic string) *topicEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[topic]
}

func (r *TopicRegistry) getOrCreate(topic string) *topicEntry {
	if e := r.lookup(topic); e != nil {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.topics[topic]
	if !ok {
		e = &topicEntry{subscribers: make(map[string]struct{})}
		r.topics[topic] = e
	}
	return e
}

// Subscribe adds sessionID to the subscribers of topic.
// It returns false when the session was already subscribed.
func (r *TopicRegistry) Subscribe(sessionID, topic string) bool {
	e := r.getOrCreate(topic)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscribers[sessionID]; ok {
		return false
	}
	e.subscribers[sessionID] = struct{}{}
	return true
}

// Unsubscribe removes sessionID from topic. It is only used during session teardown.
func (r *TopicRegistry) Unsubscribe(sessionID, topic string) bool {
	e := r.lookup(topic)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscribers[sessionID]; !ok {
		return false
	}
	delete(e.subscribers, sessionID)
	return true
}

// SubscribersOf returns a snapshot of the sessions subscribed to topic.
func (r *TopicRegistry) SubscribersOf(topic string) []string {
	e := r.lookup(topic)
	if e == nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// IsSubscribed reports whether sessionID is subscribed to topic.
func (r *TopicRegistry) IsSubscribed(sessionID, topic string) bool {
	e := r.lookup(topic)
	if e == nil {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.subscribers[sessionID]
	return ok
}

// Topics returns every topic referenced so far.
func (r *TopicRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	return topics
}

// Count returns the total number of subscriptions across all topics.
func (r *TopicRegistry) Count() int {
	r.mu.RLock()
	entries := make([]*topicEntry, 0, len(r.topics))
	for _, e := range r.topics {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	total := 0
	for _, e := range entries {
		e.mu.RLock()
		total += len(e.subscribers)
		e.mu.RUnlock()
	}
	return total
}
