package relay

// AckTracker holds the un-acknowledged delivery targets of one pending message.
//
// It is not safe for concurrent use; the owning PendingQueue slot lock guards it.
type AckTracker struct {
	unacked map[string]struct{}
	sent    map[string]struct{}
}

func newAckTracker(targets []string) *AckTracker {
	t := &AckTracker{
		unacked: make(map[string]struct{}, len(targets)),
		sent:    make(map[string]struct{}, len(targets)),
	}
	for _, id := range targets {
		t.unacked[id] = struct{}{}
	}
	return t
}

// Ack removes sessionID from the un-acknowledged set.
func (t *AckTracker) Ack(sessionID string) bool {
	if _, ok := t.unacked[sessionID]; !ok {
		return false
	}
	delete(t.unacked, sessionID)
	return true
}

// IsPending reports whether sessionID still owes an acknowledgement.
func (t *AckTracker) IsPending(sessionID string) bool {
	_, ok := t.unacked[sessionID]
	return ok
}

// MarkSent records that the message was handed to sessionID's transport.
// It returns false when the session is not a target or was already sent this message.
func (t *AckTracker) MarkSent(sessionID string) bool {
	if !t.IsPending(sessionID) {
		return false
	}
	if _, ok := t.sent[sessionID]; ok {
		return false
	}
	t.sent[sessionID] = struct{}{}
	return true
}

// Outstanding returns the sessions that have not acknowledged yet.
func (t *AckTracker) Outstanding() []string {
	ids := make([]string, 0, len(t.unacked))
	for id := range t.unacked {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of un-acknowledged targets.
func (t *AckTracker) Len() int {
	return len(t.unacked)
}

// Empty reports whether every target has acknowledged.
func (t *AckTracker) Empty() bool {
	return len(t.unacked) == 0
}
