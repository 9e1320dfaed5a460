package relay

import (
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return noOpMetric{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return noOpMetric{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return noOpMetric{}
}

type noOpMetric struct{}

func (noOpMetric) Inc()                            {}
func (noOpMetric) Dec()                            {}
func (noOpMetric) Set(_ float64)                   {}
func (noOpMetric) Add(_ float64)                   {}
func (noOpMetric) Sub(_ float64)                   {}
func (noOpMetric) Value() float64                  { return 0 }
func (noOpMetric) Observe(_ float64)               {}
func (noOpMetric) ObserveDuration(_ time.Duration) {}
func (noOpMetric) Count() uint64                   { return 0 }
func (noOpMetric) Sum() float64                    { return 0 }

// Standard metric names for the broker.
const (
	MetricSessions            = "relay_sessions"
	MetricSessionsTotal       = "relay_sessions_total"
	MetricSessionsClosed      = "relay_sessions_closed_total"
	MetricSessionsRejected    = "relay_sessions_rejected_total"
	MetricSubscriptions       = "relay_subscriptions"
	MetricFramesReceived      = "relay_frames_received_total"
	MetricFramesSent          = "relay_frames_sent_total"
	MetricProtocolErrors      = "relay_protocol_errors_total"
	MetricMessagesPublished   = "relay_messages_published_total"
	MetricMessagesDelivered   = "relay_messages_delivered_total"
	MetricDeliveriesAcked     = "relay_deliveries_acked_total"
	MetricDeliveriesDropped   = "relay_deliveries_dropped_total"
	MetricDeliveriesStale     = "relay_deliveries_stale_total"
	MetricLivenessEvictions   = "relay_liveness_evictions_total"
	MetricDatagramsRejected   = "relay_datagrams_rejected_total"
	MetricPublishLatency      = "relay_publish_latency_seconds"
	MetricDeliveryPayloadSize = "relay_delivery_payload_bytes"
)

// Standard metric labels.
const (
	LabelTransport = "transport"
	LabelFrameType = "frame_type"
	LabelReason    = "reason"
)

// BrokerMetrics provides convenience methods for common broker metrics.
type BrokerMetrics struct {
	metrics Metrics
}

// NewBrokerMetrics creates a new BrokerMetrics instance.
func NewBrokerMetrics(m Metrics) *BrokerMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &BrokerMetrics{metrics: m}
}

// SessionOpened records a new session.
func (b *BrokerMetrics) SessionOpened(kind TransportKind) {
	labels := MetricLabels{LabelTransport: kind.String()}
	b.metrics.Gauge(MetricSessions, labels).Inc()
	b.metrics.Counter(MetricSessionsTotal, labels).Inc()
}

// SessionClosed records a closed session.
func (b *BrokerMetrics) SessionClosed(kind TransportKind, reason CloseReason) {
	b.metrics.Gauge(MetricSessions, MetricLabels{LabelTransport: kind.String()}).Dec()
	b.metrics.Counter(MetricSessionsClosed, MetricLabels{
		LabelTransport: kind.String(),
		LabelReason:    reason.String(),
	}).Inc()
}

// SessionRejected records a session refused for lack of capacity.
func (b *BrokerMetrics) SessionRejected(kind TransportKind) {
	b.metrics.Counter(MetricSessionsRejected, MetricLabels{LabelTransport: kind.String()}).Inc()
}

// SubscriptionAdded records a new subscription.
func (b *BrokerMetrics) SubscriptionAdded() {
	b.metrics.Gauge(MetricSubscriptions, nil).Inc()
}

// SubscriptionsRemoved records subscriptions dropped with a closed session.
func (b *BrokerMetrics) SubscriptionsRemoved(n int) {
	b.metrics.Gauge(MetricSubscriptions, nil).Sub(float64(n))
}

// FrameReceived records an inbound frame.
func (b *BrokerMetrics) FrameReceived(frameType FrameType) {
	b.metrics.Counter(MetricFramesReceived, MetricLabels{LabelFrameType: frameType.String()}).Inc()
}

// FrameSent records an outbound frame.
func (b *BrokerMetrics) FrameSent(frameType FrameType) {
	b.metrics.Counter(MetricFramesSent, MetricLabels{LabelFrameType: frameType.String()}).Inc()
}

// ProtocolError records a malformed or unexpected frame.
func (b *BrokerMetrics) ProtocolError(kind TransportKind) {
	b.metrics.Counter(MetricProtocolErrors, MetricLabels{LabelTransport: kind.String()}).Inc()
}

// MessagePublished records an accepted publish.
func (b *BrokerMetrics) MessagePublished() {
	b.metrics.Counter(MetricMessagesPublished, nil).Inc()
}

// MessageDelivered records a MESSAGE frame written to a subscriber.
func (b *BrokerMetrics) MessageDelivered(payloadSize int) {
	b.metrics.Counter(MetricMessagesDelivered, nil).Inc()
	b.metrics.Histogram(MetricDeliveryPayloadSize, nil).Observe(float64(payloadSize))
}

// DeliveryAcked records a subscriber acknowledgement.
func (b *BrokerMetrics) DeliveryAcked() {
	b.metrics.Counter(MetricDeliveriesAcked, nil).Inc()
}

// DeliveriesDropped records un-acknowledged deliveries lost to a newer publish.
func (b *BrokerMetrics) DeliveriesDropped(n int) {
	b.metrics.Counter(MetricDeliveriesDropped, nil).Add(float64(n))
}

// DeliveryStale records a pending message that outlived the acknowledgement timeout.
func (b *BrokerMetrics) DeliveryStale() {
	b.metrics.Counter(MetricDeliveriesStale, nil).Inc()
}

// LivenessEviction records a session closed for missing liveness periods.
func (b *BrokerMetrics) LivenessEviction(kind TransportKind) {
	b.metrics.Counter(MetricLivenessEvictions, MetricLabels{LabelTransport: kind.String()}).Inc()
}

// DatagramRejected records a datagram discarded before processing.
func (b *BrokerMetrics) DatagramRejected(reason string) {
	b.metrics.Counter(MetricDatagramsRejected, MetricLabels{LabelReason: reason}).Inc()
}

// PublishLatency records the time spent handling a publish.
func (b *BrokerMetrics) PublishLatency(d time.Duration) {
	b.metrics.Histogram(MetricPublishLatency, nil).ObserveDuration(d)
}
