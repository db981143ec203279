package nats

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
	"github.com/capitalize-ai/operator-relay/pkg/metrics"
)

const (
	// StreamName is the name of the relay audit stream.
	StreamName = "RELAY"

	// SubjectPrefix is the prefix for all relay audit subjects.
	SubjectPrefix = "relay"

	defaultQueueSize = 1024
)

// StreamConfig sizes the audit stream.
type StreamConfig struct {
	MaxAge   time.Duration
	MaxBytes int64

	// DuplicateWindow is how long JetStream remembers event ids.
	DuplicateWindow time.Duration
}

// StreamManager publishes audit events to JetStream. Events are queued and
// published by Run so callers never wait on the network.
type StreamManager struct {
	client *Client
	cfg    StreamConfig
	logger *logger.Logger
	queue  chan *model.RelayEvent
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, cfg StreamConfig, log *logger.Logger) *StreamManager {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 90 * 24 * time.Hour
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 * 1024 * 1024 * 1024
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = 10 * time.Minute
	}
	return &StreamManager{
		client: client,
		cfg:    cfg,
		logger: log.Named("audit"),
		queue:  make(chan *model.RelayEvent, defaultQueueSize),
	}
}

// EnsureStream creates the audit stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.cfg.MaxAge,
		MaxBytes:    m.cfg.MaxBytes,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  m.cfg.DuplicateWindow,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Relay forward and delivery audit events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for a visitor's event.
func EventSubject(visitorID uint64, eventType model.EventType) string {
	return fmt.Sprintf("%s.%d.%s", SubjectPrefix, visitorID, eventType)
}

// VisitorFilter returns the filter subject for all of a visitor's events.
func VisitorFilter(visitorID uint64) string {
	return fmt.Sprintf("%s.%d.>", SubjectPrefix, visitorID)
}

// ForwardEvent wraps a notification. The id is derived from the message so
// a re-published event is dropped by JetStream's duplicate window.
func ForwardEvent(n *model.Notification) *model.RelayEvent {
	return &model.RelayEvent{
		ID:           "fwd-" + n.MessageID,
		Type:         model.EventTypeForwarded,
		VisitorID:    n.VisitorID,
		Notification: n,
		CreatedAt:    n.CreatedAt,
	}
}

// DeliveryEvent wraps a delivery result.
func DeliveryEvent(d *model.DeliveryResult) *model.RelayEvent {
	return &model.RelayEvent{
		ID:        fmt.Sprintf("dlv-%s-%s", d.MessageID, d.Status),
		Type:      model.EventTypeDelivery,
		VisitorID: d.VisitorID,
		Delivery:  d,
		CreatedAt: d.At,
	}
}

// Publish publishes one event synchronously and returns its stream sequence.
func (m *StreamManager) Publish(ctx context.Context, evt *model.RelayEvent) (uint64, error) {
	data, err := jsoniter.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(evt.VisitorID, evt.Type), data,
		jetstream.WithMsgID(evt.ID))
	if err != nil {
		metrics.AuditPublishTotal.WithLabelValues(string(evt.Type), "failed").Inc()
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	status := "ok"
	if ack.Duplicate {
		status = "duplicate"
	}
	metrics.AuditPublishTotal.WithLabelValues(string(evt.Type), status).Inc()
	return ack.Sequence, nil
}

// Enqueue queues an event for Run. A full queue drops the event.
func (m *StreamManager) Enqueue(evt *model.RelayEvent) bool {
	select {
	case m.queue <- evt:
		return true
	default:
		metrics.AuditPublishTotal.WithLabelValues(string(evt.Type), "dropped").Inc()
		m.logger.Warn("audit queue full, dropping event", zap.String("event_id", evt.ID))
		return false
	}
}

// OnForward is a router hook that audits forwarded messages.
func (m *StreamManager) OnForward(_ context.Context, n *model.Notification) {
	m.Enqueue(ForwardEvent(n))
}

// OnDelivery is a router hook that audits delivery outcomes.
func (m *StreamManager) OnDelivery(_ context.Context, d *model.DeliveryResult) {
	m.Enqueue(DeliveryEvent(d))
}

// Run publishes queued events until ctx is done, then flushes what is left.
func (m *StreamManager) Run(ctx context.Context) {
	for {
		select {
		case evt := <-m.queue:
			m.publishLogged(ctx, evt)
		case <-ctx.Done():
			m.flush()
			return
		}
	}
}

func (m *StreamManager) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-m.queue:
			m.publishLogged(ctx, evt)
		default:
			return
		}
	}
}

func (m *StreamManager) publishLogged(ctx context.Context, evt *model.RelayEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.Publish(pubCtx, evt); err != nil {
		m.logger.Warn("failed to publish audit event",
			zap.String("event_id", evt.ID),
			zap.Uint64("visitor_id", evt.VisitorID),
			zap.Error(err),
		)
	}
}

// RecordStreamStats copies stream size into the metrics gauges.
func (m *StreamManager) RecordStreamStats(ctx context.Context) error {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}
