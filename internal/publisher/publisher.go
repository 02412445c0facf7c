package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sugar-adapter/internal/metrics"
	"github.com/Checker-Finance/sugar-adapter/pkg/model"
)

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher emits record events on NATS JetStream.
type Publisher struct {
	nc            *nats.Conn
	js            jetStream
	logger        *zap.Logger
	subjectPrefix string // e.g. "evt.sugar"
	source        string // CRM endpoint, copied into every envelope
	service       string
}

// New creates a Publisher on nc. When stream is non-empty it is created
// (or left as is) to capture "<subjectPrefix>.>".
func New(nc *nats.Conn, logger *zap.Logger, subjectPrefix, stream, source, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if stream != "" {
		if err := ensureStream(js, stream, subjectPrefix+".>"); err != nil {
			return nil, err
		}
	}
	p := newPublisher(js, logger, subjectPrefix, source, service)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, logger *zap.Logger, subjectPrefix, source, service string) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		js:            js,
		logger:        logger,
		subjectPrefix: subjectPrefix,
		source:        source,
		service:       service,
	}
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	}
	if _, err := js.AddStream(&nats.StreamConfig{Name: name, Subjects: []string{subject}}); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Subject returns the subject an event type is published on,
// e.g. "evt.sugar.record.created.v1".
func (p *Publisher) Subject(eventType string) string {
	return p.subjectPrefix + "." + eventType + ".v1"
}

// PublishEnvelope serializes and publishes an envelope on its topic.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("publisher.marshal_failed",
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: env.Topic,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			"module":         []string{env.Context.Module},
		},
	}
	// JetStream drops duplicates with the same id inside its dedupe window.
	msg.Header.Set(nats.MsgIdHdr, env.ID.String())

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, env.Topic)

	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", env.Topic),
			zap.String("event_type", env.EventType),
			zap.String("record_id", env.Context.RecordID),
			zap.Error(err))
		metrics.IncNATSMessage(env.Topic, "error")
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", env.Topic),
		zap.String("event_type", env.EventType),
		zap.String("record_id", env.Context.RecordID))
	metrics.IncNATSMessage(env.Topic, "ok")
	return nil
}

// PublishRecordEvent wraps payload in an envelope for module/recordID and publishes it.
func (p *Publisher) PublishRecordEvent(ctx context.Context, eventType, module, recordID string, correlationID uuid.UUID, payload json.RawMessage) error {
	env := model.NewRecordEnvelope(eventType, p.Subject(eventType), p.source, module, recordID, correlationID, payload)
	return p.PublishEnvelope(ctx, env)
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
