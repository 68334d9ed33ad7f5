package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/storm-data-cache/internal/config"
	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

// Publisher writes freshly fetched segments to a Kafka topic, one message
// per event. It implements reconcile.Publisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured sink topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: w, logger: logger}
}

// PublishSegment serializes every event in seg and writes them in a single
// WriteMessages call. Empty segments are not published.
func (p *Publisher) PublishSegment(ctx context.Context, seg domain.DataSegment) error {
	if len(seg.Records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(seg.Records))
	for i := range seg.Records {
		msg, err := serializeToMessage(seg, seg.Records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish segment %s: %w", seg.Key(), err)
	}
	p.logger.Debug("segment published", "key", string(seg.Key()), "events", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an event into a Kafka message keyed by event
// ID, so records of one logical event land on the same partition.
func serializeToMessage(seg domain.DataSegment, event domain.WeatherEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize weather event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.ID),
		Value: data,
		Time:  seg.FetchedAt,
		Headers: []kafkago.Header{
			{Key: "source_kind", Value: []byte(seg.Source.String())},
			{Key: "quality", Value: []byte(seg.Quality)},
			{Key: "segment_key", Value: []byte(seg.Key())},
			{Key: "fetched_at", Value: []byte(seg.FetchedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
