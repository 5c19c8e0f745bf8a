package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher sends a single message to a topic.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes pending messages, waiting at most until ctx is done.
	Stop(ctx context.Context) error
}

// GooglePublisher publishes to a Pub/Sub topic without batching on our side.
type GooglePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGooglePublisher verifies that topicID exists and returns a publisher for it.
func NewGooglePublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &GooglePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GooglePublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish queues a message and returns immediately; the outcome is logged
// asynchronously.
func (p *GooglePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to publish activity event.")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Msg("Activity event published.")
	}()

	return nil
}

// Stop flushes pending messages for the topic.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublisherSink forwards events as JSON messages. Type, source and status are
// copied into message attributes so subscribers can filter on them.
type PublisherSink struct {
	publisher Publisher
}

// NewPublisherSink wraps a Publisher as a Sink.
func NewPublisherSink(publisher Publisher) *PublisherSink {
	return &PublisherSink{publisher: publisher}
}

// Write publishes one event.
func (s *PublisherSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event %s: %w", ev.ID, err)
	}
	attrs := map[string]string{
		"activity_type": string(ev.Type),
		"source":        ev.Source,
		"status":        string(ev.Status),
	}
	return s.publisher.Publish(ctx, payload, attrs)
}

// Stop stops the underlying publisher.
func (s *PublisherSink) Stop(ctx context.Context) error {
	return s.publisher.Stop(ctx)
}
