// Package forwarder mirrors enriched read events to a Google Cloud Pub/Sub
// topic so downstream consumers (analytics, alerting) receive the same stream
// the dashboards see. Forwarding is optional; the pipeline runs without it.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// Config holds the destination topic and publish tuning.
type Config struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`

	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`

	TopicExistsTimeout         time.Duration `yaml:"topic_exists_timeout"`
	PublishConfirmationTimeout time.Duration `yaml:"publish_confirmation_timeout"`
}

// NewConfigDefaults provides sensible publish batching defaults.
func NewConfigDefaults() Config {
	return Config{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// PubsubForwarder publishes enriched events to a Pub/Sub topic, relying on
// the client's built-in batching. Publish failures are logged, never
// propagated: the event already reached its primary consumers.
type PubsubForwarder struct {
	topic               *pubsub.Topic
	logger              zerolog.Logger
	confirmationTimeout time.Duration
}

// NewPubsubForwarder validates that the topic exists and returns a forwarder
// bound to it.
func NewPubsubForwarder(ctx context.Context, cfg Config, client *pubsub.Client, logger zerolog.Logger) (*PubsubForwarder, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	defaults := NewConfigDefaults()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaults.BatchDelay
	}
	if cfg.TopicExistsTimeout <= 0 {
		cfg.TopicExistsTimeout = defaults.TopicExistsTimeout
	}
	if cfg.PublishConfirmationTimeout <= 0 {
		cfg.PublishConfirmationTimeout = defaults.PublishConfirmationTimeout
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &PubsubForwarder{
		topic:               topic,
		logger:              logger.With().Str("component", "PubsubForwarder").Str("topic_id", cfg.TopicID).Logger(),
		confirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// Forward publishes one enriched event. The call returns once the message is
// handed to the client's batcher; confirmation is awaited in the background.
func (f *PubsubForwarder) Forward(ctx context.Context, event rfid.EnrichedReadEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Str("tag_id", event.TagID).Msg("Failed to marshal event for forwarding.")
		return
	}

	res := f.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"epc": event.TagID},
	})
	go f.confirmPublish(res, event.TagID)
}

func (f *PubsubForwarder) confirmPublish(res *pubsub.PublishResult, tagID string) {
	getCtx, cancel := context.WithTimeout(context.Background(), f.confirmationTimeout)
	defer cancel()

	msgID, err := res.Get(getCtx)
	if err != nil {
		f.logger.Error().Err(err).Str("tag_id", tagID).Msg("Failed to get publish result.")
		return
	}
	f.logger.Debug().Str("tag_id", tagID).Str("pubsub_msg_id", msgID).Msg("Event forwarded.")
}

// Stop flushes outstanding messages and stops the topic publisher, bounded by
// the context deadline.
func (f *PubsubForwarder) Stop(ctx context.Context) error {
	f.logger.Info().Msg("Flushing remaining messages and stopping forwarder...")
	stopDone := make(chan struct{})
	go func() {
		f.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		f.logger.Info().Msg("Forwarder stopped.")
		return nil
	case <-ctx.Done():
		f.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for forwarder to flush.")
		return ctx.Err()
	}
}
