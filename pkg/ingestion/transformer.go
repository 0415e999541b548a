package ingestion

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/messagepipeline"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// NewReadEventTransformer returns the pipeline transformer that decodes raw
// broker payloads. Readers on the same topic emit occasional garbage
// (heartbeats, truncated frames); those are logged and skipped so one bad
// message never stalls the stream.
func NewReadEventTransformer(logger zerolog.Logger) messagepipeline.MessageTransformer[rfid.RawReadEvent] {
	log := logger.With().Str("component", "ReadEventTransformer").Logger()
	return func(_ context.Context, msg *messagepipeline.Message) (*rfid.RawReadEvent, bool, error) {
		event, err := rfid.ParseReadEvent(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Int("payload_bytes", len(msg.Payload)).Msg("Discarding unusable broker message.")
			return nil, true, nil
		}
		return event, false, nil
	}
}
