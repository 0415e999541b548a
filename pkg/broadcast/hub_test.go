package broadcast_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/rfid-ingestion/pkg/broadcast"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

func testRead(tagID string) rfid.EnrichedReadEvent {
	return rfid.EnrichedReadEvent{
		RawReadEvent: rfid.RawReadEvent{TagID: tagID, ReadTime: "2026-09-01 10:15:00"},
		DisplayName:  "Pallet 7",
		ReceivedAt:   time.Now().UTC(),
	}
}

func TestHub_DeliversToAllSubscribers(t *testing.T) {
	hub := broadcast.NewHub(8, zerolog.Nop())
	defer hub.Close()

	_, first := hub.Subscribe()
	_, second := hub.Subscribe()
	require.Equal(t, 2, hub.SubscriberCount())

	hub.PublishRead(testRead("E1"))

	for _, ch := range []<-chan broadcast.Envelope{first, second} {
		select {
		case env := <-ch:
			assert.Equal(t, broadcast.ChannelTagRead, env.Channel)
			event, ok := env.Payload.(rfid.EnrichedReadEvent)
			require.True(t, ok)
			assert.Equal(t, "E1", event.TagID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}
}

func TestHub_StatusEnvelope(t *testing.T) {
	hub := broadcast.NewHub(8, zerolog.Nop())
	defer hub.Close()

	_, ch := hub.Subscribe()
	hub.PublishStatus(rfid.NewStatusEvent(rfid.StateConnected, "tcp://h:1883"))

	select {
	case env := <-ch:
		assert.Equal(t, broadcast.ChannelBrokerStatus, env.Channel)
		status, ok := env.Payload.(rfid.StatusEvent)
		require.True(t, ok)
		assert.True(t, status.Connected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := broadcast.NewHub(2, zerolog.Nop())
	defer hub.Close()

	// Nobody drains this channel, so its two-slot buffer fills immediately.
	_, slow := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.PublishRead(testRead("E1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, slow, 2)
	assert.Equal(t, uint64(8), hub.Dropped())
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := broadcast.NewHub(8, zerolog.Nop())
	defer hub.Close()

	id, ch := hub.Subscribe()
	hub.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.SubscriberCount())

	// A second unsubscribe of the same id is harmless.
	hub.Unsubscribe(id)
}

func TestHub_CloseTerminatesSubscribersAndMutesPublish(t *testing.T) {
	hub := broadcast.NewHub(8, zerolog.Nop())
	_, ch := hub.Subscribe()

	hub.Close()
	_, open := <-ch
	assert.False(t, open)

	// Publishing and subscribing after Close must not panic or deliver.
	hub.PublishRead(testRead("E1"))
	_, late := hub.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
