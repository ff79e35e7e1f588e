package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeauth/internal/events"
	"forgeauth/pkg/logging"
)

func TestLogSink_RecordScrubsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Options{Level: logging.LevelDebug, Output: &buf})
	sink := NewLogSink(logger)

	id, err := sink.Record(context.Background(), Entry{
		EventType: "session_created",
		Message:   "session created",
		SessionID: "0123456789abcdef",
		Details: map[string]any{
			"refresh_token": "R1",
			"client_secret": "shh",
			"scopes":        "api",
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	out := buf.String()
	assert.Contains(t, out, "session_created")
	assert.Contains(t, out, "scopes=api")
	assert.Contains(t, out, "01234567...")
	assert.NotContains(t, out, "R1")
	assert.NotContains(t, out, "shh")
}

func TestLogSink_UniqueIDs(t *testing.T) {
	sink := NewLogSink(logging.Nop())
	a, _ := sink.Record(context.Background(), Entry{EventType: "x"})
	b, _ := sink.Record(context.Background(), Entry{EventType: "x"})
	assert.NotEqual(t, a, b)
}

func TestFromEvent(t *testing.T) {
	now := time.Now()
	entry := FromEvent(events.Event{
		Type:          events.TypeSessionExpired,
		Severity:      events.SeverityWarning,
		SessionID:     "s1",
		ApplicationID: "a1",
		UserID:        "u1",
		Reason:        events.ReasonEvicted,
		Data:          map[string]any{"limit": 5},
		Timestamp:     now,
	})

	assert.Equal(t, "session_expired", entry.EventType)
	assert.Equal(t, events.SeverityWarning, entry.Severity)
	assert.Equal(t, "evicted", entry.Details["reason"])
	assert.Equal(t, 5, entry.Details["limit"])
	assert.Equal(t, now, entry.Timestamp)
}

func TestForward(t *testing.T) {
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(10)
	sink := NewMemorySink()

	done := make(chan struct{})
	go func() {
		Forward(context.Background(), ch, sink, logging.Nop())
		close(done)
	}()

	bus.Publish(events.Event{Type: events.TypeSessionCreated, SessionID: "s1"})
	bus.Publish(events.Event{Type: events.TypeSessionRevoked, SessionID: "s1", Data: map[string]any{"access_token": "T1"}})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after the channel closed")
	}

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "session_created", entries[0].EventType)
	assert.Equal(t, "session_revoked", entries[1].EventType)
	assert.NotContains(t, entries[1].Details, "access_token")
}
