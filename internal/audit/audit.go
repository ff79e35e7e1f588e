// Package audit records security-relevant state transitions.
package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgeauth/internal/autherr"
	"forgeauth/internal/events"
	"forgeauth/pkg/logging"
)

// Entry is one audit record.
type Entry struct {
	EventType     string
	Message       string
	Severity      events.Severity
	SessionID     string
	ApplicationID string
	UserID        string
	Details       map[string]any
	Timestamp     time.Time
}

// Sink accepts audit entries and returns an opaque event ID.
type Sink interface {
	Record(ctx context.Context, entry Entry) (string, error)
}

// LogSink writes audit entries to the structured log.
type LogSink struct {
	logger *logging.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs the entry with secret-looking detail keys removed.
func (s *LogSink) Record(_ context.Context, entry Entry) (string, error) {
	id := uuid.NewString()
	details := formatDetails(autherr.ScrubDetails(entry.Details))

	switch entry.Severity {
	case events.SeverityError:
		s.logger.Error("Audit", nil, "[%s] %s: %s session=%s app=%s user=%s%s",
			id, entry.EventType, entry.Message, logging.TruncateSessionID(entry.SessionID), entry.ApplicationID, entry.UserID, details)
	case events.SeverityWarning:
		s.logger.Warn("Audit", "[%s] %s: %s session=%s app=%s user=%s%s",
			id, entry.EventType, entry.Message, logging.TruncateSessionID(entry.SessionID), entry.ApplicationID, entry.UserID, details)
	default:
		s.logger.Info("Audit", "[%s] %s: %s session=%s app=%s user=%s%s",
			id, entry.EventType, entry.Message, logging.TruncateSessionID(entry.SessionID), entry.ApplicationID, entry.UserID, details)
	}
	return id, nil
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, details[k])
	}
	return b.String()
}

// MemorySink keeps entries in memory. It is used by tests and the sessions API.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	ids     []string
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record stores a scrubbed copy of entry.
func (s *MemorySink) Record(_ context.Context, entry Entry) (string, error) {
	entry.Details = autherr.ScrubDetails(entry.Details)
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	s.ids = append(s.ids, id)
	return id, nil
}

// Entries returns a copy of the recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// FromEvent converts a lifecycle event into an audit entry.
func FromEvent(ev events.Event) Entry {
	details := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		details[k] = v
	}
	if ev.Reason != "" {
		details["reason"] = ev.Reason
	}
	return Entry{
		EventType:     string(ev.Type),
		Message:       ev.Message,
		Severity:      ev.Severity,
		SessionID:     ev.SessionID,
		ApplicationID: ev.ApplicationID,
		UserID:        ev.UserID,
		Details:       details,
		Timestamp:     ev.Timestamp,
	}
}

// Forward records every event received on ch until ch is closed or ctx is
// done. Sink failures are logged and do not stop forwarding.
func Forward(ctx context.Context, ch <-chan events.Event, sink Sink, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, err := sink.Record(ctx, FromEvent(ev)); err != nil {
				logger.Error("Audit", err, "Failed to record %s event", ev.Type)
			}
		}
	}
}
