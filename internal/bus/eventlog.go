package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
)

// RecordedEvent is one line of an event log.
type RecordedEvent struct {
	Topic      string    `json:"topic"`
	RecordedAt time.Time `json:"recorded_at"`
	Event      Event     `json:"event"`
}

// EventLog appends events to a JSON lines file so past runs can be inspected
// or replayed into a bus.
type EventLog struct {
	path string

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewEventLog opens path for appending, creating parent directories.
func NewEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &EventLog{path: path, file: file, encoder: json.NewEncoder(file)}, nil
}

// Path returns the log file location.
func (l *EventLog) Path() string {
	return l.path
}

// Append writes one event.
func (l *EventLog) Append(topic string, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeUnavailable, "event log is closed")
	}

	rec := RecordedEvent{Topic: topic, RecordedAt: time.Now().UTC(), Event: event}
	if err := l.encoder.Encode(rec); err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.encoder = nil
	if err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

// ReadEventLog returns events recorded after since, oldest first. A limit of
// zero means no limit. Undecodable lines are skipped.
func ReadEventLog(path string, since time.Time, limit int) ([]RecordedEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RecordedEvent{}, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer file.Close()

	events := []RecordedEvent{}
	scanner := bufio.NewScanner(file)
	// Report payloads can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		var rec RecordedEvent
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if !rec.RecordedAt.After(since) {
			continue
		}
		events = append(events, rec)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return events, nil
}

// Replay publishes recorded events to b in order, optionally restricted to
// one topic.
func Replay(ctx context.Context, b Bus, events []RecordedEvent, topic string) (int, error) {
	n := 0
	for _, rec := range events {
		if topic != "" && rec.Topic != topic {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := b.Publish(ctx, rec.Topic, rec.Event); err != nil {
			return n, fmt.Errorf("replaying event %s: %w", rec.Event.ID, err)
		}
		n++
	}
	return n, nil
}
