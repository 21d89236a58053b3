package bus

import (
	"context"

	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

// LoggedBus appends every published event to an EventLog before handing it
// to the wrapped bus.
type LoggedBus struct {
	inner    Bus
	eventLog *EventLog
	log      *logger.Logger
}

// NewLoggedBus wraps inner.
func NewLoggedBus(inner Bus, eventLog *EventLog, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{inner: inner, eventLog: eventLog, log: log}
}

// Publish records the event and then delegates. Recording is best-effort.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.eventLog.Append(topic, event); err != nil {
		b.log.Warn("Failed to record event", "topic", topic, "error", err)
	}
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus.
func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close closes the inner bus, then the event log.
func (b *LoggedBus) Close() error {
	err := b.inner.Close()
	if logErr := b.eventLog.Close(); logErr != nil {
		b.log.Warn("Failed to close event log", "error", logErr)
	}
	return err
}
