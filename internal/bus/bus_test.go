package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricesearch/recipe-eval/internal/config"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handlers")
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(TopicRunStarted, "runner", "run-1", "payload")

	if e.ID == "" {
		t.Error("ID should be set")
	}
	if e.Type != TopicRunStarted || e.Source != "runner" || e.CorrelationID != "run-1" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
	if other := NewEvent(TopicRunStarted, "runner", "run-1", nil); other.ID == e.ID {
		t.Error("event ids should be unique")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	err := bus.Subscribe(context.Background(), TopicModeCompleted, func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), TopicModeCompleted, Event{ID: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitGroup(t, &wg)
	if received.Load() != 3 {
		t.Errorf("received %d events, want 3", received.Load())
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var a, b atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)

	bus.Subscribe(context.Background(), "t", func(ctx context.Context, e Event) error {
		a.Add(1)
		wg.Done()
		return nil
	})
	bus.Subscribe(context.Background(), "t", func(ctx context.Context, e Event) error {
		b.Add(1)
		wg.Done()
		return fmt.Errorf("handler failure is only logged")
	})

	if err := bus.Publish(context.Background(), "t", Event{ID: "1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitGroup(t, &wg)
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("a=%d b=%d, want 1 each", a.Load(), b.Load())
	}
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	if err := bus.Publish(context.Background(), "nobody.listens", Event{ID: "x"}); err != nil {
		t.Errorf("Publish() with no subscribers error = %v", err)
	}
}

func TestMemoryBus_HandlerSurvivesCanceledPublisher(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var sawCancel atomic.Bool
	bus.Subscribe(context.Background(), "t", func(ctx context.Context, e Event) error {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, "t", Event{ID: "1"})
	cancel()

	waitGroup(t, &wg)
	if sawCancel.Load() {
		t.Error("handler context should not be canceled with the publisher")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())

	var finished atomic.Bool
	bus.Subscribe(context.Background(), "t", func(ctx context.Context, e Event) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	bus.Publish(context.Background(), "t", Event{ID: "1"})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Close() should wait for in-flight handlers")
	}

	if err := bus.Publish(context.Background(), "t", Event{}); err == nil {
		t.Error("Publish() after Close() should fail")
	}
	if err := bus.Subscribe(context.Background(), "t", nil); err == nil {
		t.Error("Subscribe() after Close() should fail")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemoryBus_Concurrent(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var count atomic.Int32
	bus.Subscribe(context.Background(), "t", func(ctx context.Context, e Event) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				bus.Publish(context.Background(), "t", Event{})
			}
		}()
	}
	wg.Wait()

	if !bus.Drain(time.Second) {
		t.Fatal("handlers did not drain")
	}
	if count.Load() != 100 {
		t.Errorf("count = %d, want 100", count.Load())
	}
}

func TestNewBus(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BusConfig
		wantErr bool
	}{
		{"memory", config.BusConfig{Type: "memory"}, false},
		{"default", config.BusConfig{}, false},
		{"kafka without brokers", config.BusConfig{Type: "kafka"}, true},
		{"unknown", config.BusConfig{Type: "nats"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBus(tt.cfg, logger.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if b != nil {
				b.Close()
			}
		})
	}
}

func TestNewBus_WithEventLog(t *testing.T) {
	path := t.TempDir() + "/events/bus.jsonl"

	b, err := NewBus(config.BusConfig{Type: "memory", EventLog: path}, logger.Discard())
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}
	if _, ok := b.(*LoggedBus); !ok {
		t.Fatalf("expected *LoggedBus, got %T", b)
	}

	if err := b.Publish(context.Background(), TopicRunStarted, NewEvent(TopicRunStarted, "test", "r", nil)); err != nil {
		t.Fatal(err)
	}
	b.Close()

	events, err := ReadEventLog(path, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Topic != TopicRunStarted {
		t.Errorf("events = %+v", events)
	}
}
