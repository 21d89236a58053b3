// Package history keeps past comparison reports so runs can be compared over
// time. Reports arrive through the eval.report.completed bus event.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ricesearch/recipe-eval/internal/bus"
	"github.com/ricesearch/recipe-eval/internal/evaluation"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

// Store persists reports ordered by creation time.
type Store interface {
	// Save records a report.
	Save(ctx context.Context, report *evaluation.Report) error

	// List returns reports created at or after since, newest first.
	// A limit of zero returns all of them.
	List(ctx context.Context, since time.Time, limit int) ([]*evaluation.Report, error)

	// Close releases resources.
	Close() error
}

// Summary is a one-line view of a stored report.
type Summary struct {
	RunID     string
	CreatedAt time.Time
	Queries   int
	Modes     []evaluation.ModeEntry
}

// Summarize extracts the fields shown by the history listing.
func Summarize(r *evaluation.Report) Summary {
	return Summary{
		RunID:     r.RunID,
		CreatedAt: r.CreatedAt,
		Queries:   r.NumQueries,
		Modes:     r.AlgorithmComparison,
	}
}

// Subscribe feeds reports published on the bus into store. Events whose
// payload cannot be decoded are logged and dropped.
func Subscribe(ctx context.Context, b bus.Bus, store Store, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}
	return b.Subscribe(ctx, bus.TopicReportCompleted, func(ctx context.Context, event bus.Event) error {
		report, err := DecodeReport(event.Payload)
		if err != nil {
			log.Warn("Dropping report event", "event_id", event.ID, "error", err)
			return nil
		}
		if report.RunID == "" {
			report.RunID = event.CorrelationID
		}
		if err := store.Save(ctx, report); err != nil {
			return fmt.Errorf("saving report %s: %w", report.RunID, err)
		}
		log.Debug("Recorded report", "run_id", report.RunID)
		return nil
	})
}

// DecodeReport converts an event payload into a report. In-process buses
// deliver the *Report itself, Kafka delivers decoded JSON.
func DecodeReport(payload any) (*evaluation.Report, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("empty payload")
	case *evaluation.Report:
		if p == nil {
			return nil, fmt.Errorf("empty payload")
		}
		return p, nil
	case evaluation.Report:
		return &p, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	var report evaluation.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &report, nil
}

// MemoryStore keeps reports in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	reports   []*evaluation.Report
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store. A zero retention keeps
// everything.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{retention: retention, now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, report *evaluation.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, report)
	sort.SliceStable(m.reports, func(i, j int) bool {
		return m.reports[i].CreatedAt.Before(m.reports[j].CreatedAt)
	})

	if m.retention > 0 {
		cutoff := m.now().Add(-m.retention)
		kept := m.reports[:0]
		for _, r := range m.reports {
			if !r.CreatedAt.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		m.reports = kept
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, since time.Time, limit int) ([]*evaluation.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*evaluation.Report
	for i := len(m.reports) - 1; i >= 0; i-- {
		r := m.reports[i]
		if r.CreatedAt.Before(since) {
			break
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
