// Package notify forwards audit events to external sinks. A dispatcher polls
// the events table with one cursor per sink and delivers in id order; a
// failed delivery is retried on the next poll.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"etdflow/internal/domain"
	"etdflow/internal/logger"
	"etdflow/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Source is the event log the dispatcher reads.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Sink delivers one event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

// Target pairs a sink with the event types it wants. An empty list means
// every type.
type Target struct {
	Sink   Sink
	Events []string
}

type Dispatcher struct {
	source   Source
	targets  []Target
	filters  []eventFilter
	log      *zap.Logger
	metrics  *metrics.Metrics
	Interval time.Duration
	Batch    int

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(source Source, targets []Target, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	filters := make([]eventFilter, len(targets))
	for i, t := range targets {
		filters[i] = newEventFilter(t.Events)
	}
	return &Dispatcher{
		source:   source,
		targets:  targets,
		filters:  filters,
		log:      logger.OrNop(log),
		metrics:  m,
		Interval: defaultInterval,
		Batch:    defaultBatch,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.targets) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one polling pass over every sink. A sink's cursor starts
// at the newest event the first time it is seen, so history is not replayed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i := range d.targets {
		d.dispatch(ctx, i)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int) {
	target := d.targets[idx]
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.log.Warn("notify: init cursor failed", zap.String("sink", target.Sink.Name()), zap.Error(err))
		return
	}
	events, err := d.source.EventsAfter(ctx, d.Batch, cursor)
	if err != nil {
		d.log.Warn("notify: fetch events failed", zap.String("sink", target.Sink.Name()), zap.Error(err))
		return
	}
	for _, evt := range events {
		if !d.filters[idx].match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := target.Sink.Deliver(ctx, evt); err != nil {
			d.metrics.IncNotification(target.Sink.Name(), "error")
			d.log.Warn("notify: delivery failed",
				zap.String("sink", target.Sink.Name()),
				zap.Int64("event_id", evt.ID),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			return
		}
		d.metrics.IncNotification(target.Sink.Name(), "ok")
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Message is the wire form shared by every sink.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role,omitempty"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func messageFor(evt domain.Event) Message {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		ActorRole:  evt.ActorRole,
		FromStatus: evt.FromStatus,
		ToStatus:   evt.ToStatus,
		TS:         evt.TS,
		Payload:    payload,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
