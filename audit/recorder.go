package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetform/crew/clock"
	"github.com/fleetform/crew/record"
)

// Event is one entry in the audit trail.
type Event struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Recorder is the interface audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// TagAudit marks every audit record in the store.
const TagAudit = "audit"

// ActionTag returns the per-action store tag.
func ActionTag(action string) string { return "audit-action:" + action }

// ResourceTag returns the per-entity store tag, so the full trail of one
// worker or task is a single tag lookup.
func ResourceTag(resourceID string) string { return "audit-resource:" + resourceID }

// StoreRecorder persists audit events into a record.Store.
type StoreRecorder struct {
	store record.Store
	clk   clock.Clock
}

// NewStoreRecorder creates a Recorder backed by the given record store.
func NewStoreRecorder(store record.Store, opts ...StoreOption) *StoreRecorder {
	r := &StoreRecorder{store: store, clk: clock.NewSystem()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StoreOption configures a StoreRecorder.
type StoreOption func(*StoreRecorder)

// WithClock sets the time source used to stamp events.
func WithClock(c clock.Clock) StoreOption {
	return func(r *StoreRecorder) { r.clk = c }
}

// Record implements Recorder. Events are stamped with the recorder's
// clock when the caller left OccurredAt zero.
func (r *StoreRecorder) Record(ctx context.Context, event *Event) error {
	if event.OccurredAt.IsZero() {
		cp := *event
		cp.OccurredAt = r.clk.Now()
		event = &cp
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	tags := []string{TagAudit, ActionTag(event.Action)}
	if event.ResourceID != "" {
		tags = append(tags, ResourceTag(event.ResourceID))
	}
	if _, err := r.store.Put(ctx, tags, payload); err != nil {
		return fmt.Errorf("audit: persist event: %w", err)
	}
	return nil
}

// Find returns up to limit audit events matching all given tags,
// newest first. Malformed records are skipped.
func (r *StoreRecorder) Find(ctx context.Context, tags []string, limit int) ([]*Event, error) {
	recs, err := r.store.FindByTags(ctx, append([]string{TagAudit}, tags...), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: find events: %w", err)
	}
	events := make([]*Event, 0, len(recs))
	for _, rec := range recs {
		var evt Event
		if err := json.Unmarshal(rec.Payload, &evt); err != nil {
			continue
		}
		events = append(events, &evt)
	}
	return events, nil
}
