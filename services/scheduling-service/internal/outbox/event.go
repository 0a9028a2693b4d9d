package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
)

// Event is the domain event envelope written to the outbox.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	BusinessID    string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	OccurredAt    time.Time
}

// Record is an outbox row awaiting publication.
type Record struct {
	Seq int64
	Event
}

// NewEvent marshals payload as JSON and captures the caller's trace context so the published message
// continues the request trace.
func NewEvent(ctx context.Context, aggregateType, aggregateID, eventType, businessID string, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	th := otelx.Capture(ctx)
	return Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		BusinessID:    businessID,
		Payload:       body,
		Traceparent:   th.Traceparent,
		Tracestate:    th.Tracestate,
		OccurredAt:    at,
	}, nil
}

// Source hands out batches of unpublished records. publish runs while the batch is claimed; the records are
// marked published only when it returns nil.
type Source interface {
	ClaimBatch(ctx context.Context, limit int, publish func(context.Context, []Record) error) error
}
