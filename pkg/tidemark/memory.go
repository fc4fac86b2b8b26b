package tidemark

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process EventStore with the same semantics as the
// PostgreSQL store, including the conditional-append race (the mutex makes
// the check and the insert one atomic step). It backs slice unit tests and
// local development; it is not durable.
type MemoryStore struct {
	mu           sync.Mutex
	events       []Event
	nextSequence int64
	closed       bool
	maxBatchSize int
}

var _ EventStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextSequence: 1,
		maxBatchSize: defaultMaxBatchSize,
	}
}

// Migrate is a no-op; the in-memory store has no schema.
func (ms *MemoryStore) Migrate(ctx context.Context) error {
	return ms.checkOpen("migrate")
}

// Query returns every event matching the filter in insertion order.
func (ms *MemoryStore) Query(ctx context.Context, filter Filter) (QueryResult, error) {
	if err := ms.checkOpen("query"); err != nil {
		return QueryResult{}, err
	}
	if err := filter.validate("query"); err != nil {
		return QueryResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return QueryResult{}, &ResourceError{
			EventStoreError: EventStoreError{Op: "query", Err: err},
			Resource:        "context",
		}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var result QueryResult
	for _, event := range ms.events {
		if filter.Matches(event.EventType, event.Payload) {
			result.Events = append(result.Events, copyEvent(event))
			result.MaxSequenceNumber = event.SequenceNumber
		}
	}
	return result, nil
}

// Append inserts the events under the store mutex, so the tidemark check and
// the insert are indivisible with respect to concurrent appends.
func (ms *MemoryStore) Append(ctx context.Context, filter Filter, events []InputEvent, expected *int64) error {
	if err := ms.checkOpen("append"); err != nil {
		return err
	}
	if err := filter.validate("append"); err != nil {
		return err
	}
	if len(events) > ms.maxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), ms.maxBatchSize),
			},
			Field: "events",
			Value: fmt.Sprintf("count:%d", len(events)),
		}
	}
	for i, event := range events {
		if err := validateEvent("append", event, i); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "append", Err: err},
			Resource:        "context",
		}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if expected != nil {
		actual := int64(0)
		for _, event := range ms.events {
			if filter.Matches(event.EventType, event.Payload) {
				actual = event.SequenceNumber
			}
		}
		if actual != *expected {
			return &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("context changed: expected max sequence %d, found %d", *expected, actual),
				},
				ExpectedSequence: *expected,
				ActualSequence:   actual,
			}
		}
	}

	now := time.Now().UTC()
	for _, event := range events {
		ms.events = append(ms.events, Event{
			SequenceNumber: ms.nextSequence,
			OccurredAt:     now,
			EventType:      event.EventType,
			Payload:        append([]byte(nil), event.Payload...),
			Metadata:       append([]byte(nil), metadataOrEmpty(event.Metadata)...),
		})
		ms.nextSequence++
	}
	return nil
}

// Close marks the store closed; subsequent operations fail with a
// ResourceError. Safe to call multiple times.
func (ms *MemoryStore) Close() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
}

func (ms *MemoryStore) checkOpen(op string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("event store is closed"),
			},
			Resource: "eventStore",
		}
	}
	return nil
}

func copyEvent(event Event) Event {
	event.Payload = append([]byte(nil), event.Payload...)
	event.Metadata = append([]byte(nil), event.Metadata...)
	return event
}
