package tidemark

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Append atomically persists the events in caller order, optionally guarded
// by the filter's expected tidemark.
//
// The conditional form fuses the tidemark recomputation and the insert into
// one statement: a CTE computes COALESCE(MAX(sequence_number), 0) over the
// filter's scope and the INSERT ... SELECT joins against it with the guard
// max_seq = expected. When the guard is false zero rows are inserted and the
// call fails with a ConcurrencyError carrying the tidemark the statement
// observed. No other transaction can slip a matching event between the check
// and the insert.
func (es *eventStore) Append(ctx context.Context, filter Filter, events []InputEvent, expected *int64) error {
	if err := es.checkOpen("append"); err != nil {
		return err
	}
	if err := filter.validate("append"); err != nil {
		return err
	}
	if err := es.validateEvents("append", events); err != nil {
		return err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	if len(events) == 0 {
		return es.appendBarrier(appendCtx, filter, expected)
	}

	types := make([]string, len(events))
	payloads := make([]string, len(events))
	metadatas := make([]string, len(events))
	for i, event := range events {
		types[i] = event.EventType
		payloads[i] = string(event.Payload)
		metadatas[i] = string(metadataOrEmpty(event.Metadata))
	}

	if expected == nil {
		return es.appendUnconditional(appendCtx, filter, types, payloads, metadatas)
	}
	return es.appendConditional(appendCtx, filter, types, payloads, metadatas, *expected)
}

// appendBarrier handles the empty batch: the check still runs, nothing is
// inserted either way.
func (es *eventStore) appendBarrier(ctx context.Context, filter Filter, expected *int64) error {
	if expected == nil {
		return nil
	}
	actual, err := es.maxSequence(ctx, "append", filter)
	if err != nil {
		return err
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
	return nil
}

func (es *eventStore) appendUnconditional(ctx context.Context, filter Filter, types, payloads, metadatas []string) error {
	tag, err := es.pool.Exec(ctx, `
		INSERT INTO events (event_type, payload, metadata)
		SELECT t.event_type, t.payload, t.metadata
		FROM unnest($1::text[], $2::jsonb[], $3::jsonb[]) WITH ORDINALITY AS t(event_type, payload, metadata, ordinal)
		ORDER BY t.ordinal
	`, types, payloads, metadatas)
	if err != nil {
		return classifyBackendError("append", err)
	}
	if tag.RowsAffected() != int64(len(types)) {
		return &InternalError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("inserted %d of %d events", tag.RowsAffected(), len(types)),
			},
		}
	}

	es.logger.Debug("append",
		zap.String("filter", filter.String()),
		zap.Int("events", len(types)),
	)
	return nil
}

func (es *eventStore) appendConditional(ctx context.Context, filter Filter, types, payloads, metadatas []string, expected int64) error {
	where, args, err := buildFilterWhere(filter, 1)
	if err != nil {
		return &InternalError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to render filter: %w", err),
			},
		}
	}

	next := len(args) + 1
	sqlQuery := fmt.Sprintf(`
		WITH scope AS (
			SELECT COALESCE(MAX(sequence_number), 0) AS max_seq
			FROM events
			WHERE %s
		), batch AS (
			SELECT t.event_type, t.payload, t.metadata, t.ordinal
			FROM unnest($%d::text[], $%d::jsonb[], $%d::jsonb[]) WITH ORDINALITY AS t(event_type, payload, metadata, ordinal)
		), inserted AS (
			INSERT INTO events (event_type, payload, metadata)
			SELECT b.event_type, b.payload, b.metadata
			FROM batch b
			JOIN scope s ON s.max_seq = $%d
			ORDER BY b.ordinal
			RETURNING sequence_number
		)
		SELECT s.max_seq, (SELECT count(*) FROM inserted) FROM scope s
	`, where, next, next+1, next+2, next+3)
	args = append(args, types, payloads, metadatas, expected)

	var observed, insertedCount int64
	if err := es.pool.QueryRow(ctx, sqlQuery, args...).Scan(&observed, &insertedCount); err != nil {
		return classifyBackendError("append", err)
	}

	if insertedCount == 0 {
		es.logger.Debug("append conflict",
			zap.String("filter", filter.String()),
			zap.Int64("expected", expected),
			zap.Int64("actual", observed),
		)
		return &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("context changed: expected max sequence %d, found %d", expected, observed),
			},
			ExpectedSequence: expected,
			ActualSequence:   observed,
		}
	}
	if insertedCount != int64(len(types)) {
		return &InternalError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("inserted %d of %d events", insertedCount, len(types)),
			},
		}
	}

	es.logger.Debug("append",
		zap.String("filter", filter.String()),
		zap.Int("events", len(types)),
		zap.Int64("expected", expected),
	)
	return nil
}
