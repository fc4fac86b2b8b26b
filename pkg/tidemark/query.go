package tidemark

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// buildFilterWhere renders the filter as a WHERE clause fragment:
// type membership plus, when predicates are present, a disjunction of JSONB
// containment checks. Argument numbering starts at startArg.
func buildFilterWhere(f Filter, startArg int) (string, []any, error) {
	var conditions []string
	var args []any
	argIndex := startArg

	conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d::text[])", argIndex))
	args = append(args, f.eventTypes)
	argIndex++

	predicates, err := f.predicateJSON()
	if err != nil {
		return "", nil, err
	}
	if len(predicates) > 0 {
		containments := make([]string, len(predicates))
		for i, p := range predicates {
			containments[i] = fmt.Sprintf("payload @> $%d::jsonb", argIndex)
			args = append(args, p)
			argIndex++
		}
		conditions = append(conditions, "("+strings.Join(containments, " OR ")+")")
	}

	return strings.Join(conditions, " AND "), args, nil
}

// Query returns every event matching the filter in ascending sequence order,
// plus the largest sequence number among them (0 if none match). A single
// statement executes the read, so the result is a consistent snapshot.
func (es *eventStore) Query(ctx context.Context, filter Filter) (QueryResult, error) {
	if err := es.checkOpen("query"); err != nil {
		return QueryResult{}, err
	}
	if err := filter.validate("query"); err != nil {
		return QueryResult{}, err
	}

	where, args, err := buildFilterWhere(filter, 1)
	if err != nil {
		return QueryResult{}, &InternalError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to render filter: %w", err),
			},
		}
	}

	sqlQuery := "SELECT sequence_number, occurred_at, event_type, payload, metadata FROM events WHERE " +
		where + " ORDER BY sequence_number ASC"

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	rows, err := es.pool.Query(queryCtx, sqlQuery, args...)
	if err != nil {
		return QueryResult{}, classifyBackendError("query", err)
	}
	defer rows.Close()

	var result QueryResult
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.SequenceNumber, &event.OccurredAt, &event.EventType, &event.Payload, &event.Metadata); err != nil {
			return QueryResult{}, &InternalError{
				EventStoreError: EventStoreError{
					Op:  "query",
					Err: fmt.Errorf("failed to scan event row: %w", err),
				},
			}
		}
		result.Events = append(result.Events, event)
		result.MaxSequenceNumber = event.SequenceNumber
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, classifyBackendError("query", err)
	}

	es.logger.Debug("query",
		zap.String("filter", filter.String()),
		zap.Int("events", len(result.Events)),
		zap.Int64("max_sequence_number", result.MaxSequenceNumber),
	)
	return result, nil
}

// maxSequence recomputes the filter's tidemark with a single aggregate read.
func (es *eventStore) maxSequence(ctx context.Context, op string, filter Filter) (int64, error) {
	where, args, err := buildFilterWhere(filter, 1)
	if err != nil {
		return 0, &InternalError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to render filter: %w", err),
			},
		}
	}

	var maxSeq int64
	sqlQuery := "SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE " + where
	if err := es.pool.QueryRow(ctx, sqlQuery, args...).Scan(&maxSeq); err != nil {
		return 0, classifyBackendError(op, err)
	}
	return maxSeq, nil
}
