package tidemark

import (
	"context"
	"fmt"
)

// migrationLockKey is the advisory lock key serialising concurrent migrations
// from multiple processes against the same database.
const migrationLockKey = 0x7469646d // "tidm"

// migrationStatements is the store's only persisted layout. Each statement is
// idempotent; the GIN index uses jsonb_path_ops, which is sufficient for the
// containment (@>) operator and smaller than the default operator class.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		sequence_number BIGSERIAL PRIMARY KEY,
		occurred_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		event_type      TEXT NOT NULL,
		payload         JSONB NOT NULL,
		metadata        JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS events_event_type_idx ON events (event_type)`,
	`CREATE INDEX IF NOT EXISTS events_payload_idx ON events USING GIN (payload jsonb_path_ops)`,
}

// Migrate creates the events table and its indexes if absent. Within a
// process the bootstrap runs once; across processes an advisory lock keeps
// concurrent bootstraps from tripping over each other's DDL.
func (es *eventStore) Migrate(ctx context.Context) error {
	if err := es.checkOpen("migrate"); err != nil {
		return err
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if es.migrated {
		return nil
	}

	conn, err := es.pool.Acquire(ctx)
	if err != nil {
		return classifyBackendError("migrate", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return classifyBackendError("migrate", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)

	for _, stmt := range migrationStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return classifyBackendError("migrate", fmt.Errorf("schema bootstrap failed: %w", err))
		}
	}

	es.migrated = true
	es.logger.Info("schema migrated")
	return nil
}
