package tidemark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// eventStore implements EventStore against PostgreSQL.
type eventStore struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger

	mu        sync.RWMutex
	closed    bool
	migrated  bool
	closeOnce sync.Once
}

// NewEventStore creates a new EventStore using the provided PostgreSQL
// connection pool and default configuration.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, Config{})
}

// NewEventStoreWithConfig creates a new EventStore with custom configuration.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, cfg Config) (EventStore, error) {
	// Test the connection with context timeout
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "newEventStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}

	cfg = cfg.withDefaults()
	return &eventStore{
		pool:   pool,
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// Open parses the connection string, builds a pool, and constructs the store.
// The pool is owned by the store and released by Close.
func Open(ctx context.Context, databaseURL string) (EventStore, error) {
	return OpenWithConfig(ctx, databaseURL, Config{})
}

// OpenWithConfig is Open with custom configuration.
func OpenWithConfig(ctx context.Context, databaseURL string, cfg Config) (EventStore, error) {
	if databaseURL == "" {
		databaseURL = DefaultDatabaseURL
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "open",
				Err: fmt.Errorf("invalid connection string: %w", err),
			},
			Field: "databaseURL",
			Value: "unparseable",
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "open",
				Err: fmt.Errorf("failed to create connection pool: %w", err),
			},
			Resource: "database",
		}
	}

	store, err := NewEventStoreWithConfig(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the event store's connection pool.
// It is safe to call Close multiple times.
func (es *eventStore) Close() {
	es.closeOnce.Do(func() {
		es.mu.Lock()
		es.closed = true
		es.mu.Unlock()

		es.logger.Info("closing event store")
		es.pool.Close()
	})
}

// checkOpen fails fast once the store has been closed.
func (es *eventStore) checkOpen(op string) error {
	es.mu.RLock()
	defer es.mu.RUnlock()
	if es.closed {
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

// withTimeout applies the configured default timeout when the caller did not
// set a deadline of their own. The caller's context remains the parent so
// cancellation propagates.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

// validateEvents applies the event model rules: non-empty type tag, valid
// JSON payload and metadata, batch within the configured cap.
func (es *eventStore) validateEvents(op string, events []InputEvent) error {
	if len(events) > es.config.MaxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize),
			},
			Field: "events",
			Value: fmt.Sprintf("count:%d", len(events)),
		}
	}
	for i, event := range events {
		if err := validateEvent(op, event, i); err != nil {
			return err
		}
	}
	return nil
}

func validateEvent(op string, event InputEvent, index int) error {
	if strings.TrimSpace(event.EventType) == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "eventType",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	if !json.Valid(event.Payload) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("invalid JSON payload in event %d", index),
			},
			Field: "payload",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	if event.Metadata != nil && !json.Valid(event.Metadata) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("invalid JSON metadata in event %d", index),
			},
			Field: "metadata",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	return nil
}

// metadataOrEmpty substitutes the {} default for absent metadata.
func metadataOrEmpty(metadata []byte) []byte {
	if metadata == nil {
		return []byte("{}")
	}
	return metadata
}

// classifyBackendError maps a driver failure onto the store taxonomy:
// connectivity problems and cancellation become ResourceError, anything the
// backend reports unexpectedly becomes InternalError.
func classifyBackendError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: err,
			},
			Resource: "database",
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 08 covers connection exceptions; 57P01..57P03 are
		// shutdown / crash / cannot-connect-now.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: err,
				},
				Resource: "database",
			}
		}
		return &InternalError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: err,
			},
		}
	}

	if pgconn.SafeToRetry(err) || strings.Contains(err.Error(), "closed pool") {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: err,
			},
			Resource: "database",
		}
	}

	return &InternalError{
		EventStoreError: EventStoreError{
			Op:  op,
			Err: err,
		},
	}
}
