package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS aggregate_versions (
	aggregate_id   TEXT PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	version        BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS aggregate_versions_type_idx ON aggregate_versions (aggregate_type, aggregate_id);

CREATE TABLE IF NOT EXISTS events (
	global_position BIGINT PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE,
	aggregate_id    TEXT NOT NULL REFERENCES aggregate_versions (aggregate_id),
	aggregate_type  TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS event_log_head (
	id       SMALLINT PRIMARY KEY CHECK (id = 1),
	position BIGINT NOT NULL
);
INSERT INTO event_log_head (id, position) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	version        BIGINT NOT NULL,
	state          JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, version)
);
`

const eventColumns = `event_id, aggregate_id, aggregate_type, sequence_number, global_position, event_type, payload, occurred_at`

// PostgresStore persists the event log in PostgreSQL through pgx.
//
// Appends lock the aggregate's aggregate_versions row (optimistic check under
// FOR UPDATE) and the single event_log_head row. The head lock makes global
// positions follow commit order, so ReadAll consumers never skip a position
// that commits later.
type PostgresStore struct {
	pool   *pgxpool.Pool
	notify *notifier
}

// NewPostgresStore creates a store on an existing pool. Call Migrate once before use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, notify: newNotifier()}
}

// Migrate creates the event store tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate event store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []PendingEvent) ([]DomainEvent, error) {
	if err := validateAppend(aggregateID, expectedVersion, events); err != nil {
		return nil, err
	}
	aggregateType := events[0].AggregateType

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO aggregate_versions (aggregate_id, aggregate_type) VALUES ($1, $2) ON CONFLICT (aggregate_id) DO NOTHING`,
		aggregateID, aggregateType); err != nil {
		return nil, fmt.Errorf("init aggregate version: %w", err)
	}

	var (
		actual     int64
		storedType string
	)
	if err := tx.QueryRow(ctx,
		`SELECT version, aggregate_type FROM aggregate_versions WHERE aggregate_id = $1 FOR UPDATE`,
		aggregateID).Scan(&actual, &storedType); err != nil {
		return nil, fmt.Errorf("lock aggregate version: %w", err)
	}
	if storedType != aggregateType {
		return nil, fmt.Errorf("%w: %s is %q, got %q", ErrAggregateTypeMismatch, aggregateID, storedType, aggregateType)
	}
	if actual != expectedVersion {
		return nil, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
	}

	var position int64
	if err := tx.QueryRow(ctx, `SELECT position FROM event_log_head WHERE id = 1 FOR UPDATE`).Scan(&position); err != nil {
		return nil, fmt.Errorf("lock event log head: %w", err)
	}

	committed := materialize(aggregateID, actual, position, events, time.Now())
	batch := &pgx.Batch{}
	for _, ev := range committed {
		batch.Queue(`INSERT INTO events (global_position, event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.GlobalPosition, ev.EventID, ev.AggregateID, ev.AggregateType, ev.SequenceNumber,
			string(ev.EventType), []byte(ev.Payload), ev.OccurredAt)
	}
	last := committed[len(committed)-1]
	batch.Queue(`UPDATE aggregate_versions SET version = $2, updated_at = now() WHERE aggregate_id = $1`,
		aggregateID, last.SequenceNumber)
	batch.Queue(`UPDATE event_log_head SET position = $1 WHERE id = 1`, last.GlobalPosition)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: -1}
		}
		return nil, fmt.Errorf("insert events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.notify.broadcast()
	return committed, nil
}

func (s *PostgresStore) Load(ctx context.Context, aggregateID string) ([]DomainEvent, error) {
	return s.LoadRange(ctx, aggregateID, 0, 0)
}

func (s *PostgresStore) LoadRange(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]DomainEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		WHERE aggregate_id = $1 AND sequence_number >= $2::bigint AND ($3::bigint = 0 OR sequence_number <= $3::bigint)
		ORDER BY sequence_number`,
		aggregateID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("load events of %s: %w", aggregateID, err)
	}
	return collectEvents(rows)
}

func (s *PostgresStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM aggregate_versions WHERE aggregate_id = $1`, aggregateID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version of %s: %w", aggregateID, err)
	}
	return version, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]DomainEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE global_position > $1 ORDER BY global_position LIMIT $2`,
		afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("read all after %d: %w", afterPosition, err)
	}
	return collectEvents(rows)
}

func (s *PostgresStore) Head(ctx context.Context) (int64, error) {
	var position int64
	if err := s.pool.QueryRow(ctx, `SELECT position FROM event_log_head WHERE id = 1`).Scan(&position); err != nil {
		return 0, fmt.Errorf("read log head: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT aggregate_id FROM aggregate_versions WHERE aggregate_type = $1 AND version > 0 ORDER BY aggregate_id`,
		aggregateType)
	if err != nil {
		return nil, fmt.Errorf("list %s aggregates: %w", aggregateType, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s aggregate ids: %w", aggregateType, err)
	}
	return ids, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	version, err := s.Version(ctx, snap.AggregateID)
	if err != nil {
		return err
	}
	if snap.Version <= 0 || snap.Version > version {
		return ErrSnapshotAhead
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET state = EXCLUDED.state, created_at = EXCLUDED.created_at`,
		snap.AggregateID, snap.AggregateType, snap.Version, []byte(snap.State), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot of %s@%d: %w", snap.AggregateID, snap.Version, err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (Snapshot, error) {
	var (
		snap  Snapshot
		state []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT aggregate_id, aggregate_type, version, state, created_at FROM snapshots
		WHERE aggregate_id = $1 AND ($2::bigint <= 0 OR version <= $2::bigint)
		ORDER BY version DESC LIMIT 1`,
		aggregateID, maxVersion).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &state, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot of %s: %w", aggregateID, err)
	}
	snap.State = state
	return snap, nil
}

func (s *PostgresStore) Subscribe() (<-chan struct{}, func()) {
	return s.notify.subscribe()
}

func collectEvents(rows pgx.Rows) ([]DomainEvent, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DomainEvent, error) {
		var (
			ev        DomainEvent
			eventType string
			payload   []byte
		)
		if err := row.Scan(&ev.EventID, &ev.AggregateID, &ev.AggregateType, &ev.SequenceNumber,
			&ev.GlobalPosition, &eventType, &payload, &ev.OccurredAt); err != nil {
			return DomainEvent{}, err
		}
		ev.EventType = EventType(eventType)
		ev.Payload = payload
		ev.OccurredAt = ev.OccurredAt.UTC()
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
