// Package repository provides PostgreSQL-backed persistence for discounts,
// discount codes, shipping options, API keys and rule change events. It also
// handles LISTEN/NOTIFY-based cache invalidation so every service instance
// sees writes made through any other instance.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "rule_events"
	maxEventBatchSize    = 1000

	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
	numericOutOfRangeCode   = "22003"
)

// Resource names recorded on rule events.
const (
	ResourceDiscount       = "discount"
	ResourceDiscountCode   = "discount_code"
	ResourceShippingOption = "shipping_option"
)

// RuleEvent is a change to a discount, code or shipping option, stored in the
// rule_events table and used to drive SSE and gRPC streaming.
type RuleEvent struct {
	EventID     int64           `json:"event_id"`
	Resource    string          `json:"resource"`
	ResourceKey string          `json:"resource_key"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PostgresRepository implements rule, API key, and event persistence backed by
// a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "rule_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	return hasPgErrorCode(err, uniqueViolationCode)
}

// IsForeignKeyViolation reports whether err came from a foreign key
// constraint, e.g. a code pointing at a missing discount.
func IsForeignKeyViolation(err error) bool {
	return hasPgErrorCode(err, foreignKeyViolationCode)
}

// IsValueRejected reports whether err came from a CHECK constraint or a
// numeric column overflow.
func IsValueRejected(err error) bool {
	return hasPgErrorCode(err, checkViolationCode) || hasPgErrorCode(err, numericOutOfRangeCode)
}

func hasPgErrorCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// ListEventsSince returns up to limit events with IDs greater than eventID,
// ordered by event ID. A non-positive limit falls back to 1000.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64, limit int) ([]RuleEvent, error) {
	if limit <= 0 || limit > maxEventBatchSize {
		limit = maxEventBatchSize
	}

	rows, err := r.pool.Query(ctx, `
		SELECT event_id, resource, resource_key, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]RuleEvent, 0)
	for rows.Next() {
		var event RuleEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Resource,
			&event.ResourceKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishRuleEvent inserts an event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created RuleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_events (resource, resource_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, resource, resource_key, event_type, payload, created_at
	`,
		event.Resource,
		event.ResourceKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Resource,
		&created.ResourceKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule event notification arrives on the LISTEN channel. The listener
// reconnects after connection loss and the channel is closed once ctx ends.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	// A reconnect may have missed notifications; ask for a reload.
	select {
	case invalidations <- struct{}{}:
	default:
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func expectOneRow(commandTag pgconn.CommandTag, operation string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID     int64  `json:"event_id"`
		Resource    string `json:"resource"`
		ResourceKey string `json:"resource_key"`
		EventType   string `json:"event_type"`
	}{
		EventID:     event.EventID,
		Resource:    event.Resource,
		ResourceKey: event.ResourceKey,
		EventType:   event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

// rowQuerier is satisfied by both the pool and an open transaction.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RuleSnapshot is a consistent view of every rule table.
type RuleSnapshot struct {
	Discounts       []Discount
	Codes           []DiscountCode
	ShippingOptions []ShippingOption
}

// LoadRuleSnapshot reads discounts, codes and shipping options inside one
// read-only REPEATABLE READ transaction, so every code in the snapshot
// refers to a discount that is also in it.
func (r *PostgresRepository) LoadRuleSnapshot(ctx context.Context) (RuleSnapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return RuleSnapshot{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var snapshot RuleSnapshot
	if snapshot.Discounts, err = listDiscounts(ctx, tx); err != nil {
		return RuleSnapshot{}, err
	}
	if snapshot.Codes, err = listDiscountCodes(ctx, tx); err != nil {
		return RuleSnapshot{}, err
	}
	if snapshot.ShippingOptions, err = listShippingOptions(ctx, tx); err != nil {
		return RuleSnapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleSnapshot{}, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return snapshot, nil
}
