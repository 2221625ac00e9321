package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

// DrainOutbox claims up to limit NEW rows, publishes them oldest first and
// marks each one PUBLISHED. The first publish failure stops the batch; rows
// already published stay marked and the rest are retried on the next call.
func (r *Repository) DrainOutbox(ctx context.Context, limit int, publish func(context.Context, domain.OutboxEvent) error) (int, error) {
	var (
		sent       int
		publishErr error
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		sent, publishErr = 0, nil
		rows, err := tx.Query(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload_json, dedupe_key, created_at
			FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxEvent, error) {
			var (
				e       domain.OutboxEvent
				payload string
			)
			err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &e.DedupeKey, &e.CreatedAt)
			e.Payload = []byte(payload)
			return e, err
		})
		if err != nil {
			return err
		}

		for _, e := range events {
			if publishErr = publish(ctx, e); publishErr != nil {
				return nil
			}
			if err := markPublished(ctx, tx, e.ID, time.Now()); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, publishErr
}

func markPublished(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1`, id, at)
	return err
}
