package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatflow/internal/model"

	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, message_id, contact_id, status, provider_message_id, retry_count,
	next_retry_at, last_error, media_fallback_used, payload, created_at, updated_at`

func scanDelivery(row pgx.Row) (model.DeliveryAttempt, error) {
	var (
		a       model.DeliveryAttempt
		status  string
		payload []byte
	)
	err := row.Scan(
		&a.ID, &a.MessageID, &a.ContactID, &status, &a.ProviderMessageID, &a.RetryCount,
		&a.NextRetryAt, &a.LastError, &a.MediaFallbackUsed, &payload, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.Status = model.DeliveryStatus(status)
	if err := json.Unmarshal(payload, &a.Message); err != nil {
		return a, fmt.Errorf("decode payload of delivery %s: %w", a.ID, err)
	}
	return a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateDelivery records the outbound message row and its first attempt.
func (q *Queries) CreateDelivery(ctx context.Context, a model.DeliveryAttempt) error {
	payload, err := json.Marshal(a.Message)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	return pgx.BeginFunc(ctx, q.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, contact_id, step_id, content, payload, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			a.MessageID, nullable(a.Message.Context.SessionID), a.ContactID, nullable(a.Message.Context.StepID),
			a.Message.Content, payload, string(a.Status), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO delivery_attempts (
				id, message_id, contact_id, status, provider_message_id, retry_count,
				next_retry_at, last_error, media_fallback_used, payload, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			a.ID, a.MessageID, a.ContactID, string(a.Status), a.ProviderMessageID, a.RetryCount,
			a.NextRetryAt, a.LastError, a.MediaFallbackUsed, payload, a.CreatedAt, a.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert delivery attempt: %w", err)
		}
		return nil
	})
}

// UpdateDelivery writes the attempt state and mirrors it onto the message row.
func (q *Queries) UpdateDelivery(ctx context.Context, a model.DeliveryAttempt) error {
	payload, err := json.Marshal(a.Message)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	return pgx.BeginFunc(ctx, q.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE delivery_attempts SET status = $2, provider_message_id = $3, retry_count = $4,
				next_retry_at = $5, last_error = $6, media_fallback_used = $7, payload = $8, updated_at = $9
			WHERE id = $1`,
			a.ID, string(a.Status), a.ProviderMessageID, a.RetryCount,
			a.NextRetryAt, a.LastError, a.MediaFallbackUsed, payload, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update delivery attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return lookupErr(pgx.ErrNoRows, "delivery attempt", a.ID)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE messages SET status = $2, provider_message_id = $3, content = $4 WHERE id = $1",
			a.MessageID, string(a.Status), a.ProviderMessageID, a.Message.Content,
		); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		return nil
	})
}

// ClaimDueDeliveries marks up to limit attempts pending and returns them. It
// takes failed attempts whose retry time has passed and pending attempts not
// updated since staleBefore, whose sender died mid-send. Rows locked by a
// concurrent claimer are skipped.
func (q *Queries) ClaimDueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.DeliveryAttempt, error) {
	rows, err := q.Pool.Query(ctx,
		`UPDATE delivery_attempts SET status = 'pending', updated_at = $1
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
				OR (status = 'pending' AND updated_at <= $2)
			ORDER BY COALESCE(next_retry_at, updated_at)
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	defer rows.Close()

	var due []model.DeliveryAttempt
	for rows.Next() {
		a, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		due = append(due, a)
	}
	return due, rows.Err()
}

// ClaimDelivery claims a single attempt if it is failed and due, or pending
// with an expired lease.
func (q *Queries) ClaimDelivery(ctx context.Context, id string, now, staleBefore time.Time) (*model.DeliveryAttempt, error) {
	a, err := scanDelivery(q.Pool.QueryRow(ctx,
		`UPDATE delivery_attempts SET status = 'pending', updated_at = $2
		WHERE id = $1 AND (
			(status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $2)
			OR (status = 'pending' AND updated_at <= $3)
		)
		RETURNING `+deliveryColumns,
		id, now, staleBefore,
	))
	if err != nil {
		return nil, lookupErr(err, "due delivery attempt", id)
	}
	return &a, nil
}

func (q *Queries) GetDeliveryByProviderID(ctx context.Context, providerID string) (*model.DeliveryAttempt, error) {
	a, err := scanDelivery(q.Pool.QueryRow(ctx,
		"SELECT "+deliveryColumns+" FROM delivery_attempts WHERE provider_message_id = $1",
		providerID,
	))
	if err != nil {
		return nil, lookupErr(err, "delivery attempt for provider id", providerID)
	}
	return &a, nil
}
