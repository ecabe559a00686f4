package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/model"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = "id, contact_id, campaign_id, status, current_step_id, last_active_at, version, created_at"

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		s      model.Session
		status string
	)
	err := row.Scan(&s.ID, &s.ContactID, &s.CampaignID, &status, &s.CurrentStepID, &s.LastActiveAt, &s.Version, &s.CreatedAt)
	s.Status = model.SessionStatus(status)
	return s, err
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (q *Queries) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(q.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err != nil {
		return nil, lookupErr(err, "session", id)
	}
	return &s, nil
}

// FindSession returns the most recently active session of the contact in the
// campaign whose status is one of statuses.
func (q *Queries) FindSession(ctx context.Context, contactID, campaignID string, statuses []model.SessionStatus) (*model.Session, error) {
	st := make([]string, len(statuses))
	for i, s := range statuses {
		st[i] = string(s)
	}
	s, err := scanSession(q.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = $1 AND campaign_id = $2 AND status = ANY($3)
		ORDER BY last_active_at DESC LIMIT 1`,
		contactID, campaignID, st,
	))
	if err != nil {
		return nil, lookupErr(err, "session for campaign", campaignID)
	}
	return &s, nil
}

// LatestSession returns the contact's most recently active non-cancelled session.
func (q *Queries) LatestSession(ctx context.Context, contactID string) (*model.Session, error) {
	s, err := scanSession(q.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = $1 AND status <> 'CANCELLED'
		ORDER BY last_active_at DESC LIMIT 1`,
		contactID,
	))
	if err != nil {
		return nil, lookupErr(err, "session of contact", contactID)
	}
	return &s, nil
}

func (q *Queries) ListLiveSessions(ctx context.Context, contactID string) ([]model.Session, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = $1 AND status IN ('ACTIVE', 'PAUSED', 'EXPIRED')
		ORDER BY last_active_at DESC`,
		contactID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectSessions(rows)
}

// UpdateSessionStatus changes the status if the stored version still matches.
func (q *Queries) UpdateSessionStatus(ctx context.Context, id string, version int64, status model.SessionStatus, lastActive time.Time) (*model.Session, error) {
	s, err := scanSession(q.Pool.QueryRow(ctx,
		`UPDATE sessions SET status = $3, last_active_at = $4, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+sessionColumns,
		id, version, string(status), lastActive,
	))
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil, q.staleOrMissing(ctx, q.Pool, id, version)
}

// ListIdleSessions returns up to limit ACTIVE sessions idle since before cutoff,
// oldest first.
func (q *Queries) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.Session, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'ACTIVE' AND last_active_at < $1
		ORDER BY last_active_at
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	return collectSessions(rows)
}

func (q *Queries) LatestValidResponse(ctx context.Context, sessionID string) (*model.Response, error) {
	var r model.Response
	err := q.Pool.QueryRow(ctx,
		`SELECT id, session_id, step_id, contact_id, raw_text, choice_id, valid, created_at
		FROM responses WHERE session_id = $1 AND valid
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID,
	).Scan(&r.ID, &r.SessionID, &r.StepID, &r.ContactID, &r.RawText, &r.ChoiceID, &r.Valid, &r.CreatedAt)
	if err != nil {
		return nil, lookupErr(err, "response of session", sessionID)
	}
	return &r, nil
}

// CommitTurn persists a turn in one transaction: the session row (inserted or
// version-checked update), its responses and any contact language change.
func (q *Queries) CommitTurn(ctx context.Context, c model.TurnCommit) (*model.Session, error) {
	var out model.Session
	err := pgx.BeginFunc(ctx, q.Pool, func(tx pgx.Tx) error {
		s := c.Session
		var err error
		if c.Insert {
			out, err = scanSession(tx.QueryRow(ctx,
				`INSERT INTO sessions (id, contact_id, campaign_id, status, current_step_id, last_active_at, version, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
				RETURNING `+sessionColumns,
				s.ID, s.ContactID, s.CampaignID, string(s.Status), s.CurrentStepID, s.LastActiveAt, s.CreatedAt,
			))
			if err != nil {
				return fmt.Errorf("failed to insert session: %w", err)
			}
		} else {
			out, err = scanSession(tx.QueryRow(ctx,
				`UPDATE sessions SET status = $3, current_step_id = $4, last_active_at = $5, version = version + 1
				WHERE id = $1 AND version = $2
				RETURNING `+sessionColumns,
				s.ID, s.Version, string(s.Status), s.CurrentStepID, s.LastActiveAt,
			))
			if errors.Is(err, pgx.ErrNoRows) {
				return q.staleOrMissing(ctx, tx, s.ID, s.Version)
			}
			if err != nil {
				return fmt.Errorf("failed to update session: %w", err)
			}
		}

		if len(c.Responses) > 0 {
			batch := &pgx.Batch{}
			for _, r := range c.Responses {
				batch.Queue(
					`INSERT INTO responses (id, session_id, step_id, contact_id, raw_text, choice_id, valid, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					r.ID, r.SessionID, r.StepID, r.ContactID, r.RawText, r.ChoiceID, r.Valid, r.CreatedAt,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert responses: %w", err)
			}
		}

		if c.Language != nil {
			if _, err := tx.Exec(ctx,
				"UPDATE contacts SET language = $2 WHERE id = $1",
				c.ContactID, *c.Language,
			); err != nil {
				return fmt.Errorf("failed to update contact language: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// staleOrMissing explains why a version-checked update matched no row.
func (q *Queries) staleOrMissing(ctx context.Context, db querier, id string, version int64) error {
	var current int64
	err := db.QueryRow(ctx, "SELECT version FROM sessions WHERE id = $1", id).Scan(&current)
	if err != nil {
		return lookupErr(err, "session", id)
	}
	return apperr.Newf(apperr.CodeConflict, "session %s changed concurrently", id).
		WithMetadata("expected", fmt.Sprint(version)).
		WithMetadata("current", fmt.Sprint(current))
}
