package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lookupErr maps a missing row onto apperr.ErrNotFound and wraps anything else.
func lookupErr(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Newf(apperr.CodeNotFound, "%s %s not found", what, id).WithMetadata("id", id)
	}
	return fmt.Errorf("failed to get %s %s: %w", what, id, err)
}

// Contact queries

const contactColumns = "id, address, name, language, created_at"

func (q *Queries) FindOrCreateContact(ctx context.Context, address, name string) (*model.Contact, error) {
	var c model.Contact
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO contacts (id, address, name) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
			SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END
		RETURNING `+contactColumns,
		ulid.Make().String(), address, name,
	).Scan(&c.ID, &c.Address, &c.Name, &c.Language, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create contact: %w", err)
	}
	return &c, nil
}

// Localization queries

func (q *Queries) Localize(ctx context.Context, contentID, language string) (*model.LocalizedContent, error) {
	var lc model.LocalizedContent
	err := q.Pool.QueryRow(ctx,
		"SELECT title, body, media_url FROM step_contents WHERE content_id = $1 AND language = $2",
		contentID, language,
	).Scan(&lc.Title, &lc.Body, &lc.MediaURL)
	if err != nil {
		return nil, lookupErr(err, "content", contentID+"/"+language)
	}
	return &lc, nil
}

// Endpoint queries

func (q *Queries) GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error) {
	var (
		e         model.Endpoint
		authType  string
		timeoutMs int64
		backoffMs int64
	)
	err := q.Pool.QueryRow(ctx,
		`SELECT id, name, method, url, headers, query, body, auth_type, auth_token,
			auth_header, timeout_ms, retries, backoff_ms, response_template,
			response_schema, active, archived_at
		FROM endpoints WHERE id = $1`,
		id,
	).Scan(
		&e.ID, &e.Name, &e.Method, &e.URL, &e.Headers, &e.Query, &e.Body, &authType, &e.AuthToken,
		&e.AuthHeader, &timeoutMs, &e.Retries, &backoffMs, &e.ResponseTemplate,
		&e.ResponseSchema, &e.Active, &e.ArchivedAt,
	)
	if err != nil {
		return nil, lookupErr(err, "endpoint", id)
	}
	e.AuthType = model.AuthType(authType)
	e.Timeout = time.Duration(timeoutMs) * time.Millisecond
	e.Backoff = time.Duration(backoffMs) * time.Millisecond
	return &e, nil
}

func (q *Queries) InsertEndpointLog(ctx context.Context, l model.EndpointLog) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO endpoint_logs (
			id, endpoint_id, campaign_id, session_id, contact_id, step_id, attempt,
			request_url, request_body, response_status, response_body, error,
			success, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.EndpointID, l.CampaignID, l.SessionID, l.ContactID, l.StepID, l.Attempt,
		l.RequestURL, l.RequestBody, l.ResponseStatus, l.ResponseBody, l.Error,
		l.Success, l.DurationMs, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert endpoint log: %w", err)
	}
	return nil
}
