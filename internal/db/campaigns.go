package db

import (
	"context"
	"fmt"

	"chatflow/internal/model"

	"github.com/jackc/pgx/v5"
)

const campaignColumns = "id, name, keywords, active, starts_at, ends_at"

func scanCampaign(row pgx.Row) (model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Keywords, &c.Active, &c.StartsAt, &c.EndsAt)
	return c, err
}

// ListActiveCampaigns returns active campaigns ordered by id. The activation
// window is applied by the caller against its own clock.
func (q *Queries) ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE active ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (q *Queries) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := scanCampaign(q.Pool.QueryRow(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = $1", id))
	if err != nil {
		return nil, lookupErr(err, "campaign", id)
	}
	return &c, nil
}

// Step queries

const stepColumns = `id, campaign_id, position, kind, prompt, media_ref, content_id,
	is_end, next_step_id, endpoint_id, failure_step_id, expected_input, error_text`

func scanStep(row pgx.Row) (model.Step, error) {
	var (
		s        model.Step
		kind     string
		expected string
	)
	err := row.Scan(
		&s.ID, &s.CampaignID, &s.Position, &kind, &s.Prompt, &s.MediaRef, &s.ContentID,
		&s.IsEnd, &s.NextStepID, &s.EndpointID, &s.FailureStepID, &expected, &s.ErrorText,
	)
	if err != nil {
		return s, err
	}
	if s.Kind, err = model.ParseStepKind(kind); err != nil {
		return s, fmt.Errorf("step %s: %w", s.ID, err)
	}
	s.ExpectedInput = model.InputKind(expected)
	return s, nil
}

func (q *Queries) GetStep(ctx context.Context, id string) (*model.Step, error) {
	s, err := scanStep(q.Pool.QueryRow(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE id = $1", id))
	if err != nil {
		return nil, lookupErr(err, "step", id)
	}
	if err := q.loadChoices(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FirstStep returns the lowest-position step of a campaign.
func (q *Queries) FirstStep(ctx context.Context, campaignID string) (*model.Step, error) {
	s, err := scanStep(q.Pool.QueryRow(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE campaign_id = $1 ORDER BY position, id LIMIT 1",
		campaignID))
	if err != nil {
		return nil, lookupErr(err, "first step of campaign", campaignID)
	}
	if err := q.loadChoices(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *Queries) loadChoices(ctx context.Context, s *model.Step) error {
	if s.Kind != model.StepChoice {
		return nil
	}
	rows, err := q.Pool.Query(ctx,
		`SELECT id, step_id, position, code, label, next_step_id
		FROM choices WHERE step_id = $1 ORDER BY position, id`,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load choices of step %s: %w", s.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.Choice
		if err := rows.Scan(&c.ID, &c.StepID, &c.Position, &c.Code, &c.Label, &c.NextStepID); err != nil {
			return fmt.Errorf("failed to scan choice: %w", err)
		}
		s.Choices = append(s.Choices, c)
	}
	return rows.Err()
}
