package service

import (
	"context"
	"time"

	"chatflow/internal/dispatch"
	"chatflow/internal/model"
)

// ContactStore finds or creates contacts by channel address.
type ContactStore interface {
	FindOrCreateContact(ctx context.Context, address, name string) (*model.Contact, error)
}

// CampaignStore reads the authored campaign graph. It is read-only to the engine.
type CampaignStore interface {
	ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	GetStep(ctx context.Context, id string) (*model.Step, error)
	FirstStep(ctx context.Context, campaignID string) (*model.Step, error)
}

// SessionStore persists sessions and responses. Lookups that find nothing
// return an error matching apperr.ErrNotFound.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	FindSession(ctx context.Context, contactID, campaignID string, statuses []model.SessionStatus) (*model.Session, error)
	LatestSession(ctx context.Context, contactID string) (*model.Session, error)
	ListLiveSessions(ctx context.Context, contactID string) ([]model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, version int64, status model.SessionStatus, lastActive time.Time) (*model.Session, error)
	ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.Session, error)
	LatestValidResponse(ctx context.Context, sessionID string) (*model.Response, error)
	CommitTurn(ctx context.Context, commit model.TurnCommit) (*model.Session, error)
}

// Localizer returns the localized copy of a content id in a language.
type Localizer interface {
	Localize(ctx context.Context, contentID, language string) (*model.LocalizedContent, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	ContactStore
	CampaignStore
	SessionStore
	Localizer
}

// MediaResolver turns a step media reference into a URL the channel can fetch.
type MediaResolver interface {
	URL(ctx context.Context, ref string) (string, error)
}

// Dispatcher performs api-step calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpointID string, vars map[string]interface{}, meta dispatch.Meta) (*dispatch.Result, error)
}

// Locker serializes work per key across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Deliverer hands outbound messages to the channel.
type Deliverer interface {
	Deliver(ctx context.Context, msg model.OutboundMessage) (*model.DeliveryAttempt, error)
}

// EventBus publishes engine events to operators.
type EventBus interface {
	PublishSession(sessionID string, event map[string]interface{}) error
	PublishOperator(event map[string]interface{}) error
}
