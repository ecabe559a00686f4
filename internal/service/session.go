package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/lock"
	"chatflow/internal/metrics"
	"chatflow/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// DefaultIdleWindow is how long an ACTIVE session may sit idle before it expires.
const DefaultIdleWindow = 30 * time.Minute

const (
	expireBatch = 500
	// sweepLockWait is how long the idle sweep waits for a contact that is
	// mid-turn before leaving it to the next run.
	sweepLockWait = 50 * time.Millisecond
)

var resetCommands = map[string]bool{"reset": true, "exit": true, "start": true}

// IsResetCommand reports whether text asks to abandon the current conversation.
func IsResetCommand(text string) bool {
	return resetCommands[strings.ToLower(strings.TrimSpace(text))]
}

// RouteKind says how an inbound event was bound to a session.
type RouteKind string

const (
	RouteCreated   RouteKind = "created"
	RouteReused    RouteKind = "reused"
	RouteRevived   RouteKind = "revived"
	RouteContinued RouteKind = "continued"
	RouteStatus    RouteKind = "status"
)

// Routing is the outcome of Route. The session is not yet persisted; revival
// and creation are committed together with the turn.
type Routing struct {
	Kind     RouteKind
	Session  *model.Session
	Campaign *model.Campaign
	// Keyword is true when the inbound text triggered the campaign.
	Keyword bool
}

// SessionManager resolves contacts and binds inbound events to sessions.
type SessionManager struct {
	store      Store
	bus        EventBus
	locker     Locker
	idleWindow time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewSessionManager(store Store, bus EventBus, idleWindow time.Duration, log *zap.Logger) *SessionManager {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	return &SessionManager{
		store:      store,
		bus:        bus,
		idleWindow: idleWindow,
		log:        log,
		now:        time.Now,
	}
}

// SetLocker makes operator transitions and the idle sweep take the same
// per-contact lock as inbound turns.
func (m *SessionManager) SetLocker(l Locker) {
	m.locker = l
}

func (m *SessionManager) lockContact(ctx context.Context, contactID string) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	return m.locker.Lock(ctx, ContactLockKey(contactID))
}

// ContactLockKey is the lock key that serializes all session writes of a contact.
func ContactLockKey(contactID string) string {
	return "contact:" + contactID
}

// ResolveContact finds or creates the contact for an address.
func (m *SessionManager) ResolveContact(ctx context.Context, address, name string) (*model.Contact, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "contact address is required")
	}
	contact, err := m.store.FindOrCreateContact(ctx, address, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve contact: %w", err)
	}
	return contact, nil
}

// Route binds an inbound text to a session. It returns ErrNoCampaign when no
// keyword matched and the contact has no session to continue.
func (m *SessionManager) Route(ctx context.Context, contact *model.Contact, text string) (*Routing, error) {
	now := m.now()

	campaign, err := m.matchCampaign(ctx, text, now)
	if err != nil {
		return nil, err
	}
	if campaign != nil {
		return m.routeKeyword(ctx, contact, campaign, now)
	}

	s, err := m.store.LatestSession(ctx, contact.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrNoCampaign
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest session: %w", err)
	}
	c, err := m.store.GetCampaign(ctx, s.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", s.CampaignID, err)
	}

	switch {
	case s.Status == model.SessionPaused || s.Status == model.SessionCompleted:
		return &Routing{Kind: RouteStatus, Session: s, Campaign: c}, nil
	case s.Status == model.SessionExpired || m.stale(s, now):
		m.revive(s, now)
		return &Routing{Kind: RouteRevived, Session: s, Campaign: c}, nil
	case s.Status == model.SessionActive:
		return &Routing{Kind: RouteContinued, Session: s, Campaign: c}, nil
	default:
		return nil, apperr.ErrNoCampaign
	}
}

func (m *SessionManager) routeKeyword(ctx context.Context, contact *model.Contact, campaign *model.Campaign, now time.Time) (*Routing, error) {
	s, err := m.store.FindSession(ctx, contact.ID, campaign.ID, []model.SessionStatus{
		model.SessionActive, model.SessionPaused, model.SessionExpired,
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if s != nil && err == nil {
		switch {
		case s.Status == model.SessionPaused:
			return &Routing{Kind: RouteStatus, Session: s, Campaign: campaign, Keyword: true}, nil
		case s.Status == model.SessionActive && !m.stale(s, now):
			return &Routing{Kind: RouteReused, Session: s, Campaign: campaign, Keyword: true}, nil
		default:
			m.revive(s, now)
			return &Routing{Kind: RouteRevived, Session: s, Campaign: campaign, Keyword: true}, nil
		}
	}

	return &Routing{
		Kind: RouteCreated,
		Session: &model.Session{
			ID:           ulid.Make().String(),
			ContactID:    contact.ID,
			CampaignID:   campaign.ID,
			Status:       model.SessionActive,
			LastActiveAt: now,
			CreatedAt:    now,
		},
		Campaign: campaign,
		Keyword:  true,
	}, nil
}

// matchCampaign returns the live campaign whose keyword equals text, if any.
// When several match, the lowest id wins so routing stays deterministic.
func (m *SessionManager) matchCampaign(ctx context.Context, text string, now time.Time) (*model.Campaign, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	campaigns, err := m.liveCampaigns(ctx, now)
	if err != nil {
		return nil, err
	}
	for i := range campaigns {
		if campaigns[i].Matches(text) {
			return &campaigns[i], nil
		}
	}
	return nil, nil
}

func (m *SessionManager) liveCampaigns(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	all, err := m.store.ListActiveCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	live := make([]model.Campaign, 0, len(all))
	for _, c := range all {
		if c.Live(now) {
			live = append(live, c)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

// Menu renders the list of campaigns a contact can start.
func (m *SessionManager) Menu(ctx context.Context) (string, error) {
	campaigns, err := m.liveCampaigns(ctx, m.now())
	if err != nil {
		return "", err
	}
	var lines []string
	for _, c := range campaigns {
		if len(c.Keywords) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s)", strings.ToUpper(strings.TrimSpace(c.Keywords[0])), c.Name))
	}
	if len(lines) == 0 {
		return NoCampaignsText, nil
	}
	return MenuHeaderText + "\n" + strings.Join(lines, "\n"), nil
}

func (m *SessionManager) stale(s *model.Session, now time.Time) bool {
	return s.Status == model.SessionActive && now.Sub(s.LastActiveAt) > m.idleWindow
}

func (m *SessionManager) revive(s *model.Session, now time.Time) {
	s.Status = model.SessionActive
	s.LastActiveAt = now
}

// ExpireIdle moves ACTIVE sessions idle longer than the window to EXPIRED.
// Checkpoints are preserved so the sessions can be revived. Contacts that are
// mid-turn are skipped and picked up by a later run.
func (m *SessionManager) ExpireIdle(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.idleWindow)
	idle, err := m.store.ListIdleSessions(ctx, cutoff, expireBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	n, skipped := 0, 0
	for i := range idle {
		expired, err := m.expire(ctx, &idle[i])
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, apperr.ErrConflict) {
				skipped++
				continue
			}
			return n, fmt.Errorf("failed to expire session %s: %w", idle[i].ID, err)
		}
		n++
		m.publish(expired.ID, "session.expired", expired)
	}
	metrics.SessionsExpired.Add(float64(n))
	if n > 0 || skipped > 0 {
		m.log.Info("Expired idle sessions",
			zap.Int("count", n),
			zap.Int("skipped", skipped),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

func (m *SessionManager) expire(ctx context.Context, s *model.Session) (*model.Session, error) {
	lctx, cancel := context.WithTimeout(ctx, sweepLockWait)
	defer cancel()
	unlock, err := m.lockContact(lctx, s.ContactID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	// the version check rejects sessions a turn touched since the listing
	return m.store.UpdateSessionStatus(ctx, s.ID, s.Version, model.SessionExpired, s.LastActiveAt)
}

// CancelAll cancels every live session of a contact. The caller holds the
// contact lock.
func (m *SessionManager) CancelAll(ctx context.Context, contactID string) (int, error) {
	sessions, err := m.store.ListLiveSessions(ctx, contactID)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	n := 0
	for _, s := range sessions {
		updated, err := m.store.UpdateSessionStatus(ctx, s.ID, s.Version, model.SessionCancelled, m.now())
		if err != nil {
			return n, fmt.Errorf("failed to cancel session %s: %w", s.ID, err)
		}
		n++
		m.publish(s.ID, "session.cancelled", updated)
	}
	return n, nil
}

// Cancel makes a session inert.
func (m *SessionManager) Cancel(ctx context.Context, id string) (*model.Session, error) {
	return m.transition(ctx, id, model.SessionCancelled, "session.cancelled", func(s model.SessionStatus) bool {
		return s != model.SessionCancelled && s != model.SessionCompleted
	})
}

// Pause stops a session from advancing until resumed.
func (m *SessionManager) Pause(ctx context.Context, id string) (*model.Session, error) {
	return m.transition(ctx, id, model.SessionPaused, "session.paused", func(s model.SessionStatus) bool {
		return s == model.SessionActive || s == model.SessionExpired
	})
}

// Resume re-activates a paused session.
func (m *SessionManager) Resume(ctx context.Context, id string) (*model.Session, error) {
	return m.transition(ctx, id, model.SessionActive, "session.resumed", func(s model.SessionStatus) bool {
		return s == model.SessionPaused
	})
}

func (m *SessionManager) transition(ctx context.Context, id string, to model.SessionStatus, event string, allowed func(model.SessionStatus) bool) (*model.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.lockContact(ctx, s.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock contact %s: %w", s.ContactID, err)
	}
	defer unlock()

	// reload: a turn may have committed while we waited
	s, err = m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed(s.Status) {
		return nil, apperr.Newf(apperr.CodeConflict, "session %s is %s", s.ID, s.Status).
			WithMetadata("status", string(s.Status))
	}
	updated, err := m.store.UpdateSessionStatus(ctx, s.ID, s.Version, to, m.now())
	if err != nil {
		return nil, err
	}
	m.publish(id, event, updated)
	return updated, nil
}

func (m *SessionManager) publish(sessionID, eventType string, s *model.Session) {
	if m.bus == nil {
		return
	}
	event := map[string]interface{}{
		"type":      eventType,
		"sessionId": sessionID,
	}
	if s != nil {
		event["status"] = string(s.Status)
		event["campaignId"] = s.CampaignID
		event["contactId"] = s.ContactID
	}
	_ = m.bus.PublishSession(sessionID, event)
}
