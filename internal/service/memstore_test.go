package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/dispatch"
	"chatflow/internal/model"
	"chatflow/internal/schema"
	"chatflow/internal/template"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	contacts  map[string]*model.Contact
	campaigns map[string]model.Campaign
	steps     map[string]model.Step
	sessions  map[string]model.Session
	responses []model.Response
	content   map[string]model.LocalizedContent
	commits   int
	// conflicts makes the next n version-checked commits fail.
	conflicts int
}

func newMemStore() *memStore {
	return &memStore{
		contacts:  map[string]*model.Contact{},
		campaigns: map[string]model.Campaign{},
		steps:     map[string]model.Step{},
		sessions:  map[string]model.Session{},
		content:   map[string]model.LocalizedContent{},
	}
}

func (m *memStore) addCampaign(c model.Campaign, steps ...model.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	for _, s := range steps {
		s.CampaignID = c.ID
		m.steps[s.ID] = s
	}
}

func (m *memStore) putSession(s model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *memStore) session(id string) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memStore) sessionResponses(id string) []model.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Response
	for _, r := range m.responses {
		if r.SessionID == id {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) FindOrCreateContact(_ context.Context, address, name string) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contacts[address]; ok {
		cp := *c
		return &cp, nil
	}
	c := &model.Contact{ID: "ct-" + address, Address: address, Name: name, CreatedAt: time.Now()}
	m.contacts[address] = c
	cp := *c
	return &cp, nil
}

func (m *memStore) ListActiveCampaigns(context.Context) ([]model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Campaign
	for _, c := range m.campaigns {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) GetCampaign(_ context.Context, id string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) GetStep(_ context.Context, id string) (*model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &s, nil
}

func (m *memStore) FirstStep(_ context.Context, campaignID string) (*model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *model.Step
	for _, s := range m.steps {
		s := s
		if s.CampaignID == campaignID && (first == nil || s.Position < first.Position) {
			first = &s
		}
	}
	if first == nil {
		return nil, apperr.ErrNotFound
	}
	return first, nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &s, nil
}

func (m *memStore) FindSession(_ context.Context, contactID, campaignID string, statuses []model.SessionStatus) (*model.Session, error) {
	return m.latest(func(s model.Session) bool {
		if s.ContactID != contactID || s.CampaignID != campaignID {
			return false
		}
		for _, st := range statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	})
}

func (m *memStore) LatestSession(_ context.Context, contactID string) (*model.Session, error) {
	return m.latest(func(s model.Session) bool {
		return s.ContactID == contactID && s.Status != model.SessionCancelled
	})
}

func (m *memStore) latest(match func(model.Session) bool) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []model.Session
	for _, s := range m.sessions {
		if match(s) {
			found = append(found, s)
		}
	}
	if len(found) == 0 {
		return nil, apperr.ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].LastActiveAt.After(found[j].LastActiveAt) })
	return &found[0], nil
}

func (m *memStore) ListLiveSessions(_ context.Context, contactID string) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.ContactID == contactID && (s.Status == model.SessionActive || s.Status == model.SessionPaused || s.Status == model.SessionExpired) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) UpdateSessionStatus(_ context.Context, id string, version int64, status model.SessionStatus, lastActive time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if s.Version != version {
		return nil, apperr.ErrConflict
	}
	s.Status = status
	s.LastActiveAt = lastActive
	s.Version++
	m.sessions[id] = s
	return &s, nil
}

func (m *memStore) ListIdleSessions(_ context.Context, cutoff time.Time, limit int) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.Status == model.SessionActive && s.LastActiveAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.Before(out[j].LastActiveAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) LatestValidResponse(_ context.Context, sessionID string) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.responses) - 1; i >= 0; i-- {
		if r := m.responses[i]; r.SessionID == sessionID && r.Valid {
			return &r, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *memStore) CommitTurn(_ context.Context, c model.TurnCommit) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := c.Session
	if c.Insert {
		s.Version = 1
	} else {
		stored, ok := m.sessions[s.ID]
		if !ok {
			return nil, apperr.ErrNotFound
		}
		if m.conflicts > 0 {
			m.conflicts--
			return nil, apperr.ErrConflict
		}
		if stored.Version != s.Version {
			return nil, apperr.ErrConflict
		}
		s.Version++
	}
	m.sessions[s.ID] = s
	m.responses = append(m.responses, c.Responses...)
	if c.Language != nil {
		for _, ct := range m.contacts {
			if ct.ID == c.ContactID {
				ct.Language = *c.Language
			}
		}
	}
	m.commits++
	return &s, nil
}

func (m *memStore) Localize(_ context.Context, contentID, language string) (*model.LocalizedContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.content[contentID+"/"+language]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &lc, nil
}

// fakeDispatcher returns canned results and counts calls.
type fakeDispatcher struct {
	result *dispatch.Result
	err    error
	calls  []string
	vars   []map[string]interface{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, endpointID string, vars map[string]interface{}, _ dispatch.Meta) (*dispatch.Result, error) {
	f.calls = append(f.calls, endpointID)
	f.vars = append(f.vars, vars)
	if f.err != nil {
		return &dispatch.Result{}, f.err
	}
	if f.result == nil {
		return &dispatch.Result{OK: true, Status: 200}, nil
	}
	return f.result, nil
}

// MockEventBus implements EventBus for testing
type MockEventBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (m *MockEventBus) PublishSession(sessionID string, event map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockEventBus) PublishOperator(event map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockEventBus) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e["type"].(string))
	}
	return out
}

type noopLocker struct{ locks int }

func (l *noopLocker) Lock(context.Context, string) (func(), error) {
	l.locks++
	return func() {}, nil
}

type lockerFunc func(ctx context.Context, key string) (func(), error)

func (f lockerFunc) Lock(ctx context.Context, key string) (func(), error) { return f(ctx, key) }

type recordingDeliverer struct {
	sent []model.OutboundMessage
	err  error
}

func (d *recordingDeliverer) Deliver(_ context.Context, msg model.OutboundMessage) (*model.DeliveryAttempt, error) {
	d.sent = append(d.sent, msg)
	if d.err != nil {
		return nil, d.err
	}
	return &model.DeliveryAttempt{ID: ulid.Make().String(), Status: model.DeliverySent}, nil
}

type fixture struct {
	store    *memStore
	disp     *fakeDispatcher
	bus      *MockEventBus
	sessions *SessionManager
	engine   *Engine
	conv     *ConversationService
	now      time.Time
}

func newFixture() *fixture {
	log := zap.NewNop()
	store := newMemStore()
	disp := &fakeDispatcher{}
	bus := &MockEventBus{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	content := NewContentResolver(store, nil, template.New(), []string{"en", "ms", "zh", "ta"}, "en", log)
	engine := NewEngine(store, disp, content, NewInputValidator(schema.NewCompilerWithCache(8)), DefaultMaxHops, log)
	engine.now = func() time.Time { return now }
	sessions := NewSessionManager(store, bus, DefaultIdleWindow, log)
	sessions.now = func() time.Time { return now }
	conv := NewConversationService(sessions, engine, store, &noopLocker{}, bus, log)
	conv.now = func() time.Time { return now }

	return &fixture{store: store, disp: disp, bus: bus, sessions: sessions, engine: engine, conv: conv, now: now}
}

func ptr(s string) *string { return &s }
