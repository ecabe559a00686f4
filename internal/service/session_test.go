package service

import (
	"context"
	"testing"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/lock"
	"chatflow/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveContact_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, err := f.sessions.ResolveContact(ctx, " 6012 ", "Alice")
	require.NoError(t, err)
	b, err := f.sessions.ResolveContact(ctx, "6012", "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = f.sessions.ResolveContact(ctx, "  ", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestKeywordRevivesExpiredSession(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	f.store.putSession(model.Session{
		ID: "sess1", ContactID: "ct-6012", CampaignID: "c1", Status: model.SessionExpired,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-2 * time.Hour), Version: 4,
	})

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "PROMO"})
	require.NoError(t, err)

	s := f.store.session("sess1")
	assert.Equal(t, model.SessionActive, s.Status)
	require.NotNil(t, s.CurrentStepID)
	assert.Equal(t, "s1", *s.CurrentStepID)
	assert.Equal(t, f.now, s.LastActiveAt)

	require.Len(t, out, 2)
	assert.Equal(t, ResumeNoticeText, out[0].Content)
	assert.Equal(t, "Interested?", out[1].Content)
}

func TestIdleSweepExpiresStaleSessions(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	f.store.putSession(model.Session{
		ID: "old", ContactID: "ct-6012", CampaignID: "c1", Status: model.SessionActive,
		CurrentStepID: ptr("s5"), LastActiveAt: f.now.Add(-40 * time.Minute), Version: 2,
	})
	f.store.putSession(model.Session{
		ID: "fresh", ContactID: "ct-7000", CampaignID: "c1", Status: model.SessionActive,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-5 * time.Minute), Version: 1,
	})

	n, err := f.sessions.ExpireIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old := f.store.session("old")
	assert.Equal(t, model.SessionExpired, old.Status)
	assert.Equal(t, "s5", *old.CurrentStepID)
	assert.Equal(t, model.SessionActive, f.store.session("fresh").Status)
	assert.Contains(t, f.bus.types(), "session.expired")
}

func TestIdleSweepSkipsContactMidTurn(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	locker := lock.NewLocalLocker()
	f.sessions.SetLocker(locker)
	f.store.putSession(model.Session{
		ID: "busy", ContactID: "ct-6012", CampaignID: "c1", Status: model.SessionActive,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-40 * time.Minute), Version: 1,
	})
	f.store.putSession(model.Session{
		ID: "idle", ContactID: "ct-7000", CampaignID: "c1", Status: model.SessionActive,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-50 * time.Minute), Version: 1,
	})

	unlock, err := locker.Lock(context.Background(), ContactLockKey("ct-6012"))
	require.NoError(t, err)

	n, err := f.sessions.ExpireIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.SessionActive, f.store.session("busy").Status)
	assert.Equal(t, model.SessionExpired, f.store.session("idle").Status)

	unlock()
	n, err = f.sessions.ExpireIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.SessionExpired, f.store.session("busy").Status)
}

func TestIdleSweepLeavesSessionsChangedSinceListing(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	f.store.putSession(model.Session{
		ID: "old", ContactID: "ct-6012", CampaignID: "c1", Status: model.SessionActive,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-40 * time.Minute), Version: 1,
	})
	// the listing returns version 1, the update sees the bumped version
	f.sessions.SetLocker(lockerFunc(func(context.Context, string) (func(), error) {
		s := f.store.session("old")
		s.Version++
		f.store.putSession(s)
		return func() {}, nil
	}))

	n, err := f.sessions.ExpireIdle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.SessionActive, f.store.session("old").Status)
}

func TestStaleActiveSessionIsRevivedOnContinuation(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	f.store.putSession(model.Session{
		ID: "sess1", ContactID: "ct-6012", CampaignID: "c1", Status: model.SessionActive,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-45 * time.Minute), Version: 1,
	})

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "yes"})
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, ResumeNoticeText, out[0].Content)
	assert.Equal(t, "How many?", out[1].Content)
	assert.Equal(t, "s5", *f.store.session("sess1").CurrentStepID)
}

func TestKeywordReusesFreshActiveSession(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	activeSession(f, "sess1", "s5")

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "promo"})
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "How many?", out[0].Content)
	assert.Len(t, f.store.sessions, 1)
	assert.Empty(t, f.store.sessionResponses("sess1"))
}

func TestPausedAndCompletedSessionsReplyWithStatus(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	f.store.putSession(model.Session{
		ID: "sess1", ContactID: "ct-6012", CampaignID: "c1", Status: model.SessionPaused,
		CurrentStepID: ptr("s1"), LastActiveAt: f.now.Add(-time.Minute), Version: 1,
	})

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "yes"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, PausedReplyText, out[0].Content)

	s := f.store.session("sess1")
	assert.Equal(t, "s1", *s.CurrentStepID)
	assert.Equal(t, int64(1), s.Version)
	assert.Zero(t, f.store.commits)

	out, err = f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "PROMO"})
	require.NoError(t, err)
	assert.Equal(t, PausedReplyText, out[0].Content)

	s.Status = model.SessionCompleted
	s.CurrentStepID = nil
	f.store.putSession(s)
	out, err = f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, CompletedReplyText, out[0].Content)
}

func TestNoCampaignShowsMenu(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	f.store.addCampaign(model.Campaign{ID: "c9", Name: "Old", Keywords: []string{"old"}, Active: false})

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "hello"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, MenuHeaderText+"\n- PROMO (Promo)", out[0].Content)
	assert.Empty(t, f.store.sessions)
}

func TestMenuOutsideActivationWindow(t *testing.T) {
	f := newFixture()
	later := f.now.Add(24 * time.Hour)
	f.store.addCampaign(model.Campaign{ID: "c1", Name: "Soon", Keywords: []string{"soon"}, Active: true, StartsAt: &later})

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "soon"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, NoCampaignsText, out[0].Content)
}

func TestResetCancelsAndNewKeywordCreatesFreshSession(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	activeSession(f, "sess1", "s5")

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "RESET"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, ResetNoticeText, out[0].Content)
	assert.Equal(t, model.SessionCancelled, f.store.session("sess1").Status)

	_, err = f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "promo"})
	require.NoError(t, err)

	s, err := f.store.LatestSession(context.Background(), "ct-6012")
	require.NoError(t, err)
	assert.NotEqual(t, "sess1", s.ID)
	assert.Equal(t, "s1", *s.CurrentStepID)
	assert.Equal(t, model.SessionCancelled, f.store.session("sess1").Status)
}

func TestOperatorTransitions(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	activeSession(f, "sess1", "s1")
	ctx := context.Background()

	_, err := f.sessions.Resume(ctx, "sess1")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	paused, err := f.sessions.Pause(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, paused.Status)

	resumed, err := f.sessions.Resume(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, resumed.Status)
	assert.Equal(t, "s1", *resumed.CurrentStepID)

	cancelled, err := f.sessions.Cancel(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, cancelled.Status)

	_, err = f.sessions.Cancel(ctx, "sess1")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.sessions.Pause(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, []string{"session.paused", "session.resumed", "session.cancelled"}, f.bus.types())
}

func TestOperatorTransitionWaitsForContactLock(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	activeSession(f, "sess1", "s1")
	locker := lock.NewLocalLocker()
	f.sessions.SetLocker(locker)

	unlock, err := locker.Lock(context.Background(), ContactLockKey("ct-6012"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.sessions.Pause(ctx, "sess1")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Equal(t, model.SessionActive, f.store.session("sess1").Status)

	unlock()
	s, err := f.sessions.Pause(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, s.Status)
}

func TestIsResetCommand(t *testing.T) {
	for _, s := range []string{"reset", " EXIT ", "Start"} {
		assert.True(t, IsResetCommand(s), s)
	}
	for _, s := range []string{"restart", "", "reset please"} {
		assert.False(t, IsResetCommand(s), s)
	}
}
