package service

import (
	"context"
	"testing"

	"chatflow/internal/apperr"
	"chatflow/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleInbound_RetriesOnceOnConflict(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	activeSession(f, "sess1", "s1")
	f.store.conflicts = 1

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "yes"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "s5", *f.store.session("sess1").CurrentStepID)
	assert.Len(t, f.store.sessionResponses("sess1"), 1)
}

func TestHandleInbound_GivesUpAfterSecondConflict(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	activeSession(f, "sess1", "s1")
	f.store.conflicts = 2

	_, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "yes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, "s1", *f.store.session("sess1").CurrentStepID)
	assert.Empty(t, f.store.sessionResponses("sess1"))
}

func TestHandleInbound_LocksAndDelivers(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	locker := &noopLocker{}
	f.conv.locker = locker
	d := &recordingDeliverer{}
	f.conv.SetDeliverer(d)

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "promo"})
	require.NoError(t, err)

	assert.Equal(t, 1, locker.locks)
	require.Len(t, d.sent, len(out))
	for i := range out {
		assert.Equal(t, out[i].ID, d.sent[i].ID)
		assert.Equal(t, "6012", d.sent[i].To)
	}
	assert.Contains(t, f.bus.types(), "session.turn")
}

func TestHandleInbound_DeliveryFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture()
	seedChoiceCampaign(f)
	d := &recordingDeliverer{err: apperr.ErrChannelRestricted}
	f.conv.SetDeliverer(d)
	f.store.addCampaign(model.Campaign{ID: "c1", Name: "Promo", Keywords: []string{"promo"}, Active: true},
		model.Step{ID: "m0", Position: 0, Kind: model.StepMessage, Prompt: "Hello", NextStepID: ptr("s1")},
	)

	out, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "promo"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	// every message reaches the delivery log even once the channel is restricted
	require.Len(t, d.sent, 2)
	assert.Equal(t, out[0].ID, d.sent[0].ID)
	assert.Equal(t, out[1].ID, d.sent[1].ID)
}

func TestHandleInbound_ConflictAfterEndpointCallIsNotReplayed(t *testing.T) {
	f := newFixture()
	f.store.addCampaign(model.Campaign{ID: "c2", Name: "Balance", Keywords: []string{"bal"}, Active: true},
		model.Step{ID: "q1", Position: 1, Kind: model.StepInput, Prompt: "Account number?", ExpectedInput: model.InputText, NextStepID: ptr("a1")},
		model.Step{ID: "a1", Position: 2, Kind: model.StepAPI, EndpointID: ptr("ep"), NextStepID: ptr("done")},
		model.Step{ID: "done", Position: 3, Kind: model.StepMessage, Prompt: "Done", IsEnd: true},
	)
	activeSessionIn(f, "sess1", "c2", "q1")
	f.store.conflicts = 1

	_, err := f.conv.HandleInbound(context.Background(), model.Inbound{ContactAddress: "6012", Text: "12345"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, []string{"ep"}, f.disp.calls)
	assert.Equal(t, "q1", *f.store.session("sess1").CurrentStepID)
	assert.Empty(t, f.store.sessionResponses("sess1"))
}

func TestHandleInbound_RejectsMissingAddress(t *testing.T) {
	f := newFixture()
	_, err := f.conv.HandleInbound(context.Background(), model.Inbound{Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
