package service

import (
	"context"
	"errors"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/dispatch"
	"chatflow/internal/metrics"
	"chatflow/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// DefaultMaxHops bounds how many steps one turn may chain through.
const DefaultMaxHops = 25

// Engine is the step state machine. It never persists anything itself; all
// changes are collected on the Turn.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	content    *ContentResolver
	inputs     *InputValidator
	maxHops    int
	log        *zap.Logger
	now        func() time.Time
}

func NewEngine(store Store, dispatcher Dispatcher, content *ContentResolver, inputs *InputValidator, maxHops int, log *zap.Logger) *Engine {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		content:    content,
		inputs:     inputs,
		maxHops:    maxHops,
		log:        log,
		now:        time.Now,
	}
}

// Start runs a session from the first step of its campaign.
func (e *Engine) Start(ctx context.Context, t *Turn) {
	first, err := e.store.FirstStep(ctx, t.Session.CampaignID)
	if err != nil {
		e.configError(t, "campaign has no steps", err)
		t.say(GenericFailureText, "")
		t.complete()
		return
	}
	e.RunFrom(ctx, t, &first.ID)
}

// Resume re-enters the checkpoint, or starts over when there is none.
func (e *Engine) Resume(ctx context.Context, t *Turn) {
	if t.Session.CurrentStepID == nil {
		e.Start(ctx, t)
		return
	}
	e.RunFrom(ctx, t, t.Session.CurrentStepID)
}

// RunFrom executes steps starting at stepID until one needs contact input or
// the campaign ends.
func (e *Engine) RunFrom(ctx context.Context, t *Turn, stepID *string) {
	next := stepID
	for hops := 0; ; hops++ {
		if next == nil {
			t.complete()
			return
		}
		if hops >= e.maxHops {
			e.configError(t, "step chain exceeded hop limit", nil)
			t.say(GenericFailureText, *next)
			t.complete()
			return
		}

		step, ok := e.loadStep(ctx, t, *next)
		if !ok {
			t.complete()
			return
		}
		metrics.StepsExecuted.WithLabelValues(string(step.Kind)).Inc()

		switch step.Kind {
		case model.StepMessage:
			t.emit(e.content.Prompt(ctx, t, step, e.variables(ctx, t, step)))
			if step.IsEnd {
				t.complete()
				return
			}
			next = step.NextStepID

		case model.StepChoice:
			t.setCurrent(step.ID)
			e.emitPickList(ctx, t, step)
			return

		case model.StepInput:
			t.setCurrent(step.ID)
			t.emit(e.content.Prompt(ctx, t, step, e.variables(ctx, t, step)))
			return

		case model.StepAPI:
			var done bool
			next, done = e.runAPI(ctx, t, step)
			if done {
				return
			}

		case model.StepEnd:
			if step.Prompt != "" || step.ContentID != nil {
				t.emit(e.content.Prompt(ctx, t, step, e.variables(ctx, t, step)))
			}
			t.complete()
			return
		}
	}
}

// HandleReply consumes an inbound answer for the session's current step.
func (e *Engine) HandleReply(ctx context.Context, t *Turn, in model.Inbound) {
	if t.Session.CurrentStepID == nil {
		e.Start(ctx, t)
		return
	}
	step, ok := e.loadStep(ctx, t, *t.Session.CurrentStepID)
	if !ok {
		t.say(GenericFailureText, "")
		t.complete()
		return
	}

	switch step.Kind {
	case model.StepChoice:
		e.handleChoice(ctx, t, step, in)
	case model.StepInput:
		e.handleInput(ctx, t, step, in)
	default:
		e.RunFrom(ctx, t, &step.ID)
	}
}

func (e *Engine) handleChoice(ctx context.Context, t *Turn, step *model.Step, in model.Inbound) {
	choice := MatchChoice(step.Choices, in)

	raw := in.Text
	if raw == "" {
		raw = in.ReplyID()
	}
	resp := e.response(t, step, raw, choice != nil)
	if choice != nil {
		id := choice.ID
		resp.ChoiceID = &id
	}
	t.record(resp)

	if choice == nil {
		t.say(errorText(step), step.ID)
		e.emitPickList(ctx, t, step)
		return
	}

	if e.content.IsLanguageSelector(step) {
		t.setLanguage(normalizeCode(choice.Code))
	}

	if choice.NextStepID == nil {
		t.say(ClosingText, step.ID)
		t.complete()
		return
	}
	e.RunFrom(ctx, t, choice.NextStepID)
}

func (e *Engine) handleInput(ctx context.Context, t *Turn, step *model.Step, in model.Inbound) {
	raw, err := e.inputs.Check(ctx, step.ExpectedInput, in)
	t.record(e.response(t, step, raw, err == nil))

	if err != nil {
		e.log.Debug("Rejected input",
			zap.String("session_id", t.Session.ID),
			zap.String("step_id", step.ID),
			zap.Error(err),
		)
		t.say(errorText(step), step.ID)
		return
	}

	if step.IsEnd || step.NextStepID == nil {
		t.say(ClosingText, step.ID)
		t.complete()
		return
	}
	e.RunFrom(ctx, t, step.NextStepID)
}

// runAPI dispatches the step's endpoint and returns where to go next. done is
// true when the session was completed here.
func (e *Engine) runAPI(ctx context.Context, t *Turn, step *model.Step) (next *string, done bool) {
	if step.Prompt != "" {
		t.emit(e.content.Prompt(ctx, t, step, e.variables(ctx, t, step)))
	}

	var err error
	var res *dispatch.Result
	if step.EndpointID == nil || *step.EndpointID == "" {
		err = apperr.Newf(apperr.CodeConfiguration, "api step %s has no endpoint", step.ID)
	} else {
		t.dispatched++
		res, err = e.dispatcher.Dispatch(ctx, *step.EndpointID, e.variables(ctx, t, step), dispatch.Meta{
			CampaignID: t.Session.CampaignID,
			SessionID:  t.Session.ID,
			ContactID:  t.Contact.ID,
			StepID:     step.ID,
		})
	}

	if err == nil {
		switch {
		case res.RenderedText != "":
			t.say(res.RenderedText, step.ID)
		case res.TemplateErr != nil:
			t.say(GenericResultText, step.ID)
		}
		if step.IsEnd {
			t.complete()
			return nil, true
		}
		return step.NextStepID, false
	}

	e.log.Warn("Api step failed",
		zap.String("session_id", t.Session.ID),
		zap.String("step_id", step.ID),
		zap.String("code", string(apperr.CodeOf(err))),
		zap.Error(err),
	)
	if step.FailureStepID != nil {
		return step.FailureStepID, false
	}
	t.say(failureText(step), step.ID)
	t.complete()
	return nil, true
}

func (e *Engine) emitPickList(ctx context.Context, t *Turn, step *model.Step) {
	msg := e.content.Prompt(ctx, t, step, e.variables(ctx, t, step))
	if len(step.Choices) > 0 {
		msg.Interactive = PickList(step.Choices)
	}
	t.emit(msg)
}

// loadStep fetches a step and checks it belongs to the session's campaign.
// Dangling references are logged and treated as completion.
func (e *Engine) loadStep(ctx context.Context, t *Turn, id string) (*model.Step, bool) {
	step, err := e.store.GetStep(ctx, id)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			e.log.Error("Failed to load step", zap.String("step_id", id), zap.Error(err))
		}
		e.configError(t, "dangling step reference", err)
		return nil, false
	}
	if step.CampaignID != t.Session.CampaignID {
		e.configError(t, "step belongs to another campaign", nil)
		return nil, false
	}
	return step, true
}

func (e *Engine) configError(t *Turn, msg string, cause error) {
	e.log.Warn("Campaign configuration error",
		zap.String("reason", msg),
		zap.String("session_id", t.Session.ID),
		zap.String("campaign_id", t.Session.CampaignID),
		zap.Error(cause),
	)
}

func (e *Engine) response(t *Turn, step *model.Step, raw string, valid bool) model.Response {
	return model.Response{
		ID:        ulid.Make().String(),
		SessionID: t.Session.ID,
		StepID:    step.ID,
		ContactID: t.Contact.ID,
		RawText:   raw,
		Valid:     valid,
		CreatedAt: e.now(),
	}
}

// variables builds the template context for prompts and api steps.
func (e *Engine) variables(ctx context.Context, t *Turn, step *model.Step) map[string]interface{} {
	vars := map[string]interface{}{
		"contact": map[string]interface{}{
			"id":       t.Contact.ID,
			"address":  t.Contact.Address,
			"name":     t.Contact.Name,
			"language": t.Contact.Language,
		},
		"session": map[string]interface{}{
			"id":     t.Session.ID,
			"status": string(t.Session.Status),
		},
		"step": map[string]interface{}{
			"id":       step.ID,
			"position": step.Position,
		},
	}
	if t.Campaign != nil {
		vars["campaign"] = map[string]interface{}{
			"id":   t.Campaign.ID,
			"name": t.Campaign.Name,
		}
	}

	if answer, ok := t.lastValidAnswer(); ok {
		vars["answer"] = answer
	} else if !t.insert {
		resp, err := e.store.LatestValidResponse(ctx, t.Session.ID)
		if err == nil {
			vars["answer"] = resp.RawText
		}
	}
	return vars
}

func errorText(step *model.Step) string {
	if step.ErrorText != "" {
		return step.ErrorText
	}
	return GenericInvalidText
}

func failureText(step *model.Step) string {
	if step.ErrorText != "" {
		return step.ErrorText
	}
	return GenericFailureText
}
