package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/metrics"
	"chatflow/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ConversationService is the entry point for inbound chat events. It owns the
// per-contact turn: lock, route, run, commit, deliver.
type ConversationService struct {
	sessions *SessionManager
	engine   *Engine
	store    Store
	locker   Locker
	delivery Deliverer
	bus      EventBus
	log      *zap.Logger
	now      func() time.Time
}

func NewConversationService(sessions *SessionManager, engine *Engine, store Store, locker Locker, bus EventBus, log *zap.Logger) *ConversationService {
	return &ConversationService{
		sessions: sessions,
		engine:   engine,
		store:    store,
		locker:   locker,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// SetDeliverer sets the channel delivery used for produced messages
func (s *ConversationService) SetDeliverer(d Deliverer) {
	s.delivery = d
}

// HandleInbound processes one inbound event and returns the ordered outbound
// messages it produced. Delivery failures are logged and never fail the call.
func (s *ConversationService) HandleInbound(ctx context.Context, in model.Inbound) ([]model.OutboundMessage, error) {
	contact, err := s.sessions.ResolveContact(ctx, in.ContactAddress, in.ContactName)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, ContactLockKey(contact.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock contact %s: %w", contact.ID, err)
	}
	defer unlock()

	var out []model.OutboundMessage
	for attempt := 0; attempt < 2; attempt++ {
		var dispatched bool
		out, dispatched, err = s.turn(ctx, contact, in)
		if !errors.Is(err, apperr.ErrConflict) {
			break
		}
		if dispatched {
			// endpoint calls are not idempotent
			s.log.Warn("Session changed during a turn that called an endpoint, not retrying",
				zap.String("contact_id", contact.ID),
			)
			break
		}
		s.log.Info("Session changed during turn, retrying",
			zap.String("contact_id", contact.ID),
			zap.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, out)
	return out, nil
}

// turn runs one attempt at the contact's turn. dispatched reports whether an
// endpoint was called, in which case the turn must not be replayed.
func (s *ConversationService) turn(ctx context.Context, contact *model.Contact, in model.Inbound) (out []model.OutboundMessage, dispatched bool, err error) {
	if IsResetCommand(in.Text) {
		out, err = s.reset(ctx, contact)
		return out, false, err
	}

	routing, err := s.sessions.Route(ctx, contact, in.Text)
	if errors.Is(err, apperr.ErrNoCampaign) {
		metrics.InboundEvents.WithLabelValues("menu").Inc()
		out, err = s.menu(ctx, contact, "")
		return out, false, err
	}
	if err != nil {
		return nil, false, err
	}
	metrics.InboundEvents.WithLabelValues(string(routing.Kind)).Inc()

	t := NewTurn(contact, routing.Campaign, routing.Session, routing.Kind == RouteCreated)

	switch routing.Kind {
	case RouteStatus:
		text := PausedReplyText
		if routing.Session.Status == model.SessionCompleted {
			text = CompletedReplyText
		}
		t.say(text, "")
		return t.Outbound, false, nil

	case RouteCreated:
		s.engine.Start(ctx, t)

	case RouteReused:
		s.engine.Resume(ctx, t)

	case RouteRevived:
		t.say(ResumeNoticeText, "")
		if routing.Keyword {
			s.engine.Resume(ctx, t)
		} else {
			s.engine.HandleReply(ctx, t, in)
		}

	case RouteContinued:
		s.engine.HandleReply(ctx, t, in)
	}

	committed, err := s.store.CommitTurn(ctx, t.Commit(s.now()))
	if err != nil {
		return nil, t.dispatched > 0, fmt.Errorf("failed to commit turn: %w", err)
	}

	s.publish(committed, routing.Kind, len(t.Outbound))
	return t.Outbound, t.dispatched > 0, nil
}

func (s *ConversationService) reset(ctx context.Context, contact *model.Contact) ([]model.OutboundMessage, error) {
	metrics.InboundEvents.WithLabelValues("reset").Inc()
	if _, err := s.sessions.CancelAll(ctx, contact.ID); err != nil {
		return nil, err
	}
	return s.menu(ctx, contact, ResetNoticeText)
}

func (s *ConversationService) menu(ctx context.Context, contact *model.Contact, notice string) ([]model.OutboundMessage, error) {
	text, err := s.sessions.Menu(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.OutboundMessage
	for _, body := range []string{notice, text} {
		if body == "" {
			continue
		}
		out = append(out, model.OutboundMessage{
			ID:      ulid.Make().String(),
			To:      contact.Address,
			Content: body,
			Context: model.StepContext{ContactID: contact.ID},
		})
	}
	return out, nil
}

func (s *ConversationService) deliver(ctx context.Context, out []model.OutboundMessage) {
	if s.delivery == nil {
		return
	}
	for _, msg := range out {
		if _, err := s.delivery.Deliver(ctx, msg); err != nil {
			s.log.Warn("Outbound delivery failed",
				zap.String("message_id", msg.ID),
				zap.String("to", msg.To),
				zap.String("code", string(apperr.CodeOf(err))),
				zap.Error(err),
			)
		}
	}
}

func (s *ConversationService) publish(session *model.Session, kind RouteKind, outbound int) {
	if s.bus == nil || session == nil {
		return
	}
	_ = s.bus.PublishSession(session.ID, map[string]interface{}{
		"type":          "session.turn",
		"sessionId":     session.ID,
		"campaignId":    session.CampaignID,
		"contactId":     session.ContactID,
		"route":         string(kind),
		"status":        string(session.Status),
		"currentStepId": session.CurrentStepID,
		"outbound":      outbound,
	})
}
