// Package delivery tracks outbound sends to the chat transport and schedules
// their retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/metrics"
	"chatflow/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Store persists delivery attempts together with their outbound message rows.
type Store interface {
	CreateDelivery(ctx context.Context, a model.DeliveryAttempt) error
	UpdateDelivery(ctx context.Context, a model.DeliveryAttempt) error
	// ClaimDueDeliveries atomically takes failed attempts whose retry time has
	// passed, and pending attempts untouched since staleBefore, marking them
	// pending so no other worker resends them.
	ClaimDueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.DeliveryAttempt, error)
	ClaimDelivery(ctx context.Context, id string, now, staleBefore time.Time) (*model.DeliveryAttempt, error)
	GetDeliveryByProviderID(ctx context.Context, providerID string) (*model.DeliveryAttempt, error)
}

// Notifier surfaces channel problems to operators.
type Notifier interface {
	PublishOperator(event map[string]interface{}) error
}

// JobClient schedules a single attempt retry
type JobClient interface {
	ScheduleDeliveryRetry(attemptID string, at time.Time) error
}

// Tracker implements the delivery retry log.
type Tracker struct {
	store    Store
	sender   Sender
	halter   Halter
	notifier Notifier
	jobs     JobClient
	channel  string
	policy   Policy
	log      *zap.Logger
	now      func() time.Time
}

func NewTracker(store Store, sender Sender, halter Halter, notifier Notifier, channel string, policy Policy, log *zap.Logger) *Tracker {
	return &Tracker{
		store:    store,
		sender:   sender,
		halter:   halter,
		notifier: notifier,
		channel:  channel,
		policy:   policy,
		log:      log,
		now:      time.Now,
	}
}

// SetJobClient enables per-attempt retry tasks in addition to the sweep
func (t *Tracker) SetJobClient(c JobClient) {
	t.jobs = c
}

// Deliver records a pending attempt for msg and sends it.
func (t *Tracker) Deliver(ctx context.Context, msg model.OutboundMessage) (*model.DeliveryAttempt, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	now := t.now()
	a := model.DeliveryAttempt{
		ID:        ulid.Make().String(),
		MessageID: msg.ID,
		ContactID: msg.Context.ContactID,
		Status:    model.DeliveryPending,
		Message:   msg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.CreateDelivery(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}

	halted, err := t.halter.Halted(ctx, t.channel)
	if err != nil {
		t.log.Warn("Failed to read channel halt flag", zap.String("channel", t.channel), zap.Error(err))
	}
	if halted {
		reason := "channel halted"
		next := now.Add(t.policy.Delay(0))
		a.Status = model.DeliveryFailed
		a.LastError = &reason
		a.NextRetryAt = &next
		a.UpdatedAt = now
		if err := t.store.UpdateDelivery(ctx, a); err != nil {
			t.log.Error("Failed to update delivery", zap.String("attempt_id", a.ID), zap.Error(err))
		}
		return &a, apperr.Newf(apperr.CodeChannelRestricted, "channel %s is halted", t.channel)
	}

	return t.send(ctx, &a)
}

// send performs the transport call for a claimed attempt, falling back once to
// a text-only copy when a media message fails.
func (t *Tracker) send(ctx context.Context, a *model.DeliveryAttempt) (*model.DeliveryAttempt, error) {
	providerID, err := t.sender.Send(ctx, a.Message)
	// timeouts keep the media and go through the normal retry schedule
	if err != nil && a.Message.Media != nil && !a.MediaFallbackUsed && !IsRestriction(err.Error()) && !IsTransient(err) {
		t.log.Info("Media send failed, retrying as text",
			zap.String("attempt_id", a.ID),
			zap.Error(err),
		)
		metrics.Deliveries.WithLabelValues("fallback").Inc()
		a.MediaFallbackUsed = true
		a.Message = a.Message.TextOnly()
		providerID, err = t.sender.Send(ctx, a.Message)
	}
	if err != nil {
		return t.fail(ctx, a, err.Error())
	}

	a.Status = model.DeliverySent
	a.ProviderMessageID = &providerID
	a.NextRetryAt = nil
	a.LastError = nil
	a.UpdatedAt = t.now()
	if err := t.store.UpdateDelivery(ctx, *a); err != nil {
		return a, fmt.Errorf("failed to update delivery: %w", err)
	}
	metrics.Deliveries.WithLabelValues("sent").Inc()
	return a, nil
}

// fail records a failed send and decides between retry, terminal failure, and
// channel restriction.
func (t *Tracker) fail(ctx context.Context, a *model.DeliveryAttempt, reason string) (*model.DeliveryAttempt, error) {
	now := t.now()
	a.Status = model.DeliveryFailed
	a.LastError = &reason
	a.UpdatedAt = now
	a.NextRetryAt = nil

	if IsRestriction(reason) {
		// resent by the sweep once an operator resumes the channel
		next := now.Add(t.policy.Delay(a.RetryCount))
		a.NextRetryAt = &next
		if err := t.store.UpdateDelivery(ctx, *a); err != nil {
			t.log.Error("Failed to update delivery", zap.String("attempt_id", a.ID), zap.Error(err))
		}
		t.restrict(ctx, a, reason)
		return a, apperr.Newf(apperr.CodeChannelRestricted, "channel %s restricted: %s", t.channel, reason)
	}

	if t.policy.Exhausted(a.RetryCount) {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		t.log.Warn("Delivery retries exhausted",
			zap.String("attempt_id", a.ID),
			zap.Int("retry_count", a.RetryCount),
			zap.String("error", reason),
		)
	} else {
		next := now.Add(t.policy.Delay(a.RetryCount))
		a.NextRetryAt = &next
		metrics.Deliveries.WithLabelValues("retry_scheduled").Inc()
	}

	if err := t.store.UpdateDelivery(ctx, *a); err != nil {
		return a, fmt.Errorf("failed to update delivery: %w", err)
	}
	if a.NextRetryAt != nil && t.jobs != nil {
		if err := t.jobs.ScheduleDeliveryRetry(a.ID, *a.NextRetryAt); err != nil {
			t.log.Warn("Failed to schedule delivery retry, leaving it to the sweep",
				zap.String("attempt_id", a.ID), zap.Error(err))
		}
	}
	return a, fmt.Errorf("send message %s: %s", a.MessageID, reason)
}

func (t *Tracker) restrict(ctx context.Context, a *model.DeliveryAttempt, reason string) {
	metrics.Deliveries.WithLabelValues("restricted").Inc()
	if err := t.halter.Halt(ctx, t.channel, reason); err != nil {
		t.log.Error("Failed to halt channel", zap.String("channel", t.channel), zap.Error(err))
	}
	t.log.Error("Channel restricted, automated sending halted",
		zap.String("channel", t.channel),
		zap.String("attempt_id", a.ID),
		zap.String("reason", reason),
	)
	if t.notifier != nil {
		_ = t.notifier.PublishOperator(map[string]interface{}{
			"type":      "channel.restricted",
			"channel":   t.channel,
			"attemptId": a.ID,
			"contactId": a.ContactID,
			"reason":    reason,
		})
	}
}

// RetryDue resends up to limit attempts whose retry time has passed. It is
// driven by the periodic sweep.
func (t *Tracker) RetryDue(ctx context.Context, limit int) (int, error) {
	halted, err := t.halter.Halted(ctx, t.channel)
	if err != nil {
		return 0, err
	}
	if halted {
		t.log.Info("Channel halted, skipping delivery retries", zap.String("channel", t.channel))
		return 0, nil
	}

	now := t.now()
	due, err := t.store.ClaimDueDeliveries(ctx, now, now.Add(-t.policy.lease()), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	sent := 0
	for i := range due {
		a := due[i]
		a.RetryCount++
		if _, err := t.send(ctx, &a); err != nil {
			if errors.Is(err, apperr.ErrChannelRestricted) {
				t.release(ctx, due[i+1:])
				return sent, nil
			}
			continue
		}
		sent++
	}
	return sent, nil
}

// release hands claimed but unsent attempts back to the retry schedule.
func (t *Tracker) release(ctx context.Context, claimed []model.DeliveryAttempt) {
	now := t.now()
	for i := range claimed {
		a := claimed[i]
		a.Status = model.DeliveryFailed
		a.UpdatedAt = now
		if a.NextRetryAt == nil {
			a.NextRetryAt = &now
		}
		if err := t.store.UpdateDelivery(ctx, a); err != nil {
			// the claim lease hands it back later
			t.log.Error("Failed to release delivery claim", zap.String("attempt_id", a.ID), zap.Error(err))
		}
	}
}

// RetryAttempt resends one attempt if it is still due. Attempts already taken
// by the sweep or delivered in the meantime are skipped.
func (t *Tracker) RetryAttempt(ctx context.Context, id string) error {
	halted, err := t.halter.Halted(ctx, t.channel)
	if err != nil {
		return err
	}
	if halted {
		return nil
	}
	now := t.now()
	a, err := t.store.ClaimDelivery(ctx, id, now, now.Add(-t.policy.lease()))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim delivery %s: %w", id, err)
	}
	a.RetryCount++
	// failures are recorded on the attempt; asynq must not retry on its own
	_, _ = t.send(ctx, a)
	return nil
}

// ResumeChannel lifts the halt set after a restriction. Attempts held back
// while halted are resent by the next retry sweep.
func (t *Tracker) ResumeChannel(ctx context.Context, channel, operator string) error {
	if strings.TrimSpace(channel) == "" {
		return apperr.New(apperr.CodeInvalidInput, "channel is required")
	}
	if err := t.halter.Clear(ctx, channel); err != nil {
		return fmt.Errorf("failed to clear halt of channel %s: %w", channel, err)
	}
	t.log.Info("Channel resumed",
		zap.String("channel", channel),
		zap.String("operator", operator),
	)
	if t.notifier != nil {
		_ = t.notifier.PublishOperator(map[string]interface{}{
			"type":     "channel.resumed",
			"channel":  channel,
			"operator": operator,
		})
	}
	return nil
}

// HandleStatus applies a transport receipt to the attempt with that provider id.
func (t *Tracker) HandleStatus(ctx context.Context, cb model.StatusCallback) (*model.DeliveryAttempt, error) {
	if strings.TrimSpace(cb.ProviderMessageID) == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "providerMessageId is required")
	}
	a, err := t.store.GetDeliveryByProviderID(ctx, cb.ProviderMessageID)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(cb.Status)) {
	case "sent", "delivered", "read":
		a.Status = model.DeliverySent
		a.NextRetryAt = nil
		a.UpdatedAt = t.now()
		if err := t.store.UpdateDelivery(ctx, *a); err != nil {
			return nil, fmt.Errorf("failed to update delivery: %w", err)
		}
		return a, nil
	case "failed", "undelivered", "rejected":
		reason := cb.ErrorText
		if reason == "" {
			reason = "transport reported " + cb.Status
		}
		a, err = t.fail(ctx, a, reason)
		if errors.Is(err, apperr.ErrChannelRestricted) {
			return a, err
		}
		return a, nil
	default:
		return a, nil
	}
}
