// Package jobs runs the periodic sweeps and per-attempt delivery retries on asynq.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow/internal/metrics"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeExpireIdle    = "session:expire_idle"
	TypeRetrySweep    = "delivery:retry_sweep"
	TypeDeliveryRetry = "delivery:retry"
)

// SessionExpirer expires idle sessions.
type SessionExpirer interface {
	ExpireIdle(ctx context.Context) (int, error)
}

// DeliveryRetrier resends failed deliveries.
type DeliveryRetrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
	RetryAttempt(ctx context.Context, id string) error
}

// Handlers holds the task handlers; it has no asynq state so it can be driven
// directly.
type Handlers struct {
	sessions   SessionExpirer
	deliveries DeliveryRetrier
	batch      int
	log        *zap.Logger
}

func NewHandlers(sessions SessionExpirer, deliveries DeliveryRetrier, batch int, log *zap.Logger) *Handlers {
	if batch <= 0 {
		batch = 100
	}
	return &Handlers{sessions: sessions, deliveries: deliveries, batch: batch, log: log}
}

func (h *Handlers) handleExpireIdle(ctx context.Context, _ *asynq.Task) error {
	n, err := h.sessions.ExpireIdle(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues(TypeExpireIdle, "error").Inc()
		return fmt.Errorf("failed to expire idle sessions: %w", err)
	}
	metrics.JobRuns.WithLabelValues(TypeExpireIdle, "ok").Inc()
	if n > 0 {
		h.log.Info("Expired idle sessions", zap.Int("count", n))
	}
	return nil
}

func (h *Handlers) handleRetrySweep(ctx context.Context, _ *asynq.Task) error {
	total := 0
	for {
		n, err := h.deliveries.RetryDue(ctx, h.batch)
		if err != nil {
			metrics.JobRuns.WithLabelValues(TypeRetrySweep, "error").Inc()
			return fmt.Errorf("failed to retry deliveries: %w", err)
		}
		total += n
		// a short batch means nothing else is due
		if n < h.batch {
			break
		}
	}
	metrics.JobRuns.WithLabelValues(TypeRetrySweep, "ok").Inc()
	if total > 0 {
		h.log.Info("Retried due deliveries", zap.Int("sent", total))
	}
	return nil
}

func (h *Handlers) handleDeliveryRetry(ctx context.Context, t *asynq.Task) error {
	attemptID := string(t.Payload())
	if attemptID == "" {
		return fmt.Errorf("delivery retry without attempt id: %w", asynq.SkipRetry)
	}
	if err := h.deliveries.RetryAttempt(ctx, attemptID); err != nil {
		metrics.JobRuns.WithLabelValues(TypeDeliveryRetry, "error").Inc()
		return fmt.Errorf("failed to retry delivery %s: %w", attemptID, err)
	}
	metrics.JobRuns.WithLabelValues(TypeDeliveryRetry, "ok").Inc()
	return nil
}

// Mux registers the handlers on a fresh asynq mux.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireIdle, h.handleExpireIdle)
	mux.HandleFunc(TypeRetrySweep, h.handleRetrySweep)
	mux.HandleFunc(TypeDeliveryRetry, h.handleDeliveryRetry)
	return mux
}

type JobServer struct {
	server    *asynq.Server
	client    *asynq.Client
	scheduler *asynq.Scheduler
	handlers  *Handlers
	log       *zap.Logger
}

// NewJobServer builds the worker, the client used to enqueue retries and the
// scheduler that fires both sweeps every sweepSpec (a cron or "@every" spec).
func NewJobServer(redisAddr string, handlers *Handlers, sweepSpec string, loc *time.Location, log *zap.Logger) (*JobServer, *asynq.Client, error) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			Logger: log.Sugar(),
		},
	)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: loc, Logger: log.Sugar()})
	// sweeps are idempotent; a missed run is picked up by the next one
	for _, typ := range []string{TypeExpireIdle, TypeRetrySweep} {
		if _, err := scheduler.Register(sweepSpec, asynq.NewTask(typ, nil),
			asynq.Queue("default"),
			asynq.MaxRetry(0),
			asynq.Unique(time.Minute),
		); err != nil {
			return nil, nil, fmt.Errorf("failed to register %s: %w", typ, err)
		}
	}

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server:    server,
		client:    client,
		scheduler: scheduler,
		handlers:  handlers,
		log:       log,
	}, client, nil
}

func (js *JobServer) Start() error {
	if err := js.server.Start(js.handlers.Mux()); err != nil {
		return fmt.Errorf("failed to start job server: %w", err)
	}
	if err := js.scheduler.Start(); err != nil {
		js.server.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	js.log.Info("Job server started")
	return nil
}

func (js *JobServer) Stop() {
	js.scheduler.Shutdown()
	js.server.Shutdown()
	js.client.Close()
}

// Schedule jobs

// NewDeliveryRetryTask builds the task for one attempt retry. The task id is
// derived from the attempt and the retry time so rescheduling is idempotent.
func NewDeliveryRetryTask(attemptID string, at time.Time) (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(TypeDeliveryRetry, []byte(attemptID)), []asynq.Option{
		asynq.Queue("critical"),
		asynq.MaxRetry(0),
		asynq.TaskID(fmt.Sprintf("%s:%d", attemptID, at.Unix())),
		asynq.ProcessAt(at),
	}
}

func ScheduleDeliveryRetry(client *asynq.Client, attemptID string, at time.Time) error {
	task, opts := NewDeliveryRetryTask(attemptID, at)
	_, err := client.Enqueue(task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
