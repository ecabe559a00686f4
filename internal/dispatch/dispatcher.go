// Package dispatch performs the outbound HTTP calls of api steps.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/metrics"
	"chatflow/internal/model"
	"chatflow/internal/schema"
	"chatflow/internal/template"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
	maxLoggedBody    = 64 << 10
)

// EndpointStore loads endpoint definitions
type EndpointStore interface {
	GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error)
}

// Meta identifies who a dispatch is made for; it keys the audit rows.
type Meta struct {
	CampaignID string
	SessionID  string
	ContactID  string
	StepID     string
}

// Result is the outcome of a dispatch.
type Result struct {
	OK           bool        `json:"ok"`
	Status       int         `json:"status"`
	RenderedText string      `json:"renderedText,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
	Attempts     int         `json:"attempts"`
	// TemplateErr is set when the call succeeded but the response template
	// could not be rendered strictly.
	TemplateErr error `json:"-"`
}

// Dispatcher executes endpoint definitions with retry and audit logging.
type Dispatcher struct {
	endpoints EndpointStore
	audit     AuditSink
	renderer  *template.Renderer
	schemas   *schema.Compiler
	client    *http.Client
	log       *zap.Logger
	jitter    uint64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithJitterPercent sets the jitter applied to the retry delay.
func WithJitterPercent(p uint64) Option {
	return func(d *Dispatcher) { d.jitter = p }
}

func New(endpoints EndpointStore, audit AuditSink, renderer *template.Renderer, schemas *schema.Compiler, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		audit:     audit,
		renderer:  renderer,
		schemas:   schemas,
		client:    &http.Client{},
		log:       log,
		jitter:    10,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch calls the endpoint on behalf of an api step.
func (d *Dispatcher) Dispatch(ctx context.Context, endpointID string, vars map[string]interface{}, meta Meta) (*Result, error) {
	return d.dispatch(ctx, endpointID, vars, meta, false)
}

// Test calls the endpoint from the operator test path; inactive endpoints are
// allowed, archived ones are not.
func (d *Dispatcher) Test(ctx context.Context, endpointID string, vars map[string]interface{}) (*Result, error) {
	return d.dispatch(ctx, endpointID, vars, Meta{}, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, endpointID string, vars map[string]interface{}, meta Meta, manual bool) (*Result, error) {
	ep, err := d.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfiguration, fmt.Sprintf("endpoint %s not found", endpointID), err)
	}
	if ep.ArchivedAt != nil {
		return nil, apperr.Newf(apperr.CodeEndpointArchived, "endpoint %s is archived", ep.ID)
	}
	if !ep.Active && !manual {
		return nil, apperr.Newf(apperr.CodeEndpointDisabled, "endpoint %s is inactive", ep.ID)
	}

	spec, err := buildRequest(d.renderer, ep, vars)
	if err != nil {
		return nil, err
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	result := &Result{}
	var body []byte
	err = retry.Do(ctx, d.backoff(ep), func(ctx context.Context) error {
		result.Attempts++
		status, respBody, err := d.attempt(ctx, ep, spec, timeout, result.Attempts, meta)
		result.Status = status
		body = respBody
		if err != nil && apperr.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		d.log.Warn("Endpoint dispatch failed",
			zap.String("endpoint_id", ep.ID),
			zap.String("session_id", meta.SessionID),
			zap.Int("attempts", result.Attempts),
			zap.Error(err),
		)
		return result, err
	}

	decoded, payload := normalizeBody(body)
	if len(ep.ResponseSchema) > 0 {
		if err := d.schemas.Validate(ctx, ep.ResponseSchema, decoded); err != nil {
			return result, apperr.Wrap(apperr.CodeDispatchHTTP, fmt.Sprintf("endpoint %s response rejected by schema", ep.ID), err)
		}
	}

	result.OK = true
	result.Payload = payload

	if strings.TrimSpace(ep.ResponseTemplate) != "" {
		text, err := d.renderer.Render(ep.ResponseTemplate, responseContext(vars, payload, result.Status))
		if err != nil {
			d.log.Warn("Response template could not be rendered",
				zap.String("endpoint_id", ep.ID),
				zap.String("template", ep.ResponseTemplate),
				zap.Error(err),
			)
			result.TemplateErr = err
		} else {
			result.RenderedText = text
		}
	}
	return result, nil
}

func (d *Dispatcher) backoff(ep *model.Endpoint) retry.Backoff {
	delay := ep.Backoff
	if delay < 0 {
		delay = 0
	}
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	})
	if delay > 0 && d.jitter > 0 {
		b = retry.WithJitterPercent(d.jitter, b)
	}
	retries := ep.Retries
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// attempt performs one HTTP call and writes exactly one audit row for it.
func (d *Dispatcher) attempt(ctx context.Context, ep *model.Endpoint, spec *requestSpec, timeout time.Duration, n int, meta Meta) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry := model.EndpointLog{
		EndpointID:  ep.ID,
		CampaignID:  meta.CampaignID,
		SessionID:   meta.SessionID,
		ContactID:   meta.ContactID,
		StepID:      meta.StepID,
		Attempt:     n,
		RequestURL:  spec.URL,
		RequestBody: spec.Body,
	}
	start := time.Now()
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		d.audit.Record(context.WithoutCancel(ctx), entry)
	}()

	req, err := spec.newRequest(ctx)
	if err != nil {
		entry.Error = err.Error()
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return 0, nil, apperr.Wrap(apperr.CodeConfiguration, "failed to build request", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		entry.Error = err.Error()
		if isTimeout(ctx, err) {
			metrics.DispatchAttempts.WithLabelValues("timeout").Inc()
			return 0, nil, apperr.Wrap(apperr.CodeDispatchTimeout, fmt.Sprintf("endpoint %s timed out after %s", ep.ID, timeout), err)
		}
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return 0, nil, apperr.Wrap(apperr.CodeDispatchHTTP, fmt.Sprintf("endpoint %s request failed", ep.ID), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	entry.ResponseStatus = resp.StatusCode
	entry.ResponseBody = truncate(string(body), maxLoggedBody)
	if err != nil {
		entry.Error = err.Error()
		metrics.DispatchAttempts.WithLabelValues("error").Inc()
		return resp.StatusCode, nil, apperr.Wrap(apperr.CodeDispatchHTTP, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		entry.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		metrics.DispatchAttempts.WithLabelValues("http_error").Inc()
		return resp.StatusCode, body, apperr.Newf(apperr.CodeDispatchHTTP, "endpoint %s returned status %d", ep.ID, resp.StatusCode).
			WithMetadata("status", fmt.Sprint(resp.StatusCode))
	}

	entry.Success = true
	metrics.DispatchAttempts.WithLabelValues("success").Inc()
	return resp.StatusCode, body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// responseContext exposes the last answer and the normalized body to the
// response-to-message template.
func responseContext(vars map[string]interface{}, payload interface{}, status int) map[string]interface{} {
	ctx := make(map[string]interface{}, len(vars)+2)
	for k, v := range vars {
		ctx[k] = v
	}
	ctx["response"] = payload
	ctx["status"] = status
	return ctx
}
