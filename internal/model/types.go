package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus represents session status
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Live reports whether the session can still be continued or revived.
func (s SessionStatus) Live() bool {
	return s == SessionActive || s == SessionExpired
}

// StepKind is the closed set of step kinds a campaign graph may contain.
type StepKind string

const (
	StepMessage StepKind = "message"
	StepChoice  StepKind = "choice"
	StepInput   StepKind = "input"
	StepAPI     StepKind = "api"
	StepEnd     StepKind = "end"
)

// ParseStepKind maps a stored kind onto the closed set. Unknown kinds are an
// authoring error and are rejected at load time.
func ParseStepKind(s string) (StepKind, error) {
	switch k := StepKind(strings.ToLower(strings.TrimSpace(s))); k {
	case StepMessage, StepChoice, StepInput, StepAPI, StepEnd:
		return k, nil
	case "":
		return StepMessage, nil
	default:
		return "", fmt.Errorf("unknown step kind %q", s)
	}
}

// InputKind is the expected shape of a free-form reply.
type InputKind string

const (
	InputText     InputKind = "text"
	InputNumber   InputKind = "number"
	InputEmail    InputKind = "email"
	InputLocation InputKind = "location"
)

// AuthType describes how an endpoint authenticates
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthHeader AuthType = "header"
)

// DeliveryStatus represents delivery attempt status
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Contact is a chat participant identified by their channel address.
type Contact struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Campaign is an authored conversation with trigger keywords.
type Campaign struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Keywords []string   `json:"keywords"`
	Active   bool       `json:"active"`
	StartsAt *time.Time `json:"startsAt,omitempty"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
}

// Live reports whether the campaign is active and inside its activation window.
func (c Campaign) Live(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && now.After(*c.EndsAt) {
		return false
	}
	return true
}

// Matches reports whether text equals one of the campaign keywords.
func (c Campaign) Matches(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, kw := range c.Keywords {
		if strings.EqualFold(strings.TrimSpace(kw), text) {
			return true
		}
	}
	return false
}

// Step is one node of a campaign graph
type Step struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaignId"`
	Position      int       `json:"position"`
	Kind          StepKind  `json:"kind"`
	Prompt        string    `json:"prompt"`
	MediaRef      string    `json:"mediaRef,omitempty"`
	ContentID     *string   `json:"contentId,omitempty"`
	IsEnd         bool      `json:"isEnd"`
	NextStepID    *string   `json:"nextStepId,omitempty"`
	EndpointID    *string   `json:"endpointId,omitempty"`
	FailureStepID *string   `json:"failureStepId,omitempty"`
	ExpectedInput InputKind `json:"expectedInput,omitempty"`
	ErrorText     string    `json:"errorText,omitempty"`
	Choices       []Choice  `json:"choices,omitempty"`
}

// Choice is one selectable branch of a choice step
type Choice struct {
	ID         string  `json:"id"`
	StepID     string  `json:"stepId"`
	Position   int     `json:"position"`
	Code       string  `json:"code"`
	Label      string  `json:"label"`
	NextStepID *string `json:"nextStepId,omitempty"`
}

// Session binds a contact to one run of a campaign
type Session struct {
	ID            string        `json:"id"`
	ContactID     string        `json:"contactId"`
	CampaignID    string        `json:"campaignId"`
	Status        SessionStatus `json:"status"`
	CurrentStepID *string       `json:"currentStepId,omitempty"`
	LastActiveAt  time.Time     `json:"lastActiveAt"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Response is an append-only record of an answer to a choice or input step.
type Response struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	StepID    string    `json:"stepId"`
	ContactID string    `json:"contactId"`
	RawText   string    `json:"rawText"`
	ChoiceID  *string   `json:"choiceId,omitempty"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Endpoint is an HTTP action definition used by api steps
type Endpoint struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Method           string                 `json:"method"`
	URL              string                 `json:"url"`
	Headers          map[string]string      `json:"headers,omitempty"`
	Query            map[string]string      `json:"query,omitempty"`
	Body             string                 `json:"body,omitempty"`
	AuthType         AuthType               `json:"authType"`
	AuthToken        string                 `json:"-"`
	AuthHeader       string                 `json:"authHeader,omitempty"`
	Timeout          time.Duration          `json:"timeout"`
	Retries          int                    `json:"retries"`
	Backoff          time.Duration          `json:"backoff"`
	ResponseTemplate string                 `json:"responseTemplate,omitempty"`
	ResponseSchema   map[string]interface{} `json:"responseSchema,omitempty"`
	Active           bool                   `json:"active"`
	ArchivedAt       *time.Time             `json:"archivedAt,omitempty"`
}

// EndpointLog is one audit row per dispatch attempt.
type EndpointLog struct {
	ID             string    `json:"id"`
	EndpointID     string    `json:"endpointId"`
	CampaignID     string    `json:"campaignId,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	ContactID      string    `json:"contactId,omitempty"`
	StepID         string    `json:"stepId,omitempty"`
	Attempt        int       `json:"attempt"`
	RequestURL     string    `json:"requestUrl"`
	RequestBody    string    `json:"requestBody,omitempty"`
	ResponseStatus int       `json:"responseStatus,omitempty"`
	ResponseBody   string    `json:"responseBody,omitempty"`
	Error          string    `json:"error,omitempty"`
	Success        bool      `json:"success"`
	DurationMs     int64     `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DeliveryAttempt tracks the hand-off of one outbound message to the channel.
type DeliveryAttempt struct {
	ID                string          `json:"id"`
	MessageID         string          `json:"messageId"`
	ContactID         string          `json:"contactId"`
	Status            DeliveryStatus  `json:"status"`
	ProviderMessageID *string         `json:"providerMessageId,omitempty"`
	RetryCount        int             `json:"retryCount"`
	NextRetryAt       *time.Time      `json:"nextRetryAt,omitempty"`
	LastError         *string         `json:"lastError,omitempty"`
	MediaFallbackUsed bool            `json:"mediaFallbackUsed"`
	Message           OutboundMessage `json:"message"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// LocalizedContent is the best-matching localized copy of a step.
type LocalizedContent struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body"`
	MediaURL string `json:"mediaUrl,omitempty"`
}
