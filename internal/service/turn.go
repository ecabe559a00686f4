package service

import (
	"time"

	"chatflow/internal/model"

	"github.com/oklog/ulid/v2"
)

// Fixed texts shown when a step or the routing layer has nothing better.
const (
	GenericPromptText  = "Please reply to continue."
	GenericFailureText = "Sorry, something went wrong on our side. Please try again later."
	GenericInvalidText = "Sorry, I didn't understand that. Please try again."
	GenericResultText  = "Your request has been processed."
	ClosingText        = "Thank you! This conversation has ended."
	ResumeNoticeText   = "Welcome back! Resuming where you left off."
	PausedReplyText    = "This conversation is paused. We'll be in touch soon."
	CompletedReplyText = "This conversation has ended. Send a keyword to start again."
	ResetNoticeText    = "Your conversation has been reset."
	NoCampaignsText    = "There are no campaigns running right now. Please check back later."
	MenuHeaderText     = "Hi! Reply with one of these keywords to get started:"
)

// Turn is the in-memory transition of one session for one inbound event.
// The engine mutates it; the conversation commits it in one transaction.
type Turn struct {
	Contact  *model.Contact
	Campaign *model.Campaign
	Session  *model.Session
	Outbound []model.OutboundMessage

	insert    bool
	responses []model.Response
	language  *string
	// dispatched counts endpoint calls made; such a turn must not be replayed.
	dispatched int
}

// NewTurn starts a turn for an existing (insert=false) or new session.
func NewTurn(contact *model.Contact, campaign *model.Campaign, session *model.Session, insert bool) *Turn {
	return &Turn{Contact: contact, Campaign: campaign, Session: session, insert: insert}
}

func (t *Turn) emit(msg model.OutboundMessage) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	msg.To = t.Contact.Address
	t.Outbound = append(t.Outbound, msg)
}

func (t *Turn) say(text string, stepID string) {
	t.emit(model.OutboundMessage{Content: text, Context: t.context(stepID, "")})
}

func (t *Turn) context(stepID, contentID string) model.StepContext {
	sc := model.StepContext{ContactID: t.Contact.ID, StepID: stepID, ContentID: contentID}
	if t.Session != nil {
		sc.SessionID = t.Session.ID
		sc.CampaignID = t.Session.CampaignID
	}
	return sc
}

func (t *Turn) record(r model.Response) {
	t.responses = append(t.responses, r)
}

func (t *Turn) setCurrent(stepID string) {
	id := stepID
	t.Session.CurrentStepID = &id
}

func (t *Turn) complete() {
	t.Session.Status = model.SessionCompleted
	t.Session.CurrentStepID = nil
}

func (t *Turn) setLanguage(lang string) {
	t.language = &lang
	t.Contact.Language = lang
}

// lastValidAnswer returns the newest valid response recorded in this turn.
func (t *Turn) lastValidAnswer() (string, bool) {
	for i := len(t.responses) - 1; i >= 0; i-- {
		if t.responses[i].Valid {
			return t.responses[i].RawText, true
		}
	}
	return "", false
}

// Commit returns the persistence record for this turn.
func (t *Turn) Commit(now time.Time) model.TurnCommit {
	t.Session.LastActiveAt = now
	return model.TurnCommit{
		Session:   *t.Session,
		Insert:    t.insert,
		Responses: t.responses,
		ContactID: t.Contact.ID,
		Language:  t.language,
	}
}
