package model

import "time"

// InteractionType is how the transport delivered an inbound message
type InteractionType string

const (
	InteractionText     InteractionType = "text"
	InteractionButton   InteractionType = "button"
	InteractionList     InteractionType = "list"
	InteractionLocation InteractionType = "location"
)

// Inbound is a normalized chat event handed to the engine by the transport.
type Inbound struct {
	ContactAddress  string                 `json:"contactAddress"`
	ContactName     string                 `json:"contactName,omitempty"`
	Text            string                 `json:"text"`
	InteractionType InteractionType        `json:"interactionType"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// ReplyID returns the structured tap id delivered with button/list replies.
func (in Inbound) ReplyID() string {
	if in.InteractionType != InteractionButton && in.InteractionType != InteractionList {
		return ""
	}
	id, _ := in.Payload["id"].(string)
	return id
}

// InteractiveKind selects how a pick list is presented
type InteractiveKind string

const (
	InteractiveButtons InteractiveKind = "button"
	InteractiveList    InteractiveKind = "list"
)

// Option is one entry of an interactive pick list
type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Interactive describes an interactive pick list
type Interactive struct {
	Kind    InteractiveKind `json:"kind"`
	Options []Option        `json:"options"`
}

// Media describes an attachment
type Media struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// StepContext ties an outbound message back to where it was produced.
type StepContext struct {
	CampaignID string `json:"campaignId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	ContactID  string `json:"contactId,omitempty"`
	StepID     string `json:"stepId,omitempty"`
	ContentID  string `json:"contentId,omitempty"`
}

// OutboundMessage is what the engine hands to channel delivery.
type OutboundMessage struct {
	ID          string       `json:"id,omitempty"`
	To          string       `json:"to"`
	Content     string       `json:"content"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Media       *Media       `json:"media,omitempty"`
	Context     StepContext  `json:"stepContext"`
}

// TextOnly returns a copy of the message without its media attachment.
func (m OutboundMessage) TextOnly() OutboundMessage {
	out := m
	out.Media = nil
	if out.Content == "" && m.Media != nil {
		out.Content = m.Media.Caption
	}
	return out
}

// StatusCallback is a delivery receipt reported by the transport.
type StatusCallback struct {
	ProviderMessageID string    `json:"providerMessageId"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	ErrorText         string    `json:"errorText,omitempty"`
}
