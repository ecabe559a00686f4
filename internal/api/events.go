package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/model"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

type InboundRequest struct {
	ContactAddress  string                 `json:"contactAddress" validate:"required,max=64"`
	ContactName     string                 `json:"contactName" validate:"max=256"`
	Text            string                 `json:"text" validate:"max=4096"`
	InteractionType string                 `json:"interactionType" validate:"omitempty,oneof=text button list location"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

type StatusRequest struct {
	ProviderMessageID string    `json:"providerMessageId" validate:"required,max=256"`
	Status            string    `json:"status" validate:"required,max=32"`
	Timestamp         time.Time `json:"timestamp"`
	ErrorText         string    `json:"errorText" validate:"max=2048"`
}

// decode reads a JSON body into v and validates it.
func (d Dependencies) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, "invalid request body", err)
	}
	if err := d.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return apperr.Newf(apperr.CodeInvalidInput, "invalid fields: %s", strings.Join(fields, ", "))
		}
		return apperr.Wrap(apperr.CodeInvalidInput, "invalid request", err)
	}
	return nil
}

func (d Dependencies) inbound(w http.ResponseWriter, r *http.Request) {
	var req InboundRequest
	if err := d.decode(w, r, &req); err != nil {
		WriteAppError(w, err, d.Log)
		return
	}

	kind := model.InteractionType(req.InteractionType)
	if kind == "" {
		kind = model.InteractionText
	}
	out, err := d.Conversation.HandleInbound(r.Context(), model.Inbound{
		ContactAddress:  strings.TrimSpace(req.ContactAddress),
		ContactName:     req.ContactName,
		Text:            req.Text,
		InteractionType: kind,
		Payload:         req.Payload,
	})
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	if out == nil {
		out = []model.OutboundMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (d Dependencies) deliveryStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := d.decode(w, r, &req); err != nil {
		WriteAppError(w, err, d.Log)
		return
	}

	a, err := d.Deliveries.HandleStatus(r.Context(), model.StatusCallback{
		ProviderMessageID: req.ProviderMessageID,
		Status:            req.Status,
		Timestamp:         req.Timestamp,
		ErrorText:         req.ErrorText,
	})
	// a restriction is recorded; the receipt itself was accepted
	if err != nil && !errors.Is(err, apperr.ErrChannelRestricted) {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attemptId":  a.ID,
		"status":     a.Status,
		"retryCount": a.RetryCount,
	})
}
