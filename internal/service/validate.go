package service

import (
	"context"
	"regexp"
	"strings"

	"chatflow/internal/apperr"
	"chatflow/internal/model"
	"chatflow/internal/schema"

	"github.com/go-playground/validator/v10"
)

var numberPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// InputValidator checks free-form replies against a step's expected input.
type InputValidator struct {
	schemas  *schema.Compiler
	validate *validator.Validate
}

func NewInputValidator(schemas *schema.Compiler) *InputValidator {
	return &InputValidator{schemas: schemas, validate: validator.New()}
}

// Check validates in and returns the text to store as the response. A
// non-nil error is always INVALID_INPUT.
func (v *InputValidator) Check(ctx context.Context, kind model.InputKind, in model.Inbound) (string, error) {
	text := strings.TrimSpace(in.Text)

	switch kind {
	case model.InputNumber:
		if !numberPattern.MatchString(text) {
			return text, apperr.Newf(apperr.CodeInvalidInput, "%q is not a number", text)
		}
	case model.InputEmail:
		if err := v.validate.Var(text, "required,email"); err != nil {
			return text, apperr.Wrap(apperr.CodeInvalidInput, "not an email address", err)
		}
	case model.InputLocation:
		payload := in.Payload
		if nested, ok := payload["location"].(map[string]interface{}); ok {
			payload = nested
		}
		loc, err := v.schemas.ParseLocation(ctx, payload)
		if err != nil {
			return text, apperr.Wrap(apperr.CodeInvalidInput, "no valid coordinates delivered", err)
		}
		return loc.String(), nil
	case model.InputText:
		if text == "" {
			return text, apperr.New(apperr.CodeInvalidInput, "empty reply")
		}
		if numberPattern.MatchString(text) {
			return text, apperr.Newf(apperr.CodeInvalidInput, "%q is only a number", text)
		}
	default:
		if text == "" {
			return text, apperr.New(apperr.CodeInvalidInput, "empty reply")
		}
	}
	return text, nil
}
