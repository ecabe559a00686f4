package service

import (
	"context"
	"strings"

	"chatflow/internal/model"
	"chatflow/internal/template"

	"go.uber.org/zap"
	"golang.org/x/text/language"
)

const maxButtons = 3

// ContentResolver picks the text and media a step shows to a contact.
type ContentResolver struct {
	localizer       Localizer
	media           MediaResolver
	renderer        *template.Renderer
	languages       []string
	defaultLanguage string
	log             *zap.Logger
}

func NewContentResolver(localizer Localizer, media MediaResolver, renderer *template.Renderer, languages []string, defaultLanguage string, log *zap.Logger) *ContentResolver {
	return &ContentResolver{
		localizer:       localizer,
		media:           media,
		renderer:        renderer,
		languages:       languages,
		defaultLanguage: defaultLanguage,
		log:             log,
	}
}

// Prompt resolves a step's outbound message: localized copy for the contact's
// language, then the step's own prompt, then a generic text.
func (c *ContentResolver) Prompt(ctx context.Context, t *Turn, step *model.Step, vars map[string]interface{}) model.OutboundMessage {
	var body, mediaURL, contentID string

	if step.ContentID != nil && *step.ContentID != "" {
		contentID = *step.ContentID
		if lc := c.localized(ctx, contentID, t.Contact.Language); lc != nil {
			body = lc.Body
			mediaURL = lc.MediaURL
		}
	}
	if strings.TrimSpace(body) == "" {
		body = step.Prompt
	}
	if strings.TrimSpace(body) == "" {
		body = GenericPromptText
	}
	body = c.renderer.Fill(body, vars)

	if mediaURL == "" && step.MediaRef != "" && c.media != nil {
		url, err := c.media.URL(ctx, step.MediaRef)
		if err != nil {
			c.log.Warn("Failed to resolve step media",
				zap.String("step_id", step.ID),
				zap.String("media_ref", step.MediaRef),
				zap.Error(err),
			)
		} else {
			mediaURL = url
		}
	}

	msg := model.OutboundMessage{Content: body, Context: t.context(step.ID, contentID)}
	if mediaURL != "" {
		msg.Media = &model.Media{URL: mediaURL, Caption: body}
	}
	return msg
}

func (c *ContentResolver) localized(ctx context.Context, contentID, lang string) *model.LocalizedContent {
	if c.localizer == nil {
		return nil
	}
	candidates := []string{c.normalizeLanguage(lang)}
	if c.defaultLanguage != "" && c.defaultLanguage != candidates[0] {
		candidates = append(candidates, c.defaultLanguage)
	}
	for _, l := range candidates {
		if l == "" {
			continue
		}
		lc, err := c.localizer.Localize(ctx, contentID, l)
		if err == nil && lc != nil && strings.TrimSpace(lc.Body) != "" {
			return lc
		}
	}
	return nil
}

// normalizeLanguage reduces a stored language to its base code ("en-GB" → "en").
func (c *ContentResolver) normalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return c.defaultLanguage
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return strings.ToLower(lang)
	}
	base, _ := tag.Base()
	return base.String()
}

// IsLanguageSelector reports whether a choice step's codes are exactly the
// supported language set.
func (c *ContentResolver) IsLanguageSelector(step *model.Step) bool {
	if len(step.Choices) == 0 || len(step.Choices) != len(c.languages) {
		return false
	}
	want := make(map[string]bool, len(c.languages))
	for _, l := range c.languages {
		want[strings.ToLower(l)] = true
	}
	for _, ch := range step.Choices {
		code := normalizeCode(ch.Code)
		if !want[code] {
			return false
		}
		delete(want, code)
	}
	return len(want) == 0
}

// PickList renders choices as buttons (up to three) or a scrollable list.
func PickList(choices []model.Choice) *model.Interactive {
	kind := model.InteractiveButtons
	if len(choices) > maxButtons {
		kind = model.InteractiveList
	}
	opts := make([]model.Option, 0, len(choices))
	for _, ch := range choices {
		title := ch.Label
		if strings.TrimSpace(title) == "" {
			title = ch.Code
		}
		opts = append(opts, model.Option{ID: ch.ID, Title: title})
	}
	return &model.Interactive{Kind: kind, Options: opts}
}

// MatchChoice resolves a reply against choices: the structured reply id first,
// then the free text, each against id, code and finally label.
func MatchChoice(choices []model.Choice, in model.Inbound) *model.Choice {
	for _, candidate := range []string{in.ReplyID(), in.Text} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		for i := range choices {
			if choices[i].ID == candidate {
				return &choices[i]
			}
		}
		for i := range choices {
			if strings.EqualFold(strings.TrimSpace(choices[i].Code), candidate) {
				return &choices[i]
			}
		}
		for i := range choices {
			if strings.EqualFold(strings.TrimSpace(choices[i].Label), candidate) {
				return &choices[i]
			}
		}
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
