package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"chatflow/internal/apperr"
	"chatflow/internal/model"
	"chatflow/internal/template"
)

// requestSpec is a rendered endpoint definition, reusable across attempts.
type requestSpec struct {
	Method  string
	URL     string
	Headers http.Header
	Body    string
}

func (s *requestSpec) newRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if s.Body != "" {
		body = bytes.NewReader([]byte(s.Body))
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, s.Method, s.URL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, s.Method, s.URL, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header = s.Headers.Clone()
	return req, nil
}

// buildRequest renders the endpoint's url, query, headers and body with the
// permissive renderer and enforces the HTTPS-only rule.
func buildRequest(r *template.Renderer, ep *model.Endpoint, vars map[string]interface{}) (*requestSpec, error) {
	method := strings.ToUpper(strings.TrimSpace(ep.Method))
	if method == "" {
		method = http.MethodPost
	}

	u, err := url.Parse(strings.TrimSpace(r.Fill(ep.URL, vars)))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfiguration, fmt.Sprintf("endpoint %s has an invalid url", ep.ID), err)
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return nil, apperr.Newf(apperr.CodeConfiguration, "endpoint %s must use https", ep.ID).
			WithMetadata("url", u.Redacted())
	}

	if len(ep.Query) > 0 {
		q := u.Query()
		for _, k := range sortedKeys(ep.Query) {
			q.Set(k, r.Fill(ep.Query[k], vars))
		}
		u.RawQuery = q.Encode()
	}

	headers := make(http.Header, len(ep.Headers)+2)
	for _, k := range sortedKeys(ep.Headers) {
		headers.Set(k, r.Fill(ep.Headers[k], vars))
	}

	body := ""
	if ep.Body != "" && method != http.MethodGet && method != http.MethodHead {
		body = r.Fill(ep.Body, vars)
		if headers.Get("Content-Type") == "" {
			if json.Valid([]byte(body)) {
				headers.Set("Content-Type", "application/json")
			} else {
				headers.Set("Content-Type", "text/plain; charset=utf-8")
			}
		}
	}

	switch ep.AuthType {
	case model.AuthBearer:
		if ep.AuthToken == "" {
			return nil, apperr.Newf(apperr.CodeConfiguration, "endpoint %s has bearer auth without a token", ep.ID)
		}
		headers.Set("Authorization", "Bearer "+ep.AuthToken)
	case model.AuthHeader:
		if ep.AuthHeader == "" || ep.AuthToken == "" {
			return nil, apperr.Newf(apperr.CodeConfiguration, "endpoint %s has header auth without a header name or value", ep.ID)
		}
		headers.Set(ep.AuthHeader, ep.AuthToken)
	case model.AuthNone, "":
	default:
		return nil, apperr.Newf(apperr.CodeConfiguration, "endpoint %s has unknown auth type %q", ep.ID, ep.AuthType)
	}

	return &requestSpec{
		Method:  method,
		URL:     u.String(),
		Headers: headers,
		Body:    body,
	}, nil
}

// normalizeBody decodes a response body. The first value is the decoded JSON
// (for schema validation); the second is the object exposed to templates.
// Arrays are wrapped under "items"; non-JSON bodies are exposed under "text".
func normalizeBody(body []byte) (interface{}, map[string]interface{}) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return map[string]interface{}{}, map[string]interface{}{}
	}

	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return string(body), map[string]interface{}{"text": string(body)}
	}

	switch v := decoded.(type) {
	case map[string]interface{}:
		return v, v
	case []interface{}:
		return v, map[string]interface{}{"items": v, "count": len(v)}
	default:
		return v, map[string]interface{}{"value": v}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
