package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/model"
	"chatflow/internal/schema"
	"chatflow/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEndpoints map[string]*model.Endpoint

func (f fakeEndpoints) GetEndpoint(_ context.Context, id string) (*model.Endpoint, error) {
	ep, ok := f[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return ep, nil
}

type failingWriter struct{ calls int32 }

func (w *failingWriter) InsertEndpointLog(context.Context, model.EndpointLog) error {
	atomic.AddInt32(&w.calls, 1)
	return errors.New("db down")
}

func newTestDispatcher(srv *httptest.Server, eps fakeEndpoints, sink AuditSink) *Dispatcher {
	return New(eps, sink, template.New(), schema.NewCompilerWithCache(16), zap.NewNop(),
		WithHTTPClient(srv.Client()),
	)
}

func vars() map[string]interface{} {
	return map[string]interface{}{
		"contact": map[string]interface{}{"id": "c1", "name": "Alice"},
		"answer":  "42",
	}
}

func TestDispatch_RetriesThenFails(t *testing.T) {
	var hits int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &MemorySink{}
	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {ID: "ep1", Method: "POST", URL: srv.URL, Retries: 2, Active: true},
	}, sink)

	res, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{SessionID: "s1", StepID: "st1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDispatchHTTP))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.OK)

	entries := sink.Entries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, 500, e.ResponseStatus)
		assert.False(t, e.Success)
		assert.Equal(t, "s1", e.SessionID)
	}
}

func TestDispatch_RendersResponseTemplate(t *testing.T) {
	var gotAuth, gotBody, gotQuery string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("user")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amount": 12.5}`))
	}))
	defer srv.Close()

	sink := &MemorySink{}
	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {
			ID:               "ep1",
			Method:           "POST",
			URL:              srv.URL + "/balance",
			Query:            map[string]string{"user": "{{ contact.id }}"},
			Body:             `{"answer":"{{ answer }}"}`,
			AuthType:         model.AuthBearer,
			AuthToken:        "secret",
			ResponseTemplate: "Hi {{ contact.name }}, total: {{ response.amount | currency:usd }}",
			Active:           true,
		},
	}, sink)

	res, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "Hi Alice, total: $12.50", res.RenderedText)
	assert.NoError(t, res.TemplateErr)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "c1", gotQuery)
	assert.Equal(t, `{"answer":"42"}`, gotBody)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

func TestDispatch_TemplateMissingFieldKeepsSuccess(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"other": 1}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {ID: "ep1", URL: srv.URL, ResponseTemplate: "Total {{ response.amount }}", Active: true},
	}, &MemorySink{})

	res, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.RenderedText)
	assert.True(t, errors.Is(res.TemplateErr, apperr.ErrTemplateMissingField))
}

func TestDispatch_NormalizesBodies(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		template string
		want     string
	}{
		{"array", `[1,2,3]`, "{{ response.count }} items", "3 items"},
		{"plain text", `ok then`, "got {{ response.text }}", "got ok then"},
		{"scalar", `7`, "{{ response.value }}", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := newTestDispatcher(srv, fakeEndpoints{
				"ep1": {ID: "ep1", URL: srv.URL, ResponseTemplate: tt.template, Active: true},
			}, &MemorySink{})

			res, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.RenderedText)
		})
	}
}

func TestDispatch_RejectsPlainHTTP(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sink := &MemorySink{}
	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {ID: "ep1", URL: srv.URL, Active: true},
	}, sink)

	_, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Empty(t, sink.Entries())
}

func TestDispatch_InactiveAndArchived(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	archivedAt := time.Now()
	d := newTestDispatcher(srv, fakeEndpoints{
		"off":      {ID: "off", URL: srv.URL, Active: false},
		"archived": {ID: "archived", URL: srv.URL, Active: true, ArchivedAt: &archivedAt},
	}, &MemorySink{})

	_, err := d.Dispatch(context.Background(), "off", vars(), Meta{})
	assert.True(t, errors.Is(err, apperr.ErrEndpointDisabled))

	res, err := d.Test(context.Background(), "off", vars())
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = d.Test(context.Background(), "archived", vars())
	assert.True(t, errors.Is(err, apperr.ErrEndpointArchived))

	_, err = d.Dispatch(context.Background(), "missing", vars(), Meta{})
	assert.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))
}

func TestDispatch_Timeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	sink := &MemorySink{}
	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {ID: "ep1", URL: srv.URL, Timeout: 50 * time.Millisecond, Active: true},
	}, sink)

	_, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDispatchTimeout))
	assert.Len(t, sink.Entries(), 1)
}

func TestDispatch_CustomHeaderAuth(t *testing.T) {
	var got string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {ID: "ep1", URL: srv.URL, AuthType: model.AuthHeader, AuthHeader: "X-Api-Key", AuthToken: "k", Active: true},
	}, &MemorySink{})

	_, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
	require.NoError(t, err)
	assert.Equal(t, "k", got)
}

func TestDispatch_ResponseSchema(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amount": "lots"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, fakeEndpoints{
		"ep1": {ID: "ep1", URL: srv.URL, Active: true, ResponseSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"amount": map[string]interface{}{"type": "number"}},
		}},
	}, &MemorySink{})

	_, err := d.Dispatch(context.Background(), "ep1", vars(), Meta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDispatchHTTP))
}

func TestStoreSink_SwallowsWriteErrors(t *testing.T) {
	w := &failingWriter{}
	sink := NewStoreSink(w, zap.NewNop())

	assert.NotPanics(t, func() {
		sink.Record(context.Background(), model.EndpointLog{EndpointID: "ep1", Attempt: 1})
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&w.calls))
}
