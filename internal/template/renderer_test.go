package template

import (
	"errors"
	"testing"

	"chatflow/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_GreetingWithCurrency(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{
		"contact":  map[string]interface{}{"name": "Alice"},
		"response": map[string]interface{}{"amount": 12.5},
	}

	out, err := r.Render("Hi {{ contact.name }}, total: {{ response.amount | currency:usd }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, total: $12.50", out)
}

func TestRender_MissingFieldIsDistinguishable(t *testing.T) {
	r := New()
	_, err := r.Render("Hello {{ contact.name }} {{ order.id }}", map[string]interface{}{
		"contact": map[string]interface{}{"name": "Bob"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTemplateMissingField))

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "order.id", appErr.Metadata["path"])
}

func TestFill_MissingFieldBecomesEmpty(t *testing.T) {
	r := New()
	out := r.Fill("https://api.example.com/users/{{ contact.id }}?q={{ answer }}", map[string]interface{}{
		"contact": map[string]interface{}{"id": "c1"},
	})
	assert.Equal(t, "https://api.example.com/users/c1?q=", out)
}

func TestRender_IsPure(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{
		"items": []interface{}{"a", "b"},
		"n":     4.0,
	}
	tpl := "{{ items | list }} / {{ n | times:2 }}"

	first, err := r.Render(tpl, ctx)
	require.NoError(t, err)
	second, err := r.Render(tpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "a, b / 8", first)
}

func TestFormatters(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{
		"amount":  1234.5,
		"count":   1500,
		"zero":    0,
		"price":   "10",
		"ms":      float64(86400000),
		"secs":    float64(90061),
		"name":    "Alice",
		"tags":    []interface{}{"x", "y", "z"},
		"profile": map[string]interface{}{"b": 2, "a": 1},
	}

	tests := []struct {
		tpl  string
		want string
	}{
		{"{{ amount | currency }}", "RM 1,234.50"},
		{"{{ amount | currency:usd }}", "$1,234.50"},
		{"{{ amount | currency:MYR }}", "RM 1,234.50"},
		{"{{ count | number }}", "1,500"},
		{"{{ amount | number }}", "1,234.50"},
		{"{{ price | times:3 }}", "30"},
		{"{{ price | divided_by:4 }}", "2.5"},
		{"{{ price | divided_by:0 }}", "10"},
		{"{{ price | plus:0.5 }}", "10.5"},
		{"{{ price | minus:15 }}", "-5"},
		{"{{ ms | date }}", "02 Jan 1970"},
		{"{{ secs | date_unix }}", "02 Jan 1970"},
		{"{{ secs | date_time_unix }}", "02 Jan 1970 01:01"},
		{"{{ name | upper }}", "ALICE"},
		{"{{ name | LOWER }}", "alice"},
		{"{{ tags | list }}", "x, y, z"},
		{"{{ tags }}", "x, y, z"},
		{"{{ profile }}", `{"a":1,"b":2}`},
		{"{{ name | unknown }}", "Alice"},
		{"{{ price | times:2 | currency:usd }}", "$20.00"},
		{"{{ tags.1 }}", "y"},
	}

	for _, tt := range tests {
		t.Run(tt.tpl, func(t *testing.T) {
			out, err := r.Render(tt.tpl, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestDividedByZeroNeverLeaksInfinity(t *testing.T) {
	r := New()
	for _, v := range []interface{}{0.0, 7.0, -3.0, "12"} {
		out, err := r.Render("{{ v | divided_by:0 }}", map[string]interface{}{"v": v})
		require.NoError(t, err)
		assert.NotContains(t, out, "Inf")
		assert.NotContains(t, out, "NaN")
		assert.Equal(t, Stringify(v), out)
	}
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"contact.name", "response.amount"},
		Tokens("Hi {{ contact.name }}, {{response.amount|currency}}"))
}
