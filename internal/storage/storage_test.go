package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"chatflow/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaStore_PutURLOpen(t *testing.T) {
	s, err := NewMediaStore(t.TempDir(), "https://media.example.com/")
	require.NoError(t, err)
	ctx := context.Background()

	sum, err := s.Put(ctx, "promo/raya banner.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	u, err := s.URL(ctx, "promo/raya banner.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/media/promo/raya%20banner.jpg", u)

	f, err := s.Open(ctx, "promo/raya banner.jpg")
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(b))
}

func TestMediaStore_URL(t *testing.T) {
	s, err := NewMediaStore(t.TempDir(), "https://media.example.com")
	require.NoError(t, err)
	ctx := context.Background()

	u, err := s.URL(ctx, "https://cdn.example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.png", u)

	_, err = s.URL(ctx, "missing.png")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	for _, ref := range []string{"", "../etc/passwd", "a/../../b", `a\b`} {
		_, err = s.URL(ctx, ref)
		assert.True(t, errors.Is(err, apperr.ErrInvalidInput), ref)
	}
}
