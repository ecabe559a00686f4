// Package storage holds campaign media on the local filesystem and resolves
// step media references into URLs the chat transport can fetch.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"chatflow/internal/apperr"
)

// MediaStore implements local media storage under baseDir, served at
// baseURL + "/media/".
type MediaStore struct {
	baseDir string
	baseURL string
}

// NewMediaStore creates the base directory if needed.
func NewMediaStore(baseDir, baseURL string) (*MediaStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &MediaStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// clean rejects references that escape the media directory.
func clean(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "empty media reference")
	}
	name := path.Clean("/" + ref)[1:]
	if name == "" || name != strings.TrimPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", apperr.Newf(apperr.CodeInvalidInput, "invalid media reference %q", ref)
	}
	return name, nil
}

// URL resolves a media reference. Absolute http(s) URLs pass through;
// anything else must name a stored file.
func (s *MediaStore) URL(_ context.Context, ref string) (string, error) {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" {
		return ref, nil
	}
	name, err := clean(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(s.baseDir, filepath.FromSlash(name))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.Newf(apperr.CodeNotFound, "media %s not found", name)
		}
		return "", fmt.Errorf("failed to stat media %s: %w", name, err)
	}
	return s.baseURL + "/media/" + (&url.URL{Path: name}).EscapedPath(), nil
}

// Put stores media under name and returns its SHA-256.
func (s *MediaStore) Put(_ context.Context, name string, reader io.Reader) (string, error) {
	name, err := clean(name)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), reader); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Open returns the stored file for serving.
func (s *MediaStore) Open(_ context.Context, name string) (*os.File, error) {
	name, err := clean(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Newf(apperr.CodeNotFound, "media %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}
