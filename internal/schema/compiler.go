package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// LocationSchema describes the structured coordinates a transport must deliver
// for a location reply.
var LocationSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"latitude":  map[string]interface{}{"type": "number", "minimum": -90, "maximum": 90},
		"longitude": map[string]interface{}{"type": "number", "minimum": -180, "maximum": 180},
		"name":      map[string]interface{}{"type": "string"},
		"address":   map[string]interface{}{"type": "string"},
	},
	"required": []interface{}{"latitude", "longitude"},
}

// Compiler compiles JSON schemas once and caches them by content hash.
type Compiler struct {
	mu       sync.Mutex
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

// NewCompilerWithCache creates a compiler whose cache holds up to maxSize schemas.
// Remote $ref resolution is disabled: schemas are authored rows, not URLs.
func NewCompilerWithCache(maxSize int) *Compiler {
	c := js.NewCompiler()
	c.LoadURL = func(s string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("$ref %s not allowed", s)
	}

	return &Compiler{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

func key(schema map[string]interface{}) (string, []byte, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Prepare compiles and caches a schema
func (c *Compiler) Prepare(ctx context.Context, schema map[string]interface{}) (*js.Schema, error) {
	k, raw, err := key(schema)
	if err != nil {
		return nil, err
	}
	if compiled, ok := c.cache.Get(k); ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resourceURL := fmt.Sprintf("mem://schema/%s.json", k[:16])
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(k, compiled)
	return compiled, nil
}

// Validate checks value against schema. value may be any JSON-encodable Go value.
func (c *Compiler) Validate(ctx context.Context, schema map[string]interface{}, value interface{}) error {
	compiled, err := c.Prepare(ctx, schema)
	if err != nil {
		return err
	}

	// Round-trip through JSON so the validator sees canonical types.
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	var valueRaw interface{}
	dec := json.NewDecoder(bytes.NewReader(valueBytes))
	dec.UseNumber()
	if err := dec.Decode(&valueRaw); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	if err := compiled.Validate(valueRaw); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Location is a validated pair of coordinates.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ParseLocation validates a structured location payload and decodes it.
func (c *Compiler) ParseLocation(ctx context.Context, payload map[string]interface{}) (*Location, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("no coordinates delivered")
	}
	if err := c.Validate(ctx, LocationSchema, payload); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(payload)
	var loc Location
	if err := json.Unmarshal(b, &loc); err != nil {
		return nil, fmt.Errorf("failed to decode location: %w", err)
	}
	return &loc, nil
}

// String renders coordinates the way they are stored as a response.
func (l Location) String() string {
	s := fmt.Sprintf("%.6f,%.6f", l.Latitude, l.Longitude)
	if name := strings.TrimSpace(l.Name); name != "" {
		s += " (" + name + ")"
	}
	return s
}
