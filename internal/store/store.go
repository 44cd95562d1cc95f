// Package store provides the key/value persistence layer. Values are JSON
// documents addressed by flat string keys ("pad:demo", "pad:demo:revs:12",
// "globalAuthor:a.x4f"); backends exist for memory, MongoDB, Redis and
// Postgres. Sub-document reads and writes go through JSON paths so callers
// never rewrite a whole record to touch one field.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNotFound reports a missing key, or a missing path inside a present key.
var ErrNotFound = errors.New("store: not found")

// Store is a flat key/value database holding JSON string values.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// FindKeys returns the keys matching pattern, excluding those matching
	// notPattern (if non-empty). Patterns use '*' as the only wildcard.
	FindKeys(ctx context.Context, pattern, notPattern string) ([]string, error)
	Close(ctx context.Context) error
}

// GetSub reads the raw JSON value at a dotted path inside the value of key.
func GetSub(ctx context.Context, s Store, key, path string) (string, error) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	res := gjson.Get(val, path)
	if !res.Exists() {
		return "", fmt.Errorf("%w: %s[%s]", ErrNotFound, key, path)
	}
	return res.Raw, nil
}

// SetSub writes raw JSON at a dotted path inside the value of key, creating
// the record if absent.
func SetSub(ctx context.Context, s Store, key, path, raw string) error {
	val, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		val = "{}"
	} else if err != nil {
		return err
	}
	updated, err := sjson.SetRaw(val, path, raw)
	if err != nil {
		return fmt.Errorf("store: set %s[%s]: %w", key, path, err)
	}
	return s.Set(ctx, key, updated)
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b))
}

// GetJSON loads the value under key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst interface{}) error {
	val, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", key, err)
	}
	return nil
}

// globRegexp compiles a '*' glob into an anchored regular expression.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(globExpr(pattern))
}

func globExpr(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	return "^" + strings.Join(parts, ".*") + "$"
}
