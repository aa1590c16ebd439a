// Package creds loads, refreshes, and persists OAuth credentials for the
// probed backends. Credential files belong to the backend CLIs, not to us,
// so writes rewrite only the token sub-document and leave every other field
// byte-for-byte intact.
package creds

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Source yields and stores one raw credential document.
type Source interface {
	Load() ([]byte, error)
	Store([]byte) error
	Describe() string
}

// ErrNotFound means no source produced a usable document.
var ErrNotFound = errors.New("credentials not found")

// Schema maps the typed token fields onto gjson paths inside a provider's
// document. Empty paths mean the provider's document has no such field.
type Schema struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    string // epoch milliseconds
	LastRefresh  string // RFC 3339
	Email        string
	Tier         string
}

// Record is one loaded credential set. Raw is the full backing document;
// typed fields are projections of it. A Record is loaded fresh on every
// probe invocation and never cached by this package.
type Record struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time // zero when the document carries no expiry
	LastRefresh  time.Time
	Email        string
	Tier         string

	Raw    []byte
	schema Schema
	origin Source
}

// Origin describes where the record was loaded from.
func (r *Record) Origin() string {
	if r.origin == nil {
		return ""
	}
	return r.origin.Describe()
}

// Store resolves credentials for one provider across an ordered source
// list. A malformed higher-priority document logs and falls through to the
// next source rather than failing the load.
type Store struct {
	Provider string
	Schema   Schema
	Sources  []Source
	Log      *slog.Logger
}

func (s *Store) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
}

// Load returns the first well-formed credential document. Well-formed means
// valid JSON with a non-empty access token at the schema path.
func (s *Store) Load() (*Record, error) {
	for _, src := range s.Sources {
		doc, err := src.Load()
		if err != nil {
			s.logger().Debug("credential source unavailable", "provider", s.Provider, "source", src.Describe(), "error", err)
			continue
		}
		rec, err := s.decode(doc, src)
		if err != nil {
			s.logger().Warn("malformed credential document, trying next source", "provider", s.Provider, "source", src.Describe(), "error", err)
			continue
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: provider %s", ErrNotFound, s.Provider)
}

func (s *Store) decode(doc []byte, src Source) (*Record, error) {
	if !gjson.ValidBytes(doc) {
		return nil, errors.New("invalid json")
	}
	rec := &Record{Provider: s.Provider, Raw: doc, schema: s.Schema, origin: src}
	get := func(path string) gjson.Result {
		if path == "" {
			return gjson.Result{}
		}
		return gjson.GetBytes(doc, path)
	}
	rec.AccessToken = get(s.Schema.AccessToken).String()
	if rec.AccessToken == "" {
		return nil, errors.New("missing access token")
	}
	rec.RefreshToken = get(s.Schema.RefreshToken).String()
	rec.IDToken = get(s.Schema.IDToken).String()
	rec.Email = get(s.Schema.Email).String()
	rec.Tier = get(s.Schema.Tier).String()
	// Codex-style documents carry identity inside the id token rather than
	// as plain fields.
	if rec.Email == "" && rec.IDToken != "" {
		rec.Email = JWTEmail(rec.IDToken)
	}
	if rec.Tier == "" && rec.IDToken != "" {
		rec.Tier = JWTPlan(rec.IDToken)
	}
	if v := get(s.Schema.ExpiresAt); v.Exists() {
		rec.ExpiresAt = time.UnixMilli(v.Int())
	}
	if v := get(s.Schema.LastRefresh); v.Exists() {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			rec.LastRefresh = t
		}
	}
	return rec, nil
}

// Save persists rec back to the source it was loaded from, applying the
// typed fields into the raw document first.
func (s *Store) Save(rec *Record) error {
	if rec.origin == nil {
		return fmt.Errorf("save %s: record has no origin source", s.Provider)
	}
	doc, err := rec.apply()
	if err != nil {
		return fmt.Errorf("save %s: %w", s.Provider, err)
	}
	rec.Raw = doc
	if err := rec.origin.Store(doc); err != nil {
		return fmt.Errorf("save %s to %s: %w", s.Provider, rec.origin.Describe(), err)
	}
	return nil
}

func (r *Record) apply() ([]byte, error) {
	doc := r.Raw
	var err error
	set := func(path string, value any) {
		if err != nil || path == "" {
			return
		}
		doc, err = sjson.SetBytes(doc, path, value)
	}
	set(r.schema.AccessToken, r.AccessToken)
	if r.RefreshToken != "" {
		set(r.schema.RefreshToken, r.RefreshToken)
	}
	if r.IDToken != "" {
		set(r.schema.IDToken, r.IDToken)
	}
	if !r.ExpiresAt.IsZero() {
		set(r.schema.ExpiresAt, r.ExpiresAt.UnixMilli())
	}
	if !r.LastRefresh.IsZero() {
		set(r.schema.LastRefresh, r.LastRefresh.UTC().Format(time.RFC3339))
	}
	return doc, err
}

// NeedsRefresh decides whether a proactive refresh is due. Preference
// order: document expiry, JWT exp claim, elapsed time since last refresh.
// A record with no usable signal at all is treated as needing refresh.
func (r *Record) NeedsRefresh(now time.Time, buffer, maxAge time.Duration) bool {
	if r.RefreshToken == "" {
		return false // nothing to refresh with
	}
	if !r.ExpiresAt.IsZero() {
		return now.Add(buffer).After(r.ExpiresAt)
	}
	if looksLikeJWT(r.AccessToken) {
		if exp, err := jwtExpiry(r.AccessToken); err == nil {
			return now.Add(buffer).After(exp)
		}
	}
	if !r.LastRefresh.IsZero() {
		return now.Sub(r.LastRefresh) > maxAge
	}
	return true
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
