package geofence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Radius policy bounds in meters. Admin updates are clamped into this range.
const (
	MinRadiusMeters     = 10
	MaxRadiusMetersCap  = 100
	DefaultRadiusMeters = 100
)

// Settings is the resolved campus geofence configuration.
type Settings struct {
	CenterLatitude  float64 `json:"latitude"`
	CenterLongitude float64 `json:"longitude"`
	MaxRadiusMeters float64 `json:"radius"`
}

// Center returns the campus center coordinate.
func (s Settings) Center() Coordinate {
	return Coordinate{Latitude: s.CenterLatitude, Longitude: s.CenterLongitude}
}

// ClampRadius forces a radius into the policy bounds.
func ClampRadius(r float64) float64 {
	if r < MinRadiusMeters {
		return MinRadiusMeters
	}
	if r > MaxRadiusMetersCap {
		return MaxRadiusMetersCap
	}
	return r
}

// Document is the stored settings record. Two generations of field names are
// in circulation for the same logical values; readers must coalesce rather
// than assume one scheme. New writes always use the current names.
type Document struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Radius    *float64 `json:"radius,omitempty"`

	// Legacy field names, still present in documents written by old deployments.
	CenterLatitude  *float64 `json:"centerLatitude,omitempty"`
	CenterLongitude *float64 `json:"centerLongitude,omitempty"`
	RadiusInMeters  *float64 `json:"radiusInMeters,omitempty"`
}

// Resolve coalesces a document into usable settings: current field name first,
// then the legacy name, then the supplied defaults. Migration happens at read
// time only; the stored document is left as-is.
func (d Document) Resolve(defaults Settings) Settings {
	out := Settings{
		CenterLatitude:  coalesce(d.Latitude, d.CenterLatitude, defaults.CenterLatitude),
		CenterLongitude: coalesce(d.Longitude, d.CenterLongitude, defaults.CenterLongitude),
		MaxRadiusMeters: coalesce(d.Radius, d.RadiusInMeters, defaults.MaxRadiusMeters),
	}
	out.MaxRadiusMeters = ClampRadius(out.MaxRadiusMeters)
	return out
}

func coalesce(current, legacy *float64, fallback float64) float64 {
	if current != nil {
		return *current
	}
	if legacy != nil {
		return *legacy
	}
	return fallback
}

// SettingsSource yields the current geofence settings for every check.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// SettingsStore persists the singleton settings document in Postgres.
type SettingsStore struct {
	db       *sql.DB
	defaults Settings
}

// NewSettingsStore creates a store that falls back to defaults when no
// document has been written yet.
func NewSettingsStore(db *sql.DB, defaults Settings) *SettingsStore {
	return &SettingsStore{db: db, defaults: defaults}
}

// Settings reads and resolves the settings document.
func (s *SettingsStore) Settings(ctx context.Context) (Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM geo_settings WHERE id = 1`)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.defaults, nil
		}
		return Settings{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Settings{}, err
	}
	return doc.Resolve(s.defaults), nil
}

// Update replaces the settings document using the current field names.
func (s *SettingsStore) Update(ctx context.Context, cfg Settings) error {
	cfg.MaxRadiusMeters = ClampRadius(cfg.MaxRadiusMeters)
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geo_settings (id, doc, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`, raw, time.Now().UTC())
	return err
}

// StaticSettings is a SettingsSource backed by a fixed value, for tests and
// single-campus deployments configured purely from the environment.
type StaticSettings Settings

// Settings returns the fixed value.
func (s StaticSettings) Settings(ctx context.Context) (Settings, error) {
	return Settings(s), nil
}
