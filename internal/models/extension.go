// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/tsuki/internal/dbinterface"
)

var ErrExtensionNotFound = errors.New("extension not found")

// Single-slot references stored in extension_slots.
const (
	SlotDefault = "defaultExtension"
	SlotStarred = "starredExtension"
)

// Manifest describes an extension. Fields the service does not know about are kept in Extra
// so a stored manifest round-trips unchanged.
type Manifest struct {
	SourceName string `json:"sourceName"`
	Version    string `json:"version"`
	ScriptURL  string `json:"scriptUrl"`
	Name       string `json:"name,omitempty"`
	Icon       string `json:"icon,omitempty"`
	NSFW       bool   `json:"nsfw,omitempty"`
	Type       string `json:"type,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type manifestFields Manifest

var manifestKnownKeys = []string{"sourceName", "version", "scriptUrl", "name", "icon", "nsfw", "type"}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var fields manifestFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range manifestKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		fields.Extra = raw
	}

	*m = Manifest(fields)
	return nil
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(manifestFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+len(manifestKnownKeys))
	for k, v := range m.Extra {
		merged[k] = v
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Key is the identity of the manifest: sourceName and version.
func (m Manifest) Key() string {
	return fmt.Sprintf("%s-%s", m.SourceName, m.Version)
}

// DisplayName falls back to the source name when no display name is set.
func (m Manifest) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.SourceName
}

// Extension is a loaded manifest plus its script text.
type Extension struct {
	Manifest Manifest `json:"manifest"`
	Script   string   `json:"-"`
}

// ExtensionConfig is the persisted desired state of one extension.
type ExtensionConfig struct {
	URL       string    `json:"url" yaml:"url"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Manifest  Manifest  `json:"manifest" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// ExtensionSettings is the full persisted settings surface.
type ExtensionSettings struct {
	Extensions       map[string]*ExtensionConfig `json:"extensions" yaml:"extensions"`
	DefaultExtension string                      `json:"defaultExtension,omitempty" yaml:"defaultExtension,omitempty"`
	StarredExtension string                      `json:"starredExtension,omitempty" yaml:"starredExtension,omitempty"`
}

type ExtensionStore struct {
	db dbinterface.Querier
}

func NewExtensionStore(db dbinterface.Querier) *ExtensionStore {
	return &ExtensionStore{db: db}
}

func (s *ExtensionStore) List(ctx context.Context) (map[string]*ExtensionConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, url, enabled, manifest, updated_at
		FROM extensions
		ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]*ExtensionConfig)
	for rows.Next() {
		var key string
		cfg, err := scanExtensionConfig(rows, &key)
		if err != nil {
			return nil, err
		}
		configs[key] = cfg
	}

	return configs, rows.Err()
}

func (s *ExtensionStore) Get(ctx context.Context, key string) (*ExtensionConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, url, enabled, manifest, updated_at
		FROM extensions
		WHERE key = ?
	`, key)

	var scanned string
	cfg, err := scanExtensionConfig(row, &scanned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExtensionNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExtensionConfig(row rowScanner, key *string) (*ExtensionConfig, error) {
	var (
		cfg          ExtensionConfig
		manifestJSON string
	)
	if err := row.Scan(key, &cfg.URL, &cfg.Enabled, &manifestJSON, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if manifestJSON != "" {
		if err := json.Unmarshal([]byte(manifestJSON), &cfg.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest for %s: %w", *key, err)
		}
	}
	return &cfg, nil
}

func (s *ExtensionStore) Upsert(ctx context.Context, key string, cfg *ExtensionConfig) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	manifestJSON, err := json.Marshal(cfg.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extensions (key, url, enabled, manifest, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url,
			enabled = excluded.enabled,
			manifest = excluded.manifest,
			updated_at = CURRENT_TIMESTAMP
	`, key, cfg.URL, cfg.Enabled, string(manifestJSON))
	return err
}

func (s *ExtensionStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extensions WHERE key = ?`, key)
	return err
}

// SetEnabled flips the enabled flag and reports whether the key exists.
func (s *ExtensionStore) SetEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extensions SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?
	`, enabled, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetSlot returns the key stored in slot, or "" when the slot is unset.
func (s *ExtensionStore) GetSlot(ctx context.Context, slot string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT key FROM extension_slots WHERE slot = ?`, slot).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return key, err
}

func (s *ExtensionStore) SetSlot(ctx context.Context, slot, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extension_slots (slot, key, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE SET key = excluded.key, updated_at = CURRENT_TIMESTAMP
	`, slot, key)
	return err
}

// ClearSlot deletes the slot row; an unset slot reads back as "".
func (s *ExtensionStore) ClearSlot(ctx context.Context, slot string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extension_slots WHERE slot = ?`, slot)
	return err
}

// Settings returns the persisted settings surface in one value.
func (s *ExtensionStore) Settings(ctx context.Context) (*ExtensionSettings, error) {
	configs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	def, err := s.GetSlot(ctx, SlotDefault)
	if err != nil {
		return nil, err
	}
	starred, err := s.GetSlot(ctx, SlotStarred)
	if err != nil {
		return nil, err
	}
	return &ExtensionSettings{
		Extensions:       configs,
		DefaultExtension: def,
		StarredExtension: starred,
	}, nil
}
