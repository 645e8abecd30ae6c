// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/buildinfo"
	"github.com/autobrr/tsuki/internal/models"
)

const (
	maxManifestBytes int64 = 1 << 20
	maxScriptBytes   int64 = 8 << 20

	defaultRequestTimeout = 30 * time.Second
)

// Loader fetches extension manifests and their scripts.
type Loader struct {
	origin *url.URL
	client *http.Client
	logger zerolog.Logger
}

// New creates a Loader that resolves relative manifest URLs against origin.
func New(origin string, client *http.Client) (*Loader, error) {
	var base *url.URL
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil {
			return nil, errors.Wrapf(err, "parse origin %q", origin)
		}
		base = u
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Loader{
		origin: base,
		client: client,
		logger: log.Logger.With().Str("module", "loader").Logger(),
	}, nil
}

// Load fetches the manifest at manifestURL and the script it points to.
func (l *Loader) Load(ctx context.Context, manifestURL string) (*models.Extension, error) {
	manifestLoc, manifest, err := l.fetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	scriptLoc, err := manifestLoc.Parse(manifest.ScriptURL)
	if err != nil {
		return nil, &ScriptFetchError{URL: manifest.ScriptURL, Err: err}
	}

	script, err := l.get(ctx, scriptLoc.String(), maxScriptBytes)
	if err != nil {
		return nil, &ScriptFetchError{URL: scriptLoc.String(), Err: err}
	}

	l.logger.Debug().
		Str("key", manifest.Key()).
		Str("manifest", manifestLoc.String()).
		Int("script_bytes", len(script)).
		Msg("loaded extension")

	return &models.Extension{Manifest: *manifest, Script: string(script)}, nil
}

// FetchManifest fetches and validates only the manifest. Used for update checks.
func (l *Loader) FetchManifest(ctx context.Context, manifestURL string) (*models.Manifest, error) {
	_, manifest, err := l.fetchManifest(ctx, manifestURL)
	return manifest, err
}

func (l *Loader) fetchManifest(ctx context.Context, manifestURL string) (*url.URL, *models.Manifest, error) {
	loc, err := l.resolve(manifestURL)
	if err != nil {
		return nil, nil, &ManifestFetchError{URL: manifestURL, Err: err}
	}

	body, err := l.get(ctx, loc.String(), maxManifestBytes)
	if err != nil {
		return nil, nil, &ManifestFetchError{URL: loc.String(), Err: err}
	}

	var manifest models.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, nil, &ManifestFetchError{URL: loc.String(), Err: errors.Wrap(err, "decode manifest")}
	}
	if strings.TrimSpace(manifest.SourceName) == "" || strings.TrimSpace(manifest.ScriptURL) == "" {
		return nil, nil, ErrInvalidManifest
	}
	return loc, &manifest, nil
}

func (l *Loader) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if l.origin == nil {
		return nil, errors.Errorf("relative url %q without configured origin", raw)
	}
	return l.origin.ResolveReference(u), nil
}

func (l *Loader) get(ctx context.Context, target string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, target)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", target)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", target, limit)
	}
	return data, nil
}
