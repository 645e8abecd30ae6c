// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExtensionServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ext/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sourceName":"nyaa","version":"1.2.0","scriptUrl":"nyaa.js","name":"Nyaa","homepage":"https://example.org"}`))
	})
	mux.HandleFunc("/ext/nyaa.js", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`async function single() { return [] }`))
	})
	mux.HandleFunc("/ext/invalid.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"1.0.0"}`))
	})
	mux.HandleFunc("/ext/broken.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	mux.HandleFunc("/ext/noscript.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sourceName":"gone","version":"1.0.0","scriptUrl":"/missing.js"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoad(t *testing.T) {
	srv := newExtensionServer(t)
	l, err := New(srv.URL, nil)
	require.NoError(t, err)

	t.Run("absolute", func(t *testing.T) {
		ext, err := l.Load(context.Background(), srv.URL+"/ext/manifest.json")
		require.NoError(t, err)
		assert.Equal(t, "nyaa-1.2.0", ext.Manifest.Key())
		assert.Equal(t, "Nyaa", ext.Manifest.DisplayName())
		assert.Contains(t, ext.Script, "async function single")
		assert.Contains(t, ext.Manifest.Extra, "homepage")
	})

	t.Run("relative_to_origin", func(t *testing.T) {
		ext, err := l.Load(context.Background(), "/ext/manifest.json")
		require.NoError(t, err)
		assert.Equal(t, "nyaa", ext.Manifest.SourceName)
	})
}

func TestLoadErrors(t *testing.T) {
	srv := newExtensionServer(t)
	l, err := New(srv.URL, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		url      string
		target   error
		contains string
	}{
		{name: "not_found", url: srv.URL + "/ext/nope.json", target: &ManifestFetchError{}, contains: "Failed to load manifest from " + srv.URL + "/ext/nope.json: HTTP 404"},
		{name: "bad_json", url: srv.URL + "/ext/broken.json", target: &ManifestFetchError{}, contains: "decode manifest"},
		{name: "relative_not_found", url: "/ext/nope.json", target: &ManifestFetchError{}, contains: "Failed to load manifest from " + srv.URL + "/ext/nope.json: HTTP 404"},
		{name: "relative_bad_json", url: "ext/broken.json", target: &ManifestFetchError{}, contains: "Failed to load manifest from " + srv.URL + "/ext/broken.json: decode manifest"},
		{name: "missing_fields", url: srv.URL + "/ext/invalid.json", target: ErrInvalidManifest, contains: "Invalid manifest: missing sourceName or scriptUrl"},
		{name: "script_missing", url: srv.URL + "/ext/noscript.json", target: &ScriptFetchError{}, contains: "Failed to load script from " + srv.URL + "/missing.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := l.Load(context.Background(), tt.url)
			require.Error(t, err)
			assert.Nil(t, ext)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoadRelativeWithoutOrigin(t *testing.T) {
	l, err := New("", nil)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), "/ext/manifest.json")
	assert.ErrorIs(t, err, &ManifestFetchError{})
}

func TestFetchManifest(t *testing.T) {
	srv := newExtensionServer(t)
	l, err := New("", srv.Client())
	require.NoError(t, err)

	m, err := l.FetchManifest(context.Background(), srv.URL+"/ext/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", m.Version)
}
