// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxyTarget(target string, headers map[string]string) string {
	q := url.Values{}
	q.Set("url", target)
	if headers != nil {
		encoded, _ := json.Marshal(headers)
		q.Set("headers", string(encoded))
	}
	return "/proxy?" + q.Encode()
}

func serveProxy(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	NewProxyHandler(nil).Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestProxyForwardsPrivilegedHeaders(t *testing.T) {
	var got *http.Request
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("<html>ok</html>"))
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodPost, proxyTarget(upstream.URL+"/search?q=frieren", map[string]string{
		"User-Agent": "Mozilla/5.0",
		"Cookie":     "session=abc",
		"Referer":    "https://nyaa.si/",
		"Origin":     "https://nyaa.si",
		"Connection": "close",
	}), strings.NewReader("q=1"))
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := serveProxy(req)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/search", got.URL.Path)
	assert.Equal(t, "frieren", got.URL.Query().Get("q"))
	assert.Equal(t, "Mozilla/5.0", got.Header.Get("User-Agent"))
	assert.Equal(t, "session=abc", got.Header.Get("Cookie"))
	assert.Equal(t, "https://nyaa.si/", got.Header.Get("Referer"))
	assert.Equal(t, "https://nyaa.si", got.Header.Get("Origin"))
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))
	assert.Equal(t, "q=1", gotBody)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "<html>ok</html>", rec.Body.String())
}

func TestProxyRejections(t *testing.T) {
	tests := []struct {
		name   string
		target string
		remote string
		status int
	}{
		{name: "remote_client", target: proxyTarget("http://example.com", nil), remote: "203.0.113.7:5000", status: http.StatusForbidden},
		{name: "missing_url", target: "/proxy", remote: "127.0.0.1:5000", status: http.StatusBadRequest},
		{name: "relative_url", target: proxyTarget("/etc/passwd", nil), remote: "127.0.0.1:5000", status: http.StatusBadRequest},
		{name: "file_scheme", target: proxyTarget("file:///etc/passwd", nil), remote: "[::1]:5000", status: http.StatusBadRequest},
		{name: "bad_headers", target: "/proxy?url=http%3A%2F%2Fexample.com&headers=%5B1%5D", remote: "127.0.0.1:5000", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.RemoteAddr = tt.remote
			rec := serveProxy(req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	req := httptest.NewRequest(http.MethodGet, proxyTarget(target, nil), nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := serveProxy(req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxyHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/proxy/health", nil)
	rec := serveProxy(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
