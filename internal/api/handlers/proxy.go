// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const proxyTimeout = 60 * time.Second

// hopHeaders are connection scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHandler forwards extension requests with headers a script cannot set itself, such as
// User-Agent, Cookie and Referer. It only serves loopback clients.
type ProxyHandler struct {
	client *http.Client
	logger zerolog.Logger
}

func NewProxyHandler(client *http.Client) *ProxyHandler {
	if client == nil {
		client = &http.Client{Timeout: proxyTimeout}
	}
	return &ProxyHandler{
		client: client,
		logger: log.Logger.With().Str("module", "proxy").Logger(),
	}
}

func (h *ProxyHandler) Routes(r chi.Router) {
	r.Get("/proxy/health", h.Health)
	r.HandleFunc("/proxy", h.Proxy)
}

func (h *ProxyHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *ProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		RespondError(w, http.StatusForbidden, "Proxy is only available to local clients")
		return
	}

	target, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		RespondError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	headers := map[string]string{}
	if raw := r.URL.Query().Get("headers"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			RespondError(w, http.StatusBadRequest, "headers must be a JSON object of strings")
			return
		}
	}

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid upstream request")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		out.Header.Set("Content-Type", ct)
	}
	for k, v := range headers {
		if strings.EqualFold(k, "host") {
			out.Host = v
			continue
		}
		out.Header.Set(k, v)
	}
	removeHopHeaders(out.Header)

	resp, err := h.client.Do(out)
	if err != nil {
		h.logger.Debug().Err(err).Str("url", target.Redacted()).Msg("upstream request failed")
		RespondError(w, http.StatusBadGateway, "Upstream request failed")
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	removeHopHeaders(w.Header())
	// the compression middleware may re-encode the body
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug().Err(err).Str("url", target.Redacted()).Msg("copy upstream response")
	}
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
