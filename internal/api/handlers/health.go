// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
)

type HealthHandler struct {
	version string
	ready   <-chan struct{}
}

// NewHealthHandler reports readiness once ready is closed. A nil channel is always ready.
func NewHealthHandler(version string, ready <-chan struct{}) *HealthHandler {
	return &HealthHandler{version: version, ready: ready}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleReady fails until every persisted extension has had a load attempt.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		select {
		case <-h.ready:
		default:
			RespondError(w, http.StatusServiceUnavailable, "Extensions are still loading")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
