// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/extensions/loader"
	"github.com/autobrr/tsuki/internal/extensions/registry"
	"github.com/autobrr/tsuki/internal/extensions/sandbox"
	"github.com/autobrr/tsuki/internal/models"
)

// ExtensionRegistry is the part of the registry the HTTP API manages.
type ExtensionRegistry interface {
	Statuses(ctx context.Context) ([]registry.Status, error)
	AddExtension(ctx context.Context, manifestURL string) (string, error)
	RemoveExtension(ctx context.Context, key string) error
	ToggleExtension(ctx context.Context, key string, enabled bool) error
	SetDefault(ctx context.Context, key string) error
	UnsetDefault(ctx context.Context) error
	SetStar(ctx context.Context, key string) error
	UnsetStar(ctx context.Context) error
	Validate(ctx context.Context, key string) (json.RawMessage, error)
	CheckUpdate(ctx context.Context, key string) (*registry.UpdateInfo, error)
	CallDefault(ctx context.Context, function string, args ...any) (json.RawMessage, error)
	CallAll(ctx context.Context, function string, args ...any) ([]registry.CallResult, error)
}

type ExtensionsHandler struct {
	registry ExtensionRegistry
}

func NewExtensionsHandler(reg ExtensionRegistry) *ExtensionsHandler {
	return &ExtensionsHandler{registry: reg}
}

func (h *ExtensionsHandler) Routes(r chi.Router) {
	r.Route("/extensions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Add)

		r.Post("/validate", h.ValidateAll)

		r.Put("/default", h.SetDefault)
		r.Delete("/default", h.UnsetDefault)
		r.Post("/default/validate", h.ValidateDefault)
		r.Put("/starred", h.SetStarred)
		r.Delete("/starred", h.UnsetStarred)

		r.Route("/{key}", func(r chi.Router) {
			r.Delete("/", h.Remove)
			r.Put("/enabled", h.SetEnabled)
			r.Post("/validate", h.Validate)
			r.Get("/update", h.CheckUpdate)
		})
	})
}

type addExtensionRequest struct {
	URL string `json:"url"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

type slotRequest struct {
	Key string `json:"key"`
}

func (h *ExtensionsHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.registry.Statuses(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list extensions")
		RespondError(w, http.StatusInternalServerError, "Failed to list extensions")
		return
	}
	RespondJSON(w, http.StatusOK, statuses)
}

func (h *ExtensionsHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addExtensionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	manifestURL := strings.TrimSpace(req.URL)
	if manifestURL == "" {
		RespondError(w, http.StatusBadRequest, "Manifest URL is required")
		return
	}

	key, err := h.registry.AddExtension(r.Context(), manifestURL)
	if err != nil {
		h.respondLoadError(w, err, manifestURL)
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (h *ExtensionsHandler) respondLoadError(w http.ResponseWriter, err error, manifestURL string) {
	log.Warn().Err(err).Str("url", manifestURL).Msg("failed to add extension")

	var timeoutErr *sandbox.TimeoutError
	var execErr *sandbox.ExecutionError
	switch {
	case errors.Is(err, loader.ErrInvalidManifest):
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, &loader.ManifestFetchError{}), errors.Is(err, &loader.ScriptFetchError{}):
		RespondError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &timeoutErr), errors.As(err, &execErr):
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, "Failed to add extension")
	}
}

func (h *ExtensionsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.registry.RemoveExtension(r.Context(), key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to remove extension")
		RespondError(w, http.StatusInternalServerError, "Failed to remove extension")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ExtensionsHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.registry.ToggleExtension(r.Context(), key, req.Enabled); err != nil {
		log.Error().Err(err).Str("key", key).Bool("enabled", req.Enabled).Msg("failed to toggle extension")
		RespondError(w, http.StatusInternalServerError, "Failed to update extension")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ExtensionsHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	h.setSlot(w, r, models.SlotDefault, h.registry.SetDefault)
}

func (h *ExtensionsHandler) UnsetDefault(w http.ResponseWriter, r *http.Request) {
	h.clearSlot(w, r, models.SlotDefault, h.registry.UnsetDefault)
}

func (h *ExtensionsHandler) SetStarred(w http.ResponseWriter, r *http.Request) {
	h.setSlot(w, r, models.SlotStarred, h.registry.SetStar)
}

func (h *ExtensionsHandler) UnsetStarred(w http.ResponseWriter, r *http.Request) {
	h.clearSlot(w, r, models.SlotStarred, h.registry.UnsetStar)
}

func (h *ExtensionsHandler) setSlot(w http.ResponseWriter, r *http.Request, slot string, set func(context.Context, string) error) {
	var req slotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		RespondError(w, http.StatusBadRequest, "Extension key is required")
		return
	}

	if err := set(r.Context(), key); err != nil {
		log.Error().Err(err).Str("slot", slot).Str("key", key).Msg("failed to set extension slot")
		RespondError(w, http.StatusInternalServerError, "Failed to update "+slot)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ExtensionsHandler) clearSlot(w http.ResponseWriter, r *http.Request, slot string, clear func(context.Context) error) {
	if err := clear(r.Context()); err != nil {
		log.Error().Err(err).Str("slot", slot).Msg("failed to clear extension slot")
		RespondError(w, http.StatusInternalServerError, "Failed to clear "+slot)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Validate runs the extension's own self-check and returns whatever it reports.
func (h *ExtensionsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	result, err := h.registry.Validate(r.Context(), key)
	if err != nil {
		respondCallError(w, key, err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *ExtensionsHandler) ValidateDefault(w http.ResponseWriter, r *http.Request) {
	result, err := h.registry.CallDefault(r.Context(), "validate")
	if err != nil {
		if errors.Is(err, registry.ErrNoDefault) {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondCallError(w, "default", err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// ValidateAll runs the self-check of every enabled extension. Extensions that failed the
// check are left out of the response.
func (h *ExtensionsHandler) ValidateAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.registry.CallAll(r.Context(), "validate")
	if err != nil {
		log.Error().Err(err).Msg("failed to validate extensions")
		RespondError(w, http.StatusInternalServerError, "Failed to validate extensions")
		return
	}

	RespondJSON(w, http.StatusOK, results)
}

func respondCallError(w http.ResponseWriter, key string, err error) {
	var timeoutErr *sandbox.TimeoutError
	var execErr *sandbox.ExecutionError
	var unsupported *registry.UnsupportedError
	switch {
	case errors.Is(err, registry.ErrNotLoaded):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unsupported):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &timeoutErr):
		RespondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &execErr):
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Str("key", key).Msg("failed to validate extension")
		RespondError(w, http.StatusInternalServerError, "Failed to validate extension")
	}
}

func (h *ExtensionsHandler) CheckUpdate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	info, err := h.registry.CheckUpdate(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrExtensionNotFound):
			RespondError(w, http.StatusNotFound, "Extension not found")
		case errors.Is(err, &loader.ManifestFetchError{}):
			RespondError(w, http.StatusBadGateway, err.Error())
		default:
			log.Error().Err(err).Str("key", key).Msg("failed to check extension update")
			RespondError(w, http.StatusInternalServerError, "Failed to check for updates")
		}
		return
	}

	RespondJSON(w, http.StatusOK, info)
}
