// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/services/anilist"
	"github.com/autobrr/tsuki/internal/services/sources"
)

const searchTimeout = 5 * time.Minute

type MediaLookup interface {
	Media(ctx context.Context, id int) (*anilist.Media, error)
}

type Searcher interface {
	Search(ctx context.Context, req sources.Request) (map[string]sources.Resolved, error)
}

type SearchHandler struct {
	media    MediaLookup
	searcher Searcher
}

func NewSearchHandler(media MediaLookup, searcher Searcher) *SearchHandler {
	return &SearchHandler{media: media, searcher: searcher}
}

// SearchRequest selects what to look for. Media, when present, is used as is and skips
// the catalog lookup of AniListID.
type SearchRequest struct {
	AniListID  int            `json:"anilistId"`
	Media      *anilist.Media `json:"media,omitempty"`
	Episode    int            `json:"episode"`
	Batch      bool           `json:"batch"`
	Movie      bool           `json:"movie"`
	Resolution string         `json:"resolution"`
}

// Search queries every configured source and waits for all of them. Sources that fail are
// reported in their own entry and never fail the request.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to decode search request")
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Media == nil && req.AniListID <= 0 {
		RespondError(w, http.StatusBadRequest, "anilistId or media is required")
		return
	}
	if req.Episode < 0 {
		RespondError(w, http.StatusBadRequest, "episode must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()

	media := req.Media
	if media == nil {
		m, err := h.media.Media(ctx, req.AniListID)
		if err != nil {
			if errors.Is(err, anilist.ErrMediaNotFound) {
				RespondError(w, http.StatusNotFound, "Media not found")
				return
			}
			log.Error().Err(err).Int("anilistId", req.AniListID).Msg("Failed to look up media")
			RespondError(w, http.StatusBadGateway, "Failed to look up media")
			return
		}
		media = m
	}

	results, err := h.searcher.Search(ctx, sources.Request{
		Media:      media,
		Episode:    req.Episode,
		Batch:      req.Batch,
		Movie:      req.Movie,
		Resolution: strings.TrimSpace(req.Resolution),
	})
	if err != nil {
		switch {
		case errors.Is(err, sources.ErrNoMedia):
			RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			log.Error().Int("anilistId", media.ID).Msg("Search timed out")
			RespondError(w, http.StatusGatewayTimeout, "Search timed out")
		case errors.Is(err, context.Canceled):
			// client went away
		default:
			log.Error().Err(err).Int("anilistId", media.ID).Msg("Failed to search sources")
			RespondError(w, http.StatusInternalServerError, "Failed to search")
		}
		return
	}

	RespondJSON(w, http.StatusOK, results)
}
