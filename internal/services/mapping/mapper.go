// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mapping

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/services/anilist"
)

// MappingProvider looks up the secondary catalog mapping of an AniList id.
type MappingProvider interface {
	Mapping(ctx context.Context, anilistID int) (*Mapping, error)
}

// AiringProvider looks up when an episode aired on AniList.
type AiringProvider interface {
	EpisodeDate(ctx context.Context, id, episode int) (time.Time, bool, error)
}

// parentRelations is the order in which sub-entries borrow a related mapping.
var parentRelations = []string{anilist.RelationParent, anilist.RelationPrequel, anilist.RelationSequel}

// Mapper cross references AniList media and episodes with AniDB through ani.zip.
type Mapper struct {
	mappings MappingProvider
	airing   AiringProvider
	logger   zerolog.Logger
}

func NewMapper(mappings MappingProvider, airing AiringProvider) *Mapper {
	return &Mapper{
		mappings: mappings,
		airing:   airing,
		logger:   log.Logger.With().Str("module", "mapping").Logger(),
	}
}

// Resolve returns the mapping for media. Specials, OVAs and ONAs without an AniDB id fall
// back to the mapping of their parent, prequel or sequel. A nil mapping means none exists.
func (m *Mapper) Resolve(ctx context.Context, media *anilist.Media) (*Mapping, error) {
	if media == nil {
		return nil, nil
	}

	mapping, err := m.mappings.Mapping(ctx, media.ID)
	if err != nil {
		return nil, err
	}
	if mapping != nil && mapping.Mappings.AnidbID != 0 {
		return mapping, nil
	}

	if !media.IsSubEntry() {
		return nil, nil
	}
	for _, rel := range parentRelations {
		if id, ok := media.RelatedAnime(rel); ok {
			m.logger.Debug().Int("media", media.ID).Int("related", id).Str("relation", rel).Msg("using related mapping")
			return m.mappings.Mapping(ctx, id)
		}
	}
	return nil, nil
}

// Episode maps an AniList episode number to the AniDB episode of mapping.
func (m *Mapper) Episode(ctx context.Context, media *anilist.Media, episode int, mapping *Mapping) (*Episode, bool) {
	if media == nil || mapping == nil || episode == 0 || len(mapping.Episodes) == 0 {
		return nil, false
	}

	direct, hasDirect := mapping.Episodes[strconv.Itoa(episode)]
	if mapping.SpecialCount == 0 || (media.Episodes > 0 && media.Episodes == mapping.EpisodeCount && hasDirect) {
		return directEpisode(direct, hasDirect)
	}

	logger := m.logger.With().Int("media", media.ID).Int("episode", episode).Logger()
	logger.Debug().Msg("episode count mismatch, matching by air date")

	date, ok := m.airDate(ctx, media, episode, logger)
	if !ok {
		return directEpisode(direct, hasDirect)
	}
	return EpisodeByAirDate(date, mapping.Episodes, episode)
}

func (m *Mapper) airDate(ctx context.Context, media *anilist.Media, episode int, logger zerolog.Logger) (time.Time, bool) {
	if date, ok := media.ScheduledAiring(episode); ok {
		return date, true
	}

	if m.airing != nil {
		date, ok, err := m.airing.EpisodeDate(ctx, media.ID, episode)
		if err != nil {
			logger.Debug().Err(err).Msg("failed to query episode air date")
		} else if ok {
			return date, true
		}
	}

	single := media.IsSingleEpisode()
	if !single && episode > 1 {
		return time.Time{}, false
	}
	if date, ok := media.StartDate.Time(); ok {
		return date, true
	}
	if single && episode <= 1 {
		if date, ok := media.EndDate.Time(); ok {
			return date, true
		}
	}
	logger.Debug().Msg("no date information available")
	return time.Time{}, false
}

func directEpisode(ep Episode, ok bool) (*Episode, bool) {
	if !ok {
		return nil, false
	}
	return &ep, true
}

// EpisodeByAirDate picks the episode whose air date is closest to date. Ties go to the
// closest episode number and then to the earlier candidate, numeric keys first.
func EpisodeByAirDate(date time.Time, episodes map[string]Episode, episode int) (*Episode, bool) {
	fallback := func() (*Episode, bool) {
		if ep, ok := episodes[strconv.Itoa(episode)]; ok {
			return &ep, true
		}
		ep, ok := episodes["1"]
		return directEpisode(ep, ok)
	}
	if date.IsZero() {
		return fallback()
	}

	var (
		closest  []Episode
		bestDist time.Duration
	)
	for _, key := range orderedKeys(episodes) {
		ep := episodes[key]
		aired, ok := ep.Aired()
		if !ok {
			continue
		}
		dist := absDuration(aired.Sub(date))
		switch {
		case len(closest) == 0 || dist < bestDist:
			closest = []Episode{ep}
			bestDist = dist
		case dist == bestDist:
			closest = append(closest, ep)
		}
	}
	if len(closest) == 0 {
		return fallback()
	}

	best := closest[0]
	for _, ep := range closest[1:] {
		if absInt(ep.EpisodeNumber-episode) < absInt(best.EpisodeNumber-episode) {
			best = ep
		}
	}
	return &best, true
}

// orderedKeys returns numeric keys ascending followed by the rest lexicographically.
func orderedKeys(episodes map[string]Episode) []string {
	keys := make([]string, 0, len(episodes))
	for k := range episodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
