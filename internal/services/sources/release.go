// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/moistari/rls"
)

// ParseObject is the parsed breakdown of a result title.
type ParseObject struct {
	Title      string   `json:"anime_title,omitempty"`
	Year       int      `json:"anime_year,omitempty"`
	Season     int      `json:"anime_season,omitempty"`
	Episode    int      `json:"episode_number,omitempty"`
	Group      string   `json:"release_group,omitempty"`
	Resolution string   `json:"video_resolution,omitempty"`
	Source     string   `json:"source,omitempty"`
	Codec      []string `json:"video_term,omitempty"`
	Audio      []string `json:"audio_term,omitempty"`
	Language   []string `json:"language,omitempty"`
	Version    string   `json:"release_version,omitempty"`
	Container  string   `json:"file_extension,omitempty"`
	Type       string   `json:"release_type,omitempty"`
}

const releaseCacheTTL = 5 * time.Minute

// releaseParser caches rls parses; the same titles come back from every source and query.
type releaseParser struct {
	cache *ttlcache.Cache[string, rls.Release]
}

func newReleaseParser() *releaseParser {
	return &releaseParser{
		cache: ttlcache.New(ttlcache.Options[string, rls.Release]{}.SetDefaultTTL(releaseCacheTTL)),
	}
}

func (p *releaseParser) parse(name string) rls.Release {
	if cached, ok := p.cache.Get(name); ok {
		return cached
	}
	release := rls.ParseString(name)
	p.cache.Set(name, release, ttlcache.DefaultTTL)
	return release
}

// ParseAll returns one parse object per title, in order.
func (p *releaseParser) ParseAll(names []string) []*ParseObject {
	out := make([]*ParseObject, len(names))
	for i, name := range names {
		r := p.parse(name)
		out[i] = &ParseObject{
			Title:      r.Title,
			Year:       r.Year,
			Season:     r.Series,
			Episode:    r.Episode,
			Group:      r.Group,
			Resolution: r.Resolution,
			Source:     r.Source,
			Codec:      r.Codec,
			Audio:      r.Audio,
			Language:   r.Language,
			Version:    r.Version,
			Container:  r.Container,
			Type:       r.Type.String(),
		}
	}
	return out
}
