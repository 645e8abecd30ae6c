// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package anilist

import "time"

// Media formats referenced by the mapping rules.
const (
	FormatTV      = "TV"
	FormatMovie   = "MOVIE"
	FormatSpecial = "SPECIAL"
	FormatOVA     = "OVA"
	FormatONA     = "ONA"
)

// Relation types and node types used when walking the relation graph.
const (
	RelationParent  = "PARENT"
	RelationPrequel = "PREQUEL"
	RelationSequel  = "SEQUEL"

	TypeAnime = "ANIME"
)

type Title struct {
	Romaji        string `json:"romaji,omitempty"`
	English       string `json:"english,omitempty"`
	Native        string `json:"native,omitempty"`
	UserPreferred string `json:"userPreferred,omitempty"`
}

// Values returns the non-empty title fields in a fixed order.
func (t Title) Values() []string {
	out := make([]string, 0, 4)
	for _, v := range []string{t.Romaji, t.English, t.Native, t.UserPreferred} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// FuzzyDate is AniList's partial date; missing parts are zero.
type FuzzyDate struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

// Time returns the date at UTC midnight when every part is set.
func (d FuzzyDate) Time() (time.Time, bool) {
	if d.Year == 0 || d.Month == 0 || d.Day == 0 {
		return time.Time{}, false
	}
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC), true
}

type AiringNode struct {
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
}

type AiringSchedule struct {
	Nodes []AiringNode `json:"nodes"`
}

type RelationNode struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

type RelationEdge struct {
	RelationType string       `json:"relationType"`
	Node         RelationNode `json:"node"`
}

type Relations struct {
	Edges []RelationEdge `json:"edges"`
}

type NextAiringEpisode struct {
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
}

// Media is the subset of an AniList media record the search pipeline reads.
type Media struct {
	ID                int                `json:"id"`
	Format            string             `json:"format,omitempty"`
	Episodes          int                `json:"episodes,omitempty"`
	IsAdult           bool               `json:"isAdult,omitempty"`
	Title             Title              `json:"title"`
	Synonyms          []string           `json:"synonyms,omitempty"`
	StartDate         FuzzyDate          `json:"startDate"`
	EndDate           FuzzyDate          `json:"endDate"`
	NextAiringEpisode *NextAiringEpisode `json:"nextAiringEpisode,omitempty"`
	AiringSchedule    AiringSchedule     `json:"airingSchedule"`
	Relations         Relations          `json:"relations"`
}

// ScheduledAiring returns the airing time of episode from the embedded schedule.
func (m *Media) ScheduledAiring(episode int) (time.Time, bool) {
	for _, node := range m.AiringSchedule.Nodes {
		if node.Episode == episode && node.AiringAt > 0 {
			return time.Unix(node.AiringAt, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// MaxEpisode is the best known episode count: the stated count, else the episode before the
// next airing one, else the highest aired episode in the schedule.
func MaxEpisode(m *Media) int {
	if m == nil {
		return 0
	}
	if m.Episodes > 0 {
		return m.Episodes
	}
	if m.NextAiringEpisode != nil && m.NextAiringEpisode.Episode > 0 {
		return m.NextAiringEpisode.Episode - 1
	}

	now := time.Now().Unix()
	highest := 0
	for _, node := range m.AiringSchedule.Nodes {
		if node.AiringAt <= now && node.Episode > highest {
			highest = node.Episode
		}
	}
	return highest
}

// RelatedAnime returns the id of the first ANIME relation of relationType.
func (m *Media) RelatedAnime(relationType string) (int, bool) {
	for _, edge := range m.Relations.Edges {
		if edge.Node.Type == TypeAnime && edge.RelationType == relationType {
			return edge.Node.ID, true
		}
	}
	return 0, false
}

// IsSubEntry reports whether the media is a special, OVA or ONA.
func (m *Media) IsSubEntry() bool {
	switch m.Format {
	case FormatSpecial, FormatOVA, FormatONA:
		return true
	}
	return false
}

// IsSingleEpisode matches titles with exactly one episode, or movies, OVAs and specials
// without a stated count.
func (m *Media) IsSingleEpisode() bool {
	if m.Episodes == 1 {
		return true
	}
	if m.Episodes != 0 {
		return false
	}
	switch m.Format {
	case FormatMovie, FormatOVA, FormatSpecial:
		return true
	}
	return false
}
