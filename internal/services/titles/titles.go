// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package titles builds the search title variants sent to extensions and normalizes
// result names.
package titles

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/autobrr/tsuki/internal/services/anilist"
)

const minTitleLength = 4

var (
	ordinalSeasonPattern = regexp.MustCompile(`(?i)(\d)(?:nd|rd|th) Season`)
	seasonPattern        = regexp.MustCompile(`(?i)Season (\d)`)

	videoExtPattern   = regexp.MustCompile(`(?i)\.(mkv|mp4|avi|m4v|webm|mov|wmv|flv|ts|m2ts|ogm|rmvb)$`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// CreateTitles returns every distinct title and synonym longer than three characters plus
// their search variants, in a stable order.
func CreateTitles(media *anilist.Media) []string {
	if media == nil {
		return nil
	}

	seen := make(map[string]struct{})
	grouped := make([]string, 0, 4+len(media.Synonyms))
	for _, name := range append(media.Title.Values(), media.Synonyms...) {
		name = norm.NFC.String(name)
		if utf8.RuneCountInString(name) < minTitleLength {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		grouped = append(grouped, name)
	}

	var titles []string
	for _, t := range grouped {
		if strings.Contains(t, "-") {
			titles = appendTitle(titles, strings.ReplaceAll(t, "-", " "))
		}
		if strings.Contains(t, "'") {
			titles = appendTitle(titles, strings.ReplaceAll(t, "'", ""))
		}
		stripped := strings.ReplaceAll(strings.ReplaceAll(t, "-", ""), `"`, "")
		titles = appendTitle(titles, stripped)
	}
	return titles
}

// appendTitle adds title and its abbreviated season forms: "2nd Season" and "Season 2"
// both become "S2". The two patterns are applied independently.
func appendTitle(titles []string, title string) []string {
	titles = append(titles, title)
	if short, ok := replaceFirst(ordinalSeasonPattern, title); ok {
		titles = append(titles, short)
	}
	if short, ok := replaceFirst(seasonPattern, title); ok {
		titles = append(titles, short)
	}
	return titles
}

func replaceFirst(re *regexp.Regexp, s string) (string, bool) {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s, false
	}
	return s[:loc[0]] + "S" + s[loc[2]:loc[3]] + s[loc[1]:], true
}

// CleanFileName normalizes a release name for display. It is idempotent.
func CleanFileName(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.TrimSpace(whitespacePattern.ReplaceAllString(name, " "))
	for {
		stripped := strings.TrimSpace(videoExtPattern.ReplaceAllString(name, ""))
		if stripped == name {
			return name
		}
		name = stripped
	}
}
