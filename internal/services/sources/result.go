// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/autobrr/tsuki/internal/services/titles"
)

// bogusPeerCount and above are sentinel values some indexers report for unknown counts.
const bogusPeerCount = 30000

type ResultSource struct {
	Managed bool `json:"managed"`
}

// Result is one torrent returned by an extension. Hash identifies the content.
type Result struct {
	Title       string          `json:"title"`
	Link        string          `json:"link"`
	ID          json.RawMessage `json:"id,omitempty"`
	Hash        string          `json:"hash"`
	Seeders     int             `json:"seeders"`
	Leechers    int             `json:"leechers"`
	Downloads   int             `json:"downloads"`
	Size        int64           `json:"size"`
	Date        time.Time       `json:"date"`
	Accuracy    string          `json:"accuracy,omitempty"`
	Type        string          `json:"type,omitempty"`
	ParseObject *ParseObject    `json:"parseObject,omitempty"`
	Source      *ResultSource   `json:"source,omitempty"`
}

func (r *Result) hasID() bool {
	return len(r.ID) > 0 && !bytes.Equal(r.ID, []byte("null"))
}

// SourceError is an error reported by a source, in the shape the UI renders.
type SourceError struct {
	Message string `json:"message"`
}

// Outcome is what a source resolves to. A failed source has no results and one error.
type Outcome struct {
	Results []Result      `json:"results"`
	Errors  []SourceError `json:"errors"`
}

func failed(message string) Outcome {
	return Outcome{Results: []Result{}, Errors: []SourceError{{Message: message}}}
}

// scriptResult is the loosely typed result as scripts produce it. Numbers may be fractional
// and dates may be strings or epoch milliseconds.
type scriptResult struct {
	Title     string          `json:"title"`
	Link      string          `json:"link"`
	ID        json.RawMessage `json:"id"`
	Hash      string          `json:"hash"`
	Seeders   float64         `json:"seeders"`
	Leechers  float64         `json:"leechers"`
	Downloads float64         `json:"downloads"`
	Size      float64         `json:"size"`
	Date      json.RawMessage `json:"date"`
	Accuracy  string          `json:"accuracy"`
	Type      string          `json:"type"`
	Source    *ResultSource   `json:"source"`
}

type scriptResponse struct {
	Results []json.RawMessage `json:"results"`
	Errors  []json.RawMessage `json:"errors"`
}

// decodeResponse accepts {results, errors} or a bare result array. Results that cannot be
// decoded or identified are dropped.
func decodeResponse(raw json.RawMessage) ([]Result, []json.RawMessage, int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, 0, nil
	}

	var resp scriptResponse
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &resp.Results); err != nil {
			return nil, nil, 0, errors.Wrap(err, "decode results")
		}
	} else if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, 0, errors.Wrap(err, "decode results")
	}

	dropped := 0
	results := make([]Result, 0, len(resp.Results))
	for _, item := range resp.Results {
		var sr scriptResult
		if err := json.Unmarshal(item, &sr); err != nil {
			dropped++
			continue
		}
		r := sr.result()
		if r.Hash == "" {
			dropped++
			continue
		}
		results = append(results, r)
	}
	return results, resp.Errors, dropped, nil
}

func (sr scriptResult) result() Result {
	r := Result{
		Title:     sr.Title,
		Link:      sr.Link,
		ID:        sr.ID,
		Hash:      strings.TrimSpace(sr.Hash),
		Seeders:   int(sr.Seeders),
		Leechers:  int(sr.Leechers),
		Downloads: int(sr.Downloads),
		Size:      int64(sr.Size),
		Date:      parseDate(sr.Date),
		Accuracy:  sr.Accuracy,
		Type:      sr.Type,
		Source:    sr.Source,
	}
	if r.Hash == "" {
		r.Hash = hashFromLink(r.Link)
	}
	return r
}

func hashFromLink(link string) string {
	if !strings.HasPrefix(link, "magnet:") {
		return ""
	}
	m, err := metainfo.ParseMagnetUri(link)
	if err != nil {
		return ""
	}
	return m.InfoHash.HexString()
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123,
	time.RFC1123Z,
	time.DateTime,
	time.DateOnly,
}

// parseDate returns the zero time for missing or unparsable dates.
func parseDate(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(int64(ms)).UTC()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func clampPeers(n int) int {
	if n >= bogusPeerCount {
		return 0
	}
	return n
}

// Dedupe merges results sharing a hash. The first occurrence is canonical. Later duplicates
// overwrite title, link and id and fill every other field the canonical entry left empty.
// A canonical entry from a managed source keeps its title and link. Titles are cleaned,
// sentinel peer counts are zeroed and a missing date becomes now minus one second.
func Dedupe(entries []Result, now time.Time) []Result {
	index := make(map[string]int, len(entries))
	out := make([]Result, 0, len(entries))

	for _, entry := range entries {
		i, ok := index[entry.Hash]
		if !ok {
			entry.Title = titles.CleanFileName(entry.Title)
			entry.Seeders = clampPeers(entry.Seeders)
			entry.Leechers = clampPeers(entry.Leechers)
			if entry.Date.IsZero() {
				entry.Date = now.Add(-time.Second).UTC()
			}
			index[entry.Hash] = len(out)
			out = append(out, entry)
			continue
		}

		dupe := &out[i]
		if dupe.Source == nil || !dupe.Source.Managed {
			dupe.Title = titles.CleanFileName(entry.Title)
			dupe.Link = entry.Link
		}
		if entry.hasID() {
			dupe.ID = entry.ID
		}
		if dupe.Seeders == 0 {
			dupe.Seeders = clampPeers(entry.Seeders)
		}
		if dupe.Leechers == 0 {
			dupe.Leechers = clampPeers(entry.Leechers)
		}
		if dupe.Downloads == 0 {
			dupe.Downloads = entry.Downloads
		}
		if dupe.Size == 0 {
			dupe.Size = entry.Size
		}
		if dupe.Accuracy == "" {
			dupe.Accuracy = entry.Accuracy
		}
		if dupe.Type == "" {
			dupe.Type = entry.Type
		}
		if dupe.ParseObject == nil {
			dupe.ParseObject = entry.ParseObject
		}
		if dupe.Source == nil {
			dupe.Source = entry.Source
		}
	}
	return out
}

func cloneResults(entries []Result) []Result {
	if entries == nil {
		return nil
	}
	out := make([]Result, len(entries))
	copy(out, entries)
	return out
}
