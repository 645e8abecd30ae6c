// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestDedupe(t *testing.T) {
	earlier := testNow.Add(-time.Hour)

	tests := []struct {
		name     string
		input    []Result
		expected []Result
	}{
		{
			name:     "empty",
			input:    nil,
			expected: []Result{},
		},
		{
			name:  "bogus_peer_counts_zeroed",
			input: []Result{{Hash: "h", Seeders: 50000, Leechers: 10, Date: earlier}},
			expected: []Result{
				{Hash: "h", Seeders: 0, Leechers: 10, Date: earlier},
			},
		},
		{
			name: "later_title_wins_and_empty_fields_fill",
			input: []Result{
				{Hash: "h", Title: "A", Seeders: 0, Date: earlier},
				{Hash: "h", Title: "B", Seeders: 5, Size: 100, Accuracy: "high"},
			},
			expected: []Result{
				{Hash: "h", Title: "B", Seeders: 5, Size: 100, Accuracy: "high", Date: earlier},
			},
		},
		{
			name: "populated_fields_are_kept",
			input: []Result{
				{Hash: "h", Title: "A", Link: "l1", Seeders: 3, Leechers: 2, Downloads: 9, Size: 10, Accuracy: "low", Type: "alt", Date: earlier},
				{Hash: "h", Title: "B", Link: "l2", Seeders: 7, Leechers: 8, Downloads: 1, Size: 20, Accuracy: "high", Type: "best"},
			},
			expected: []Result{
				{Hash: "h", Title: "B", Link: "l2", Seeders: 3, Leechers: 2, Downloads: 9, Size: 10, Accuracy: "low", Type: "alt", Date: earlier},
			},
		},
		{
			name: "duplicate_bogus_counts_do_not_fill",
			input: []Result{
				{Hash: "h", Date: earlier},
				{Hash: "h", Seeders: 40000, Leechers: 30000},
			},
			expected: []Result{{Hash: "h", Date: earlier}},
		},
		{
			name: "managed_canonical_keeps_title_and_link",
			input: []Result{
				{Hash: "h", Title: "Managed", Link: "m", Date: earlier, Source: &ResultSource{Managed: true}},
				{Hash: "h", Title: "Other", Link: "o", Seeders: 4, ID: json.RawMessage(`12`)},
			},
			expected: []Result{
				{Hash: "h", Title: "Managed", Link: "m", Seeders: 4, ID: json.RawMessage(`12`), Date: earlier, Source: &ResultSource{Managed: true}},
			},
		},
		{
			name: "null_id_does_not_overwrite",
			input: []Result{
				{Hash: "h", ID: json.RawMessage(`1`), Date: earlier},
				{Hash: "h", ID: json.RawMessage(`null`)},
			},
			expected: []Result{{Hash: "h", ID: json.RawMessage(`1`), Date: earlier}},
		},
		{
			name: "missing_date_and_title_cleaning",
			input: []Result{
				{Hash: "a", Title: "Show_Name_-_01.mkv"},
				{Hash: "b", Title: "Other", Date: earlier},
			},
			expected: []Result{
				{Hash: "a", Title: "Show Name - 01", Date: testNow.Add(-time.Second)},
				{Hash: "b", Title: "Other", Date: earlier},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Dedupe(tt.input, testNow))
		})
	}
}

func TestDedupeProperties(t *testing.T) {
	input := []Result{
		{Hash: "a", Title: "[Grp] Show - 01.mkv", Seeders: 30000, Leechers: 4},
		{Hash: "b", Title: "Show_02", Seeders: 8},
		{Hash: "a", Title: "Show - 01 v2.mp4", Seeders: 12, Downloads: 3},
		{Hash: "c", Title: "Show 03"},
		{Hash: "b", Title: "Show 02 again", Leechers: 99999},
	}

	once := Dedupe(input, testNow)
	twice := Dedupe(once, testNow.Add(time.Hour))
	assert.Equal(t, once, twice, "dedupe is idempotent")

	seen := map[string]bool{}
	for _, r := range once {
		assert.False(t, seen[r.Hash], "hash %s appears twice", r.Hash)
		seen[r.Hash] = true
		assert.Less(t, r.Seeders, bogusPeerCount)
		assert.Less(t, r.Leechers, bogusPeerCount)
	}
	assert.Len(t, once, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{once[0].Hash, once[1].Hash, once[2].Hash})
	assert.Equal(t, 12, once[0].Seeders)
	assert.Equal(t, "Show - 01 v2", once[0].Title)
}

func TestDecodeResponse(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		raw := json.RawMessage(`{
			"results": [
				{"title": "A", "hash": "h1", "seeders": 3.0, "size": 1610612736.5, "date": "2025-01-02T03:04:05.000Z"},
				{"title": "no hash"},
				"garbage"
			],
			"errors": [{"message": "boom"}]
		}`)
		results, errs, dropped, err := decodeResponse(raw)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 2, dropped)
		assert.Len(t, errs, 1)
		assert.Equal(t, "h1", results[0].Hash)
		assert.Equal(t, 3, results[0].Seeders)
		assert.Equal(t, int64(1610612736), results[0].Size)
		assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), results[0].Date)
	})

	t.Run("bare_array_with_magnet_hash", func(t *testing.T) {
		raw := json.RawMessage(`[{"title": "A", "link": "magnet:?xt=urn:btih:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA&dn=x", "date": 1735787045000}]`)
		results, errs, dropped, err := decodeResponse(raw)
		require.NoError(t, err)
		assert.Empty(t, errs)
		assert.Zero(t, dropped)
		require.Len(t, results, 1)
		assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", results[0].Hash)
		assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), results[0].Date)
	})

	t.Run("null", func(t *testing.T) {
		results, errs, _, err := decodeResponse(json.RawMessage(`null`))
		require.NoError(t, err)
		assert.Nil(t, results)
		assert.Nil(t, errs)
	})

	t.Run("malformed", func(t *testing.T) {
		_, _, _, err := decodeResponse(json.RawMessage(`{"results": 5}`))
		require.Error(t, err)
	})
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		raw      string
		expected time.Time
	}{
		{raw: `"Thu, 02 Jan 2025 03:04:05 GMT"`, expected: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{raw: `"2025-01-02"`, expected: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{raw: `"yesterday"`},
		{raw: `0`},
		{raw: `null`},
		{raw: ``},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := parseDate(json.RawMessage(tt.raw))
			assert.True(t, tt.expected.Equal(got), "got %s", got)
		})
	}
}

func TestScriptErrors(t *testing.T) {
	benign := []json.RawMessage{json.RawMessage(`{"message":"No anidbEid provided"}`), json.RawMessage(`"no anidbaid provided"`)}
	assert.True(t, isBenign(benign))

	mixed := append(benign, json.RawMessage(`{"message":"rate limited"}`))
	assert.False(t, isBenign(mixed))

	err := summarize("nyaa-1.0.0", []json.RawMessage{
		json.RawMessage(`{"message":"first \"quoted\" error"}`),
		json.RawMessage(`{"code":42}`),
	})
	assert.Equal(t, "first quoted error\n{code:42}", err.Error())
	assert.ErrorIs(t, err, &SourceQueryError{})

	assert.Equal(t, "Unknown error", summarize("k", []json.RawMessage{json.RawMessage(`""`)}).Error())
}

func TestResultFilter(t *testing.T) {
	f, err := compileFilter("seeders > 0 && accuracy != 'low'")
	require.NoError(t, err)

	results := []Result{
		{Hash: "a", Seeders: 5, Accuracy: "high"},
		{Hash: "b", Seeders: 0, Accuracy: "high"},
		{Hash: "c", Seeders: 5, Accuracy: "low"},
	}
	kept, failures := f.apply("k", results)
	assert.Zero(t, failures)
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].Hash)
	assert.Len(t, results, 3, "input is not modified")

	none, err := compileFilter("  ")
	require.NoError(t, err)
	assert.Nil(t, none)
	kept, _ = none.apply("k", results)
	assert.Len(t, kept, 3)

	_, err = compileFilter("seeders >")
	require.Error(t, err)

	_, err = compileFilter("title")
	require.Error(t, err, "non boolean expressions are rejected")
}
