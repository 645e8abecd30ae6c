// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package anilist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL,
		WithHTTPClient(srv.Client()),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetry(3, time.Millisecond),
	)
}

func TestMedia(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "Media(id: $id")
		assert.EqualValues(t, 21, req.Variables["id"])
		_, _ = w.Write([]byte(`{"data":{"Media":{"id":21,"format":"TV","episodes":0,
			"title":{"romaji":"One Piece","english":"One Piece"},
			"nextAiringEpisode":{"episode":1100,"airingAt":1700000000},
			"relations":{"edges":[{"relationType":"SIDE_STORY","node":{"id":5,"type":"ANIME"}}]}}}}`))
	})

	media, err := client.Media(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 21, media.ID)
	assert.Equal(t, []string{"One Piece", "One Piece"}, media.Title.Values())
	assert.Equal(t, 1099, MaxEpisode(media))
}

func TestMediaNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"data":{"Media":null},"errors":[{"message":"Not Found.","status":404}]}`))
	})

	_, err := client.Media(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMediaNotFound)
}

func TestEpisodeDate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Variables["ep"].(float64) == 3 {
			_, _ = w.Write([]byte(`{"data":{"AiringSchedule":{"airingAt":1696000000}}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"data":{"AiringSchedule":null},"errors":[{"message":"Not Found.","status":404}]}`))
	})

	date, ok, err := client.EpisodeDate(context.Background(), 10, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Unix(1696000000, 0).UTC(), date)

	_, ok, err = client.EpisodeDate(context.Background(), 10, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"Media":{"id":7}}}`))
	})

	media, err := client.Media(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, media.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Media(context.Background(), 7)
	assert.ErrorIs(t, err, &StatusError{})
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "tsuki/"))
		_, _ = w.Write([]byte(`{"data":{"Media":{"id":1}}}`))
	})
	WithToken(" secret ")(client)

	_, err := client.Media(context.Background(), 1)
	require.NoError(t, err)
}

func TestMaxEpisode(t *testing.T) {
	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		media    *Media
		expected int
	}{
		{name: "nil", media: nil, expected: 0},
		{name: "stated", media: &Media{Episodes: 12}, expected: 12},
		{name: "next_airing", media: &Media{NextAiringEpisode: &NextAiringEpisode{Episode: 8}}, expected: 7},
		{name: "schedule", media: &Media{AiringSchedule: AiringSchedule{Nodes: []AiringNode{
			{Episode: 1, AiringAt: past}, {Episode: 2, AiringAt: past}, {Episode: 3, AiringAt: future},
		}}}, expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaxEpisode(tt.media))
		})
	}
}

func TestMediaHelpers(t *testing.T) {
	m := &Media{
		Format: FormatOVA,
		Relations: Relations{Edges: []RelationEdge{
			{RelationType: RelationSequel, Node: RelationNode{ID: 3, Type: TypeAnime}},
			{RelationType: RelationParent, Node: RelationNode{ID: 2, Type: "MANGA"}},
			{RelationType: RelationPrequel, Node: RelationNode{ID: 1, Type: TypeAnime}},
		}},
	}
	assert.True(t, m.IsSubEntry())
	assert.True(t, m.IsSingleEpisode())

	_, ok := m.RelatedAnime(RelationParent)
	assert.False(t, ok, "manga parents are ignored")
	id, ok := m.RelatedAnime(RelationPrequel)
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	start, ok := FuzzyDate{Year: 2023, Month: 9, Day: 29}.Time()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2023, 9, 29, 0, 0, 0, 0, time.UTC), start)
	_, ok = FuzzyDate{Year: 2023}.Time()
	assert.False(t, ok)
}
