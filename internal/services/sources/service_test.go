// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/tsuki/internal/database"
	"github.com/autobrr/tsuki/internal/domain"
	"github.com/autobrr/tsuki/internal/extensions/registry"
	"github.com/autobrr/tsuki/internal/extensions/sandbox"
	"github.com/autobrr/tsuki/internal/models"
	"github.com/autobrr/tsuki/internal/services/anilist"
	"github.com/autobrr/tsuki/internal/services/mapping"
	"github.com/autobrr/tsuki/internal/services/scrape"
)

type memLoader struct {
	mu         sync.Mutex
	extensions map[string]*models.Extension
}

func (l *memLoader) add(url string, manifest models.Manifest, script string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extensions[url] = &models.Extension{Manifest: manifest, Script: script}
}

func (l *memLoader) Load(ctx context.Context, url string) (*models.Extension, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ext, ok := l.extensions[url]
	if !ok {
		return nil, errors.New("HTTP 404 fetching " + url)
	}
	return ext, nil
}

func (l *memLoader) FetchManifest(ctx context.Context, url string) (*models.Manifest, error) {
	ext, err := l.Load(ctx, url)
	if err != nil {
		return nil, err
	}
	m := ext.Manifest
	return &m, nil
}

type fakeMapper struct {
	anidbAid int
	anidbEid int
	err      error
}

func (m *fakeMapper) Resolve(ctx context.Context, media *anilist.Media) (*mapping.Mapping, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &mapping.Mapping{Mappings: mapping.Mappings{AnidbID: m.anidbAid}}, nil
}

func (m *fakeMapper) Episode(ctx context.Context, media *anilist.Media, episode int, mp *mapping.Mapping) (*mapping.Episode, bool) {
	if m.anidbEid == 0 {
		return nil, false
	}
	return &mapping.Episode{AnidbEid: m.anidbEid}, true
}

type harness struct {
	reg     *registry.Registry
	store   *models.ExtensionStore
	loader  *memLoader
	scraper *fakeScraper
	svc     *Service
}

func newHarness(t *testing.T, mapper EpisodeMapper, settings Settings) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := models.NewExtensionStore(db)
	loader := &memLoader{extensions: make(map[string]*models.Extension)}
	reg := registry.New(store, loader, sandbox.New(sandbox.WithTimeout(500*time.Millisecond)))
	require.NoError(t, reg.Start(ctx))

	scraper := &fakeScraper{counts: map[string]scrape.Result{}}
	peers := NewPeerCounter(scraper, nil)

	svc, err := NewService(reg, store, mapper, peers, WithSettings(settings), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	return &harness{reg: reg, store: store, loader: loader, scraper: scraper, svc: svc}
}

func (h *harness) add(t *testing.T, manifest models.Manifest, script string) string {
	t.Helper()
	url := "https://ext.test/" + manifest.SourceName + ".json"
	h.loader.add(url, manifest, script)
	key, err := h.reg.AddExtension(context.Background(), url)
	require.NoError(t, err)
	return key
}

func manifest(name string) models.Manifest {
	return models.Manifest{SourceName: name, Version: "1.0.0", ScriptURL: name + ".js", Name: name + " source", Icon: "https://ext.test/" + name + ".png"}
}

var exampleMedia = &anilist.Media{
	ID:       154587,
	Episodes: 28,
	Title:    anilist.Title{Romaji: "Example Anime"},
}

func collect(t *testing.T, pending map[string]*Pending) map[string]Resolved {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := Collect(ctx, pending)
	require.NoError(t, err)
	return out
}

const echoQueryScript = `
async function single(query, opts) {
  return {
    results: [{
      title: '[Grp] ' + query.titles[0] + ' - 0' + query.episode + ' (1080p).mkv',
      link: JSON.stringify({ query: query, opts: opts }),
      hash: '%s',
      seeders: 1,
      date: new Date(Date.UTC(2025, 0, 2))
    }],
    errors: []
  }
}
`

func TestAggregateTwoSources(t *testing.T) {
	h := newHarness(t, &fakeMapper{anidbAid: 17617, anidbEid: 271419}, Settings{AdultContent: domain.AdultContentNone, Exclusions: []string{"DTS"}})
	keyA := h.add(t, manifest("alpha"), fmt.Sprintf(echoQueryScript, "h1"))
	keyB := h.add(t, manifest("beta"), `
async function single(query) {
  return [
    { title: 'Beta_' + query.titles[0] + '.mp4', link: 'magnet:?xt=urn:btih:' + 'b'.repeat(40), hash: 'h2', seeders: 2 },
    { title: 'dupe', hash: 'h2', downloads: 9 }
  ]
}
`)
	h.scraper.set("h1", 50, 500, 5)
	h.scraper.set("h2", 60, 600, 6)

	pending, err := h.svc.Aggregate(context.Background(), Request{Media: exampleMedia, Episode: 5, Resolution: "1080"})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "alpha source", pending[keyA].Name)
	assert.Equal(t, "https://ext.test/alpha.png", pending[keyA].Icon)

	out := collect(t, pending)

	a := out[keyA]
	assert.Empty(t, a.Errors)
	require.Len(t, a.Results, 1)
	assert.Equal(t, "h1", a.Results[0].Hash)
	assert.Equal(t, "[Grp] Example Anime - 05 (1080p)", a.Results[0].Title)
	assert.Equal(t, 50, a.Results[0].Seeders)
	assert.Equal(t, 5, a.Results[0].Leechers)
	assert.Equal(t, 500, a.Results[0].Downloads)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), a.Results[0].Date)
	require.NotNil(t, a.Results[0].ParseObject)

	var echoed struct {
		Query Query        `json:"query"`
		Opts  QueryOptions `json:"opts"`
	}
	require.NoError(t, json.Unmarshal([]byte(a.Results[0].Link), &echoed))
	assert.Equal(t, Query{
		AnilistID:    154587,
		EpisodeCount: 28,
		Episode:      5,
		AnidbAid:     17617,
		AnidbEid:     271419,
		Titles:       []string{"Example Anime"},
		Resolution:   "1080",
		Exclusions:   []string{"DTS"},
	}, echoed.Query)
	assert.True(t, echoed.Opts.Online)

	b := out[keyB]
	assert.Empty(t, b.Errors)
	require.Len(t, b.Results, 1, "duplicates of one hash are merged")
	assert.Equal(t, "dupe", b.Results[0].Title)
	assert.Equal(t, 60, b.Results[0].Seeders)
	assert.Equal(t, 600, b.Results[0].Downloads)
	assert.Equal(t, testNow.Add(-time.Second), b.Results[0].Date)
}

func TestAggregateNoSources(t *testing.T) {
	tests := []struct {
		name    string
		offline bool
		message string
	}{
		{name: "online", message: "No torrent sources configured. Add sources in settings."},
		{name: "offline", offline: true, message: "Sources are inactive.. found no results."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, Settings{Offline: tt.offline})
			pending, err := h.svc.Aggregate(context.Background(), Request{Media: exampleMedia})
			require.NoError(t, err)
			require.Len(t, pending, 1)

			p := pending[NoSourcesKey]
			require.NotNil(t, p)
			assert.Equal(t, NoSourcesName, p.Name)
			select {
			case <-p.Done():
			default:
				t.Fatal("synthetic entry is already settled")
			}
			outcome, err := p.Wait(context.Background())
			require.NoError(t, err)
			assert.Empty(t, outcome.Results)
			assert.Equal(t, []SourceError{{Message: tt.message}}, outcome.Errors)
		})
	}
}

func TestAggregateSourceStates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Settings{AdultContent: domain.AdultContentNone})

	disabled := h.add(t, manifest("disabled"), fmt.Sprintf(echoQueryScript, "h1"))
	require.NoError(t, h.reg.ToggleExtension(ctx, disabled, false))

	nsfw := manifest("lewd")
	nsfw.NSFW = true
	nsfwKey := h.add(t, nsfw, fmt.Sprintf(echoQueryScript, "h2"))

	require.NoError(t, h.store.Upsert(ctx, "ghost-1.0.0", &models.ExtensionConfig{
		URL:      "https://ext.test/ghost.json",
		Enabled:  true,
		Manifest: manifest("ghost"),
	}))

	failing := h.add(t, manifest("failing"), `
async function single() { return { results: [], errors: [{ message: 'rate "limited"' }, 'second\\nline'] } }
`)
	benign := h.add(t, manifest("benign"), `
async function single() { return { results: [], errors: [{ message: 'No anidbEid provided' }] } }
`)
	throws := h.add(t, manifest("throws"), `
async function single() { throw new Error('boom') }
`)
	movieOnly := h.add(t, manifest("movieonly"), `
async function movie() { return [] }
`)

	pending, err := h.svc.Aggregate(ctx, Request{Media: exampleMedia, Episode: 1})
	require.NoError(t, err)
	assert.NotContains(t, pending, nsfwKey, "nsfw sources are skipped")

	out := collect(t, pending)
	message := func(key string) string {
		t.Helper()
		require.Contains(t, out, key)
		require.Len(t, out[key].Errors, 1)
		assert.Empty(t, out[key].Results)
		return out[key].Errors[0].Message
	}

	assert.Equal(t, "Extension is not enabled.. skipping...", message(disabled))
	assert.Equal(t, "Source ghost source is currently unavailable", message("ghost-1.0.0"))
	assert.Equal(t, "rate limited\nsecond line", message(failing))
	assert.Equal(t, "Source benign-1.0.0 found no results.", message(benign))
	assert.Contains(t, message(throws), "boom")
	assert.Contains(t, message(movieOnly), "does not support single")
}

func TestAggregateAllowsAdultSources(t *testing.T) {
	h := newHarness(t, nil, Settings{AdultContent: domain.AdultContentAll})
	nsfw := manifest("lewd")
	nsfw.NSFW = true
	key := h.add(t, nsfw, fmt.Sprintf(echoQueryScript, "h1"))

	pending, err := h.svc.Aggregate(context.Background(), Request{Media: exampleMedia, Episode: 1})
	require.NoError(t, err)
	assert.Contains(t, pending, key)
}

func TestAggregateIsolatesSlowSources(t *testing.T) {
	h := newHarness(t, &fakeMapper{err: errors.New("ani.zip down")}, Settings{})
	slow := h.add(t, manifest("slow"), `async function single() { while (true) {} }`)
	never := h.add(t, manifest("never"), `async function single() { return new Promise(() => {}) }`)
	fast := h.add(t, manifest("fast"), fmt.Sprintf(echoQueryScript, "h1"))

	start := time.Now()
	pending, err := h.svc.Aggregate(context.Background(), Request{Media: exampleMedia, Episode: 1})
	require.NoError(t, err)

	fastOutcome, err := pending[fast].Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, fastOutcome.Results, 1)

	out := collect(t, pending)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, out[slow].Errors, 1)
	assert.Contains(t, out[slow].Errors[0].Message, "timeout")
	require.Len(t, out[never].Errors, 1)
	assert.Empty(t, out[never].Results)
}

func TestAggregateBatchAndMovieDispatch(t *testing.T) {
	h := newHarness(t, nil, Settings{})
	key := h.add(t, manifest("kinds"), `
async function single() { return [{ title: 'single', hash: 's' }] }
async function batch(query) { return [{ title: 'batch ' + query.episodeCount, hash: 'b', type: 'batch' }] }
async function movie() { return [{ title: 'movie', hash: 'm' }] }
`)

	tests := []struct {
		name     string
		req      Request
		expected string
	}{
		{name: "single", req: Request{Media: exampleMedia, Episode: 1}, expected: "single"},
		{name: "batch", req: Request{Media: exampleMedia, Batch: true}, expected: "batch 28"},
		{name: "movie", req: Request{Media: exampleMedia, Movie: true, Batch: true}, expected: "movie"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.svc.Search(context.Background(), tt.req)
			require.NoError(t, err)
			require.Len(t, out[key].Results, 1)
			assert.Equal(t, tt.expected, out[key].Results[0].Title)
		})
	}
}

func TestAggregateResultFilterAndExternal(t *testing.T) {
	h := newHarness(t, nil, Settings{EnableExternal: true, Exclusions: []string{"HEVC"}, ResultFilter: "seeders >= 5"})
	key := h.add(t, manifest("mixed"), `
async function single(query) {
  return [
    { title: 'keep', hash: 'k', seeders: 5 },
    { title: 'drop', hash: 'd', seeders: 1, link: JSON.stringify(query.exclusions) }
  ]
}
`)
	out, err := h.svc.Search(context.Background(), Request{Media: exampleMedia, Episode: 1})
	require.NoError(t, err)
	require.Len(t, out[key].Results, 1)
	assert.Equal(t, "keep", out[key].Results[0].Title)

	q := h.svc.BuildQuery(context.Background(), Request{Media: exampleMedia})
	assert.Equal(t, []string{}, q.Exclusions, "external players get every result")

	err = h.svc.Configure(Settings{ResultFilter: "seeders >"})
	require.Error(t, err)
	out, err = h.svc.Search(context.Background(), Request{Media: exampleMedia, Episode: 1})
	require.NoError(t, err)
	assert.Len(t, out[key].Results, 2, "an invalid filter leaves results unfiltered")
}

func TestAggregateRequiresMedia(t *testing.T) {
	h := newHarness(t, nil, Settings{})
	_, err := h.svc.Aggregate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoMedia)
}

func TestAggregateWaitsForRegistry(t *testing.T) {
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store := models.NewExtensionStore(db)
	reg := registry.New(store, &memLoader{extensions: map[string]*models.Extension{}}, sandbox.New())
	svc, err := NewService(reg, store, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Aggregate(ctx, Request{Media: exampleMedia})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExclusionsFor(t *testing.T) {
	assert.Equal(t, []string{"HEVC", "x265", "H.265", "[EMBER]", "AC3", "AC-3", "DTS", "TrueHD", "DUAL"}, ExclusionsFor(&domain.Config{}))
	assert.Equal(t, []string{}, ExclusionsFor(&domain.Config{
		HEVCSupported:      true,
		AC3Supported:       true,
		DTSSupported:       true,
		TrueHDSupported:    true,
		DualAudioSupported: true,
	}))
}
