// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/tsuki/internal/services/scrape"
)

type fakeScraper struct {
	mu     sync.Mutex
	counts map[string]scrape.Result
	block  chan struct{}
	calls  atomic.Int32
	lastID string
}

func (f *fakeScraper) Scrape(ctx context.Context, req scrape.Request) (*scrape.Response, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = req.ID
	resp := &scrape.Response{ID: req.ID}
	for _, h := range req.InfoHashes {
		if r, ok := f.counts[h]; ok {
			r.Hash = h
			resp.Results = append(resp.Results, r)
		}
	}
	return resp, nil
}

func (f *fakeScraper) set(hash string, complete, downloaded, incomplete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[hash] = scrape.Result{Complete: complete, Downloaded: downloaded, Incomplete: incomplete}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPeerCounter(scraper scrape.Scraper) (*PeerCounter, *clock) {
	c := &clock{now: testNow}
	p := NewPeerCounter(scraper, nil)
	p.now = c.Now
	return p, c
}

func TestPeerCounterEnriches(t *testing.T) {
	scraper := &fakeScraper{counts: map[string]scrape.Result{}}
	scraper.set("h1", 10, 200, 3)
	p, _ := newTestPeerCounter(scraper)

	entries := []Result{{Hash: "h1", Seeders: 1}, {Hash: "h2", Seeders: 7, Leechers: 2}}
	got := p.Update(context.Background(), entries)

	require.Len(t, got, 2)
	assert.Equal(t, Result{Hash: "h1", Seeders: 10, Leechers: 3, Downloads: 200}, got[0])
	assert.Equal(t, Result{Hash: "h2", Seeders: 7, Leechers: 2}, got[1], "entries without data keep their counts")
	assert.Equal(t, 1, entries[0].Seeders, "input is not modified")
	assert.NotEmpty(t, scraper.lastID)
}

func TestPeerCounterFreshness(t *testing.T) {
	scraper := &fakeScraper{counts: map[string]scrape.Result{}}
	scraper.set("h1", 10, 0, 0)
	p, c := newTestPeerCounter(scraper)
	ctx := context.Background()
	entries := []Result{{Hash: "h1"}}

	first := p.Update(ctx, entries)
	assert.Equal(t, 10, first[0].Seeders)
	assert.Equal(t, int32(1), scraper.calls.Load())

	scraper.set("h1", 20, 0, 0)

	c.Advance(89 * time.Second)
	cached := p.Update(ctx, entries)
	assert.Equal(t, first, cached)
	assert.Equal(t, int32(1), scraper.calls.Load(), "89 seconds is still fresh")

	c.Advance(2 * time.Second)
	fresh := p.Update(ctx, entries)
	assert.Equal(t, 20, fresh[0].Seeders)
	assert.Equal(t, int32(2), scraper.calls.Load(), "91 seconds issues a new scrape")
}

func TestPeerCounterOfflineUsesAnyAge(t *testing.T) {
	scraper := &fakeScraper{counts: map[string]scrape.Result{}}
	scraper.set("h1", 10, 0, 0)
	p, c := newTestPeerCounter(scraper)
	ctx := context.Background()
	entries := []Result{{Hash: "h1"}}

	p.Update(ctx, entries)
	p.Configure(0, 0, true)
	c.Advance(time.Hour)

	got := p.Update(ctx, entries)
	assert.Equal(t, 10, got[0].Seeders)
	assert.Equal(t, int32(1), scraper.calls.Load())
}

func TestPeerCounterTimeout(t *testing.T) {
	scraper := &fakeScraper{counts: map[string]scrape.Result{}, block: make(chan struct{})}
	defer close(scraper.block)
	p, _ := newTestPeerCounter(scraper)
	p.Configure(0, 50*time.Millisecond, false)

	entries := []Result{{Hash: "h1", Seeders: 4}}
	start := time.Now()
	got := p.Update(context.Background(), entries)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, entries, got)
}

func TestPeerCounterCancelledCallerIsNotCached(t *testing.T) {
	scraper := &fakeScraper{counts: map[string]scrape.Result{}, block: make(chan struct{})}
	p, _ := newTestPeerCounter(scraper)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entries := []Result{{Hash: "h1"}}
	p.Update(ctx, entries)

	close(scraper.block)
	scraper.set("h1", 3, 0, 0)
	got := p.Update(context.Background(), entries)
	assert.Equal(t, 3, got[0].Seeders)
}
