// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/services/scrape"
)

const (
	DefaultPeerFreshness = 90 * time.Second
	DefaultScrapeTimeout = 15 * time.Second

	// Offline lookups accept any cached age, so entries outlive freshness by far.
	peerCacheRetention = 24 * time.Hour
)

type peerEntry struct {
	scrape    []Result
	timestamp time.Time
}

// PeerCounter enriches results with live peer counts and caches them per result set.
type PeerCounter struct {
	scraper scrape.Scraper
	cache   *ttlcache.Cache[uint64, peerEntry]
	metrics *ServiceMetrics
	now     func() time.Time
	logger  zerolog.Logger

	mu        sync.RWMutex
	freshness time.Duration
	timeout   time.Duration
	offline   bool
}

func NewPeerCounter(scraper scrape.Scraper, metrics *ServiceMetrics) *PeerCounter {
	if metrics == nil {
		metrics = NewServiceMetrics(nil)
	}
	return &PeerCounter{
		scraper:   scraper,
		cache:     ttlcache.New(ttlcache.Options[uint64, peerEntry]{}.SetDefaultTTL(peerCacheRetention)),
		metrics:   metrics,
		now:       time.Now,
		logger:    log.Logger.With().Str("module", "peers").Logger(),
		freshness: DefaultPeerFreshness,
		timeout:   DefaultScrapeTimeout,
	}
}

// Configure updates the freshness window, scrape timeout and connectivity state. Zero
// durations keep the current value.
func (p *PeerCounter) Configure(freshness, timeout time.Duration, offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if freshness > 0 {
		p.freshness = freshness
	}
	if timeout > 0 {
		p.timeout = timeout
	}
	p.offline = offline
}

func (p *PeerCounter) settings() (time.Duration, time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.freshness, p.timeout, p.offline
}

func cacheKey(entries []Result) (uint64, bool) {
	data, err := json.Marshal(entries)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(data), true
}

// Update returns entries with seeders, leechers and downloads taken from a tracker scrape.
// A scrape of the same entry set is reused while fresh, or at any age while offline.
// Entries the scrape has no data for keep their values. The input is not modified.
func (p *PeerCounter) Update(ctx context.Context, entries []Result) []Result {
	freshness, timeout, offline := p.settings()

	key, cacheable := cacheKey(entries)
	if cacheable {
		if cached, ok := p.cache.Get(key); ok && (offline || p.now().Sub(cached.timestamp) <= freshness) {
			p.metrics.PeerCacheHits.Inc()
			return cloneResults(cached.scrape)
		}
	}
	p.metrics.PeerCacheMisses.Inc()

	updated := cloneResults(entries)
	if p.scraper == nil || len(updated) == 0 {
		return updated
	}

	req := scrape.Request{ID: uuid.NewString(), InfoHashes: make([]string, len(updated))}
	for i, r := range updated {
		req.InfoHashes[i] = r.Hash
	}

	resp, ok := p.scrape(ctx, req, timeout)
	if !ok {
		return updated
	}

	index := make(map[string]int, len(updated))
	for i := len(updated) - 1; i >= 0; i-- {
		index[updated[i].Hash] = i
	}
	if resp != nil {
		for _, res := range resp.Results {
			i, found := index[res.Hash]
			if !found {
				continue
			}
			updated[i].Downloads = res.Downloaded
			updated[i].Leechers = res.Incomplete
			updated[i].Seeders = res.Complete
		}
	}

	if cacheable {
		p.cache.Set(key, peerEntry{scrape: cloneResults(updated), timestamp: p.now()}, ttlcache.DefaultTTL)
	}
	return updated
}

// scrape races the scraper against timeout. A timeout yields a nil response and ok; only a
// cancelled caller reports !ok.
func (p *PeerCounter) scrape(ctx context.Context, req scrape.Request, timeout time.Duration) (*scrape.Response, bool) {
	type outcome struct {
		resp *scrape.Response
		err  error
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { p.metrics.ScrapeDuration.Observe(time.Since(start).Seconds()) }()

	done := make(chan outcome, 1)
	go func() {
		resp, err := p.scraper.Scrape(sctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			p.logger.Debug().Err(out.err).Str("id", req.ID).Msg("scrape failed")
			return nil, true
		}
		if out.resp != nil && out.resp.ID != "" && out.resp.ID != req.ID {
			p.logger.Warn().Str("id", req.ID).Str("got", out.resp.ID).Msg("ignoring scrape response for another request")
			return nil, true
		}
		p.logger.Trace().Str("id", req.ID).Int("hashes", len(req.InfoHashes)).Msg("scrape complete")
		return out.resp, true
	case <-timer.C:
		p.metrics.ScrapeTimeouts.Inc()
		p.logger.Debug().Str("id", req.ID).Dur("timeout", timeout).Msg("scrape timed out")
		return nil, true
	case <-ctx.Done():
		return nil, false
	}
}
