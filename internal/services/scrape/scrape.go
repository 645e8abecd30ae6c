// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scrape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 15 * time.Second

	// UDP scrape packets fit 74 hashes.
	maxHashesPerRequest = 74
	trackerConcurrency  = 8
)

// Request asks for peer counts of a set of hex encoded infohashes.
type Request struct {
	ID         string   `json:"id"`
	InfoHashes []string `json:"infoHashes"`
}

type Result struct {
	Hash       string `json:"hash"`
	Complete   int    `json:"complete"`
	Downloaded int    `json:"downloaded"`
	Incomplete int    `json:"incomplete"`
}

type Response struct {
	ID      string   `json:"id"`
	Results []Result `json:"result"`
}

// Scraper answers scrape requests. Hashes without data are omitted from the response.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (*Response, error)
}

// trackerClient scrapes one tracker.
type trackerClient interface {
	scrape(ctx context.Context, hashes []metainfo.Hash) (map[metainfo.Hash]Result, error)
}

// TrackerScraper scrapes every configured tracker and keeps the highest count per hash.
type TrackerScraper struct {
	trackers []trackerClient
	timeout  time.Duration
	logger   zerolog.Logger
}

type Option func(*TrackerScraper)

func WithTimeout(d time.Duration) Option {
	return func(s *TrackerScraper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewTrackerScraper builds a scraper for udp:// and http(s):// announce URLs. Unsupported
// URLs are logged and skipped.
func NewTrackerScraper(announceURLs []string, opts ...Option) *TrackerScraper {
	s := &TrackerScraper{
		timeout: DefaultTimeout,
		logger:  log.Logger.With().Str("module", "scrape").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, raw := range announceURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		client, err := newTrackerClient(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("tracker", raw).Msg("skipping tracker")
			continue
		}
		s.trackers = append(s.trackers, client)
	}
	return s
}

// Trackers reports how many trackers are usable.
func (s *TrackerScraper) Trackers() int {
	return len(s.trackers)
}

func (s *TrackerScraper) Scrape(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{ID: req.ID}
	if len(s.trackers) == 0 || len(req.InfoHashes) == 0 {
		return resp, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// several spellings of one hash map back to what the caller sent
	names := make(map[metainfo.Hash][]string)
	hashes := make([]metainfo.Hash, 0, len(req.InfoHashes))
	for _, raw := range req.InfoHashes {
		var h metainfo.Hash
		if err := h.FromHexString(strings.TrimSpace(raw)); err != nil {
			s.logger.Trace().Str("hash", raw).Msg("ignoring invalid infohash")
			continue
		}
		if _, ok := names[h]; !ok {
			hashes = append(hashes, h)
		}
		names[h] = append(names[h], raw)
	}

	var (
		mu     sync.Mutex
		merged = make(map[metainfo.Hash]Result)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(trackerConcurrency)
	for _, tracker := range s.trackers {
		for start := 0; start < len(hashes); start += maxHashesPerRequest {
			batch := hashes[start:min(start+maxHashesPerRequest, len(hashes))]
			g.Go(func() error {
				results, err := tracker.scrape(gctx, batch)
				if err != nil {
					s.logger.Debug().Err(err).Msg("tracker scrape failed")
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				for h, r := range results {
					merged[h] = maxResult(merged[h], r)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, h := range hashes {
		r, ok := merged[h]
		if !ok {
			continue
		}
		for _, name := range names[h] {
			r.Hash = name
			resp.Results = append(resp.Results, r)
		}
	}
	return resp, nil
}

func maxResult(a, b Result) Result {
	return Result{
		Complete:   max(a.Complete, b.Complete),
		Downloaded: max(a.Downloaded, b.Downloaded),
		Incomplete: max(a.Incomplete, b.Incomplete),
	}
}
