// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sources fans a search out to every configured extension and turns what they
// return into deduplicated, peer-enriched results per source.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/domain"
	"github.com/autobrr/tsuki/internal/extensions/registry"
	"github.com/autobrr/tsuki/internal/models"
	"github.com/autobrr/tsuki/internal/services/anilist"
	"github.com/autobrr/tsuki/internal/services/mapping"
	"github.com/autobrr/tsuki/internal/services/titles"
)

const (
	NoSourcesKey  = "NaN"
	NoSourcesName = "no-sources"

	msgNoSources       = "No torrent sources configured. Add sources in settings."
	msgSourcesInactive = "Sources are inactive.. found no results."
	msgNotEnabled      = "Extension is not enabled.. skipping..."
)

var ErrNoMedia = errors.New("media is required")

// Registry resolves loaded extensions.
type Registry interface {
	Ready() <-chan struct{}
	Source(ctx context.Context, key string) (*registry.Source, error)
}

// ConfigStore lists the configured extensions.
type ConfigStore interface {
	List(ctx context.Context) (map[string]*models.ExtensionConfig, error)
}

type EpisodeMapper interface {
	Resolve(ctx context.Context, media *anilist.Media) (*mapping.Mapping, error)
	Episode(ctx context.Context, media *anilist.Media, episode int, m *mapping.Mapping) (*mapping.Episode, bool)
}

// Query is passed to every source of one aggregation and never modified.
type Query struct {
	AnilistID    int      `json:"anilistId"`
	EpisodeCount int      `json:"episodeCount,omitempty"`
	Episode      int      `json:"episode,omitempty"`
	AnidbAid     int      `json:"anidbAid,omitempty"`
	AnidbEid     int      `json:"anidbEid,omitempty"`
	Titles       []string `json:"titles"`
	Resolution   string   `json:"resolution"`
	Exclusions   []string `json:"exclusions"`
}

type QueryOptions struct {
	Online bool `json:"online"`
}

type Request struct {
	Media      *anilist.Media
	Episode    int
	Batch      bool
	Movie      bool
	Resolution string
}

// Settings are the user preferences an aggregation runs with.
type Settings struct {
	Offline        bool
	AdultContent   string
	EnableExternal bool
	Exclusions     []string
	ResultFilter   string
	PeerFreshness  time.Duration
	ScrapeTimeout  time.Duration
}

// ExclusionsFor lists the release tags of codecs and features the player cannot handle.
func ExclusionsFor(cfg *domain.Config) []string {
	exclusions := []string{}
	if !cfg.HEVCSupported {
		exclusions = append(exclusions, "HEVC", "x265", "H.265", "[EMBER]")
	}
	if !cfg.AC3Supported {
		exclusions = append(exclusions, "AC3", "AC-3")
	}
	if !cfg.DTSSupported {
		exclusions = append(exclusions, "DTS")
	}
	if !cfg.TrueHDSupported {
		exclusions = append(exclusions, "TrueHD")
	}
	if !cfg.DualAudioSupported {
		exclusions = append(exclusions, "DUAL")
	}
	return exclusions
}

func SettingsFromConfig(cfg *domain.Config) Settings {
	return Settings{
		Offline:        cfg.Offline,
		AdultContent:   cfg.AdultContent,
		EnableExternal: cfg.EnableExternal,
		Exclusions:     ExclusionsFor(cfg),
		ResultFilter:   cfg.ResultFilter,
		PeerFreshness:  time.Duration(cfg.PeerCacheTTLSeconds) * time.Second,
		ScrapeTimeout:  time.Duration(cfg.ScrapeTimeoutSeconds) * time.Second,
	}
}

func (s Settings) allowsAdult() bool {
	return s.AdultContent != "" && s.AdultContent != domain.AdultContentNone
}

// Pending is the eventual outcome of one source.
type Pending struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`

	done    chan struct{}
	outcome Outcome
}

func newPending(name, icon string) *Pending {
	return &Pending{Name: name, Icon: icon, done: make(chan struct{})}
}

func resolved(name string, outcome Outcome) *Pending {
	p := newPending(name, "")
	p.resolve(outcome)
	return p
}

func (p *Pending) resolve(outcome Outcome) {
	if outcome.Results == nil {
		outcome.Results = []Result{}
	}
	if outcome.Errors == nil {
		outcome.Errors = []SourceError{}
	}
	p.outcome = outcome
	close(p.done)
}

// Done is closed once the outcome is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks for the outcome. It only fails when ctx ends first.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Resolved is a settled source as the API returns it.
type Resolved struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
	Outcome
}

// Collect waits for every pending source.
func Collect(ctx context.Context, pending map[string]*Pending) (map[string]Resolved, error) {
	out := make(map[string]Resolved, len(pending))
	for key, p := range pending {
		outcome, err := p.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out[key] = Resolved{Name: p.Name, Icon: p.Icon, Outcome: outcome}
	}
	return out, nil
}

type Service struct {
	registry Registry
	store    ConfigStore
	mapper   EpisodeMapper
	peers    *PeerCounter
	releases *releaseParser
	metrics  *ServiceMetrics
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	settings Settings
	filter   *resultFilter
}

type Option func(*Service)

func WithMetrics(m *ServiceMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithSettings(settings Settings) Option {
	return func(s *Service) {
		s.settings = settings
	}
}

// NewService builds the aggregator. mapper and peers may be nil, in which case queries carry
// no AniDB ids and results keep the peer counts their source reported.
func NewService(reg Registry, store ConfigStore, mapper EpisodeMapper, peers *PeerCounter, opts ...Option) (*Service, error) {
	s := &Service{
		registry: reg,
		store:    store,
		mapper:   mapper,
		peers:    peers,
		releases: newReleaseParser(),
		now:      time.Now,
		logger:   log.Logger.With().Str("module", "sources").Logger(),
		settings: Settings{AdultContent: domain.AdultContentNone, Exclusions: []string{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewServiceMetrics(nil)
	}
	if err := s.Configure(s.settings); err != nil {
		return nil, err
	}
	return s, nil
}

// Configure swaps the settings used by subsequent aggregations. An invalid result filter is
// reported and leaves results unfiltered.
func (s *Service) Configure(settings Settings) error {
	filter, err := compileFilter(settings.ResultFilter)

	s.mu.Lock()
	s.settings = settings
	s.filter = filter
	s.mu.Unlock()

	if s.peers != nil {
		s.peers.Configure(settings.PeerFreshness, settings.ScrapeTimeout, settings.Offline)
	}
	return err
}

func (s *Service) snapshot() (Settings, *resultFilter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, s.filter
}

// BuildQuery resolves the AniDB ids and title variants for req.
func (s *Service) BuildQuery(ctx context.Context, req Request) Query {
	settings, _ := s.snapshot()
	return s.buildQuery(ctx, req, settings)
}

func (s *Service) buildQuery(ctx context.Context, req Request, settings Settings) Query {
	q := Query{
		AnilistID:    req.Media.ID,
		EpisodeCount: anilist.MaxEpisode(req.Media),
		Episode:      req.Episode,
		Titles:       titles.CreateTitles(req.Media),
		Resolution:   req.Resolution,
		Exclusions:   []string{},
	}
	if q.Titles == nil {
		q.Titles = []string{}
	}
	if !settings.EnableExternal {
		q.Exclusions = append(q.Exclusions, settings.Exclusions...)
	}

	if s.mapper == nil {
		return q
	}
	m, err := s.mapper.Resolve(ctx, req.Media)
	if err != nil {
		s.logger.Debug().Err(err).Int("anilistId", req.Media.ID).Msg("anidb mapping unavailable")
		return q
	}
	if m == nil || m.Mappings.AnidbID == 0 {
		return q
	}
	q.AnidbAid = m.Mappings.AnidbID
	if ep, ok := s.mapper.Episode(ctx, req.Media, req.Episode, m); ok {
		q.AnidbEid = ep.AnidbEid
	}
	s.logger.Trace().Int("anidbAid", q.AnidbAid).Int("anidbEid", q.AnidbEid).Msg("anidb mapping")
	return q
}

// Aggregate starts one query per configured source and returns their handles without waiting
// for any of them. Cancelling ctx abandons the sources still running; each then resolves with
// the cancellation error.
func (s *Service) Aggregate(ctx context.Context, req Request) (map[string]*Pending, error) {
	if req.Media == nil {
		return nil, ErrNoMedia
	}

	select {
	case <-s.registry.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	settings, filter := s.snapshot()

	configs, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list extensions")
	}

	s.logger.Debug().
		Int("anilistId", req.Media.ID).
		Str("title", req.Media.Title.UserPreferred).
		Int("episode", req.Episode).
		Bool("batch", req.Batch).
		Bool("movie", req.Movie).
		Str("resolution", req.Resolution).
		Msg("fetching sources")

	if len(configs) == 0 {
		msg := msgNoSources
		if settings.Offline {
			msg = msgSourcesInactive
		}
		return map[string]*Pending{NoSourcesKey: resolved(NoSourcesName, failed(msg))}, nil
	}

	query := s.buildQuery(ctx, req, settings)

	keys := make([]string, 0, len(configs))
	for key := range configs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pending := make(map[string]*Pending, len(keys))
	for _, key := range keys {
		cfg := configs[key]
		if cfg.Manifest.NSFW && !settings.allowsAdult() {
			s.logger.Trace().Str("key", key).Msg("skipping nsfw source")
			continue
		}
		p := newPending(cfg.Manifest.DisplayName(), cfg.Manifest.Icon)
		pending[key] = p
		go s.run(ctx, key, cfg, query, req, settings, filter, p)
	}
	return pending, nil
}

// Search aggregates and waits for every source.
func (s *Service) Search(ctx context.Context, req Request) (map[string]Resolved, error) {
	pending, err := s.Aggregate(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, pending)
}

func (s *Service) run(ctx context.Context, key string, cfg *models.ExtensionConfig, query Query, req Request, settings Settings, filter *resultFilter, p *Pending) {
	start := time.Now()
	s.metrics.InFlight.Inc()

	outcome := failed("Unknown error")
	status := "error"
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("key", key).Interface("panic", r).Msg("source query panicked")
			outcome = failed(fmt.Sprintf("Source %s failed: %v", key, r))
			status = "panic"
		}
		s.metrics.InFlight.Dec()
		s.metrics.QueriesTotal.WithLabelValues(key, status).Inc()
		s.metrics.QueryDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
		p.resolve(outcome)
	}()

	outcome, status = s.query(ctx, key, cfg, query, req, settings, filter)
}

func (s *Service) query(ctx context.Context, key string, cfg *models.ExtensionConfig, query Query, req Request, settings Settings, filter *resultFilter) (Outcome, string) {
	logger := s.logger.With().Str("key", key).Logger()

	if !cfg.Enabled {
		return failed(msgNotEnabled), "disabled"
	}

	src, err := s.registry.Source(ctx, key)
	if err != nil {
		logger.Debug().Err(err).Msg("extension is not available")
		return failed(fmt.Sprintf("Source %s is currently unavailable", cfg.Manifest.DisplayName())), "unavailable"
	}

	opts := QueryOptions{Online: !settings.Offline}
	var raw json.RawMessage
	switch {
	case req.Movie:
		raw, err = src.Movie(ctx, query, opts)
	case req.Batch:
		raw, err = src.Batch(ctx, query, opts)
	default:
		raw, err = src.Single(ctx, query, opts)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("extension query failed")
		return failed(err.Error()), "error"
	}

	results, scriptErrs, dropped, err := decodeResponse(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("extension returned malformed results")
		return failed(err.Error()), "error"
	}
	if dropped > 0 {
		logger.Debug().Int("dropped", dropped).Msg("dropped results without a usable hash")
	}

	if len(scriptErrs) > 0 {
		if !isBenign(scriptErrs) {
			qerr := summarize(key, scriptErrs)
			logger.Debug().Err(qerr).Msg("extension reported errors")
			return failed(qerr.Error()), "error"
		}
		if len(results) == 0 {
			return failed(noResultsMessage(key)), "empty"
		}
	}
	logger.Debug().Int("results", len(results)).Int("errors", len(scriptErrs)).Msg("extension finished")

	deduped := Dedupe(results, s.now())
	deduped, failures := filter.apply(key, deduped)
	if failures > 0 {
		s.metrics.FilterEvalFailure.Add(float64(failures))
		logger.Debug().Int("failures", failures).Str("filter", filter.expression).Msg("result filter could not be evaluated")
	}
	if len(deduped) == 0 {
		return Outcome{}, "empty"
	}

	names := make([]string, len(deduped))
	for i, r := range deduped {
		names[i] = r.Title
	}
	for i, po := range s.releases.ParseAll(names) {
		deduped[i].ParseObject = po
	}

	if s.peers != nil {
		deduped = s.peers.Update(ctx, deduped)
	}
	s.metrics.ResultsTotal.WithLabelValues(key).Add(float64(len(deduped)))
	return Outcome{Results: deduped}, "ok"
}
