// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/tsuki/internal/models"
)

var (
	ErrNotLoaded = errors.New("extension not loaded")
	ErrNoDefault = errors.New("No default extension set")
)

const callAllConcurrency = 4

// NotLoadedError names the extension that is configured but not loaded.
type NotLoadedError struct {
	Key string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("Extension %s not loaded", e.Key)
}

func (e *NotLoadedError) Is(target error) bool {
	if target == ErrNotLoaded {
		return true
	}
	_, ok := target.(*NotLoadedError)
	return ok
}

// Store persists the desired extension state.
type Store interface {
	List(ctx context.Context) (map[string]*models.ExtensionConfig, error)
	Get(ctx context.Context, key string) (*models.ExtensionConfig, error)
	Upsert(ctx context.Context, key string, cfg *models.ExtensionConfig) error
	Delete(ctx context.Context, key string) error
	SetEnabled(ctx context.Context, key string, enabled bool) (bool, error)
	GetSlot(ctx context.Context, slot string) (string, error)
	SetSlot(ctx context.Context, slot, key string) error
	ClearSlot(ctx context.Context, slot string) error
}

type Loader interface {
	Load(ctx context.Context, manifestURL string) (*models.Extension, error)
	FetchManifest(ctx context.Context, manifestURL string) (*models.Manifest, error)
}

type Executor interface {
	Execute(ctx context.Context, script, function string, args ...any) (json.RawMessage, error)
	Exports(ctx context.Context, script string, names ...string) ([]string, error)
}

type loadState struct {
	done    chan struct{}
	removed bool
}

// Registry keeps the loaded extensions in sync with the persisted settings. The store is the
// source of truth; extensions and loading are caches and a key is in at most one of them.
type Registry struct {
	store    Store
	loader   Loader
	executor Executor

	mu          sync.Mutex
	extensions  map[string]*Source
	loading     map[string]*loadState
	subscribers map[int]func()
	nextSubID   int

	ready     chan struct{}
	readyOnce sync.Once

	logger zerolog.Logger
}

func New(store Store, loader Loader, executor Executor) *Registry {
	return &Registry{
		store:       store,
		loader:      loader,
		executor:    executor,
		extensions:  make(map[string]*Source),
		loading:     make(map[string]*loadState),
		subscribers: make(map[int]func()),
		ready:       make(chan struct{}),
		logger:      log.Logger.With().Str("module", "registry").Logger(),
	}
}

// Start reconciles with the persisted settings and marks the registry ready. Loads continue
// in the background.
func (r *Registry) Start(ctx context.Context) error {
	defer r.readyOnce.Do(func() { close(r.ready) })

	configs, err := r.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list persisted extensions")
	}
	r.SyncFromSettings(ctx, configs)
	return nil
}

// resync reconciles with the persisted settings after a change to them, so keys whose
// earlier load failed are attempted again.
func (r *Registry) resync(ctx context.Context) {
	configs, err := r.store.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to reread persisted extensions")
		return
	}
	r.SyncFromSettings(ctx, configs)
}

// Wait blocks until every load in flight has settled.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		var st *loadState
		for _, s := range r.loading {
			st = s
			break
		}
		r.mu.Unlock()
		if st == nil {
			return nil
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Counts reports how many extensions are loaded and how many are still loading.
func (r *Registry) Counts() (loaded, loading int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.extensions), len(r.loading)
}

// Ready is closed once the persisted settings have been read.
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

// Subscribe registers fn for change notifications and invokes it once immediately.
func (r *Registry) Subscribe(fn func()) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.mu.Unlock()

	fn()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify() {
	r.mu.Lock()
	subs := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (r *Registry) bind(ctx context.Context, key string, ext *models.Extension) *Source {
	names := make([]string, len(allCapabilities))
	for i, c := range allCapabilities {
		names[i] = string(c)
	}

	exports, err := r.executor.Exports(ctx, ext.Script, names...)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("could not probe extension exports")
		return newSource(key, ext, nil, r.executor)
	}

	caps := make([]Capability, 0, len(exports))
	for _, name := range exports {
		caps = append(caps, Capability(name))
	}
	return newSource(key, ext, caps, r.executor)
}

// AddExtension loads the manifest at manifestURL, persists it enabled and returns its key.
func (r *Registry) AddExtension(ctx context.Context, manifestURL string) (string, error) {
	ext, err := r.loader.Load(ctx, manifestURL)
	if err != nil {
		return "", err
	}
	key := ext.Manifest.Key()
	src := r.bind(ctx, key, ext)

	if err := r.waitLoad(ctx, key); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.extensions[key] = src
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, key, &models.ExtensionConfig{
		URL:      manifestURL,
		Enabled:  true,
		Manifest: ext.Manifest,
	}); err != nil {
		r.mu.Lock()
		delete(r.extensions, key)
		r.mu.Unlock()
		return "", errors.Wrapf(err, "persist extension %s", key)
	}

	r.logger.Info().Str("key", key).Str("url", manifestURL).Msg("extension added")
	r.notify()
	r.resync(ctx)
	return key, nil
}

// RemoveExtension drops key from the loaded set and from the persisted settings.
func (r *Registry) RemoveExtension(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.extensions, key)
	if st, ok := r.loading[key]; ok {
		st.removed = true
	}
	r.mu.Unlock()

	if err := r.store.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete extension %s", key)
	}

	r.logger.Info().Str("key", key).Msg("extension removed")
	r.notify()
	r.resync(ctx)
	return nil
}

// ToggleExtension flips the enabled flag. Unknown keys are ignored.
func (r *Registry) ToggleExtension(ctx context.Context, key string, enabled bool) error {
	found, err := r.store.SetEnabled(ctx, key, enabled)
	if err != nil {
		return errors.Wrapf(err, "toggle extension %s", key)
	}
	if !found {
		return nil
	}
	r.notify()
	r.resync(ctx)
	return nil
}

func (r *Registry) SetDefault(ctx context.Context, key string) error {
	return r.setSlot(ctx, models.SlotDefault, key)
}

func (r *Registry) UnsetDefault(ctx context.Context) error {
	return r.clearSlot(ctx, models.SlotDefault)
}

func (r *Registry) SetStar(ctx context.Context, key string) error {
	return r.setSlot(ctx, models.SlotStarred, key)
}

func (r *Registry) UnsetStar(ctx context.Context) error {
	return r.clearSlot(ctx, models.SlotStarred)
}

func (r *Registry) setSlot(ctx context.Context, slot, key string) error {
	if err := r.store.SetSlot(ctx, slot, key); err != nil {
		return errors.Wrapf(err, "set %s", slot)
	}
	r.notify()
	r.resync(ctx)
	return nil
}

func (r *Registry) clearSlot(ctx context.Context, slot string) error {
	if err := r.store.ClearSlot(ctx, slot); err != nil {
		return errors.Wrapf(err, "clear %s", slot)
	}
	r.notify()
	r.resync(ctx)
	return nil
}

// SyncFromSettings starts a load for every configured key that is neither loaded nor
// loading. Failed loads are dropped silently and retried on the next sync.
func (r *Registry) SyncFromSettings(ctx context.Context, configs map[string]*models.ExtensionConfig) {
	loadCtx := context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, cfg := range configs {
		if cfg == nil || cfg.URL == "" {
			continue
		}
		if _, ok := r.extensions[key]; ok {
			continue
		}
		if _, ok := r.loading[key]; ok {
			continue
		}

		st := &loadState{done: make(chan struct{})}
		r.loading[key] = st
		go r.load(loadCtx, key, cfg.URL, st)
	}
}

func (r *Registry) load(ctx context.Context, key, manifestURL string, st *loadState) {
	defer close(st.done)

	ext, err := r.loader.Load(ctx, manifestURL)
	var src *Source
	if err == nil {
		src = r.bind(ctx, key, ext)
	}

	r.mu.Lock()
	delete(r.loading, key)
	stored := err == nil && !st.removed
	if stored {
		r.extensions[key] = src
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Debug().Err(err).Str("key", key).Msg("failed to sync extension")
		return
	}
	if stored {
		r.notify()
	}
}

func (r *Registry) waitLoad(ctx context.Context, key string) error {
	for {
		r.mu.Lock()
		st, ok := r.loading[key]
		r.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Source returns the loaded extension for key, waiting for an in-flight load.
func (r *Registry) Source(ctx context.Context, key string) (*Source, error) {
	if err := r.waitLoad(ctx, key); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.extensions[key]
	if !ok {
		return nil, &NotLoadedError{Key: key}
	}
	return src, nil
}

// Loaded returns the extension for key without waiting.
func (r *Registry) Loaded(key string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.extensions[key]
	return src, ok
}

// GetEnabled returns every loaded extension whose persisted config is enabled, ordered by key.
func (r *Registry) GetEnabled(ctx context.Context) ([]*Source, error) {
	configs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Source, 0, len(r.extensions))
	for key, src := range r.extensions {
		if cfg, ok := configs[key]; ok && cfg.Enabled {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CallDefault invokes function on the default extension.
func (r *Registry) CallDefault(ctx context.Context, function string, args ...any) (json.RawMessage, error) {
	key, err := r.store.GetSlot(ctx, models.SlotDefault)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrNoDefault
	}
	src, err := r.Source(ctx, key)
	if err != nil {
		return nil, err
	}
	return src.Call(ctx, function, args...)
}

// CallResult is one successful CallAll invocation.
type CallResult struct {
	Extension string          `json:"extension"`
	Result    json.RawMessage `json:"result"`
}

// CallAll invokes function on every enabled extension. Failures are logged and skipped.
func (r *Registry) CallAll(ctx context.Context, function string, args ...any) ([]CallResult, error) {
	enabled, err := r.GetEnabled(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*CallResult, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(callAllConcurrency)
	for i, src := range enabled {
		g.Go(func() error {
			out, err := src.Call(gctx, function, args...)
			if err != nil {
				r.logger.Debug().Err(err).Str("key", src.Key).Str("function", function).Msg("extension call failed")
				return nil
			}
			results[i] = &CallResult{Extension: src.Key, Result: out}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]CallResult, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

// Validate runs the extension's validate export.
func (r *Registry) Validate(ctx context.Context, key string) (json.RawMessage, error) {
	src, err := r.Source(ctx, key)
	if err != nil {
		return nil, err
	}
	return src.Validate(ctx)
}

// UpdateInfo compares the persisted manifest version with the remote one.
type UpdateInfo struct {
	Key       string `json:"key"`
	Current   string `json:"current"`
	Latest    string `json:"latest"`
	Available bool   `json:"available"`
}

func (r *Registry) CheckUpdate(ctx context.Context, key string) (*UpdateInfo, error) {
	cfg, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	remote, err := r.loader.FetchManifest(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}

	info := &UpdateInfo{Key: key, Current: cfg.Manifest.Version, Latest: remote.Version}
	current, currErr := semver.NewVersion(cfg.Manifest.Version)
	latest, latestErr := semver.NewVersion(remote.Version)
	if currErr != nil || latestErr != nil {
		info.Available = remote.Version != "" && remote.Version != cfg.Manifest.Version
		return info, nil
	}
	info.Available = latest.GreaterThan(current)
	return info, nil
}

// AmbiguousError is returned when a lookup matches more than one extension.
type AmbiguousError struct {
	Query   string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q matches several extensions: %s", e.Query, strings.Join(e.Matches, ", "))
}

func (e *AmbiguousError) Is(target error) bool {
	_, ok := target.(*AmbiguousError)
	return ok
}

// Find returns the keys of persisted extensions whose key or display name fuzzily matches
// query, best first.
func (r *Registry) Find(ctx context.Context, query string) ([]string, error) {
	configs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	type match struct {
		key   string
		score int
	}
	var matches []match
	for key, cfg := range configs {
		best := -1
		for _, target := range []string{key, cfg.Manifest.DisplayName()} {
			if target == "" || !fuzzy.MatchNormalizedFold(query, target) {
				continue
			}
			score := fuzzy.RankMatchNormalizedFold(query, target)
			if best < 0 || score < best {
				best = score
			}
		}
		if best >= 0 {
			matches = append(matches, match{key: key, score: best})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].key < matches[j].key
	})

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.key
	}
	return out, nil
}

// ResolveKey turns a key, display name or fragment of either into a persisted key. An exact
// match wins; otherwise the fuzzy match must be unique.
func (r *Registry) ResolveKey(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", models.ErrExtensionNotFound
	}

	configs, err := r.store.List(ctx)
	if err != nil {
		return "", err
	}
	if _, ok := configs[query]; ok {
		return query, nil
	}

	var exact []string
	for key, cfg := range configs {
		if strings.EqualFold(key, query) || strings.EqualFold(cfg.Manifest.DisplayName(), query) {
			exact = append(exact, key)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	if len(exact) > 1 {
		sort.Strings(exact)
		return "", &AmbiguousError{Query: query, Matches: exact}
	}

	found, err := r.Find(ctx, query)
	if err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", errors.Wrapf(models.ErrExtensionNotFound, "no extension matches %q", query)
	case 1:
		return found[0], nil
	default:
		return "", &AmbiguousError{Query: query, Matches: found}
	}
}

// Status describes one persisted extension for listings.
type Status struct {
	Key          string                  `json:"key"`
	Config       *models.ExtensionConfig `json:"config"`
	Loaded       bool                    `json:"loaded"`
	Loading      bool                    `json:"loading"`
	Default      bool                    `json:"default"`
	Starred      bool                    `json:"starred"`
	Capabilities []Capability            `json:"capabilities,omitempty"`
}

// Statuses joins the persisted settings with the in-memory load state, ordered by key.
func (r *Registry) Statuses(ctx context.Context) ([]Status, error) {
	configs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	def, err := r.store.GetSlot(ctx, models.SlotDefault)
	if err != nil {
		return nil, err
	}
	starred, err := r.store.GetSlot(ctx, models.SlotStarred)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(configs))
	for key, cfg := range configs {
		st := Status{
			Key:     key,
			Config:  cfg,
			Default: key == def,
			Starred: key == starred,
		}
		if src, ok := r.extensions[key]; ok {
			st.Loaded = true
			st.Capabilities = src.Capabilities()
		}
		_, st.Loading = r.loading[key]
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
