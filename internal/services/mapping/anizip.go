// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/tsuki/internal/buildinfo"
)

const (
	DefaultAniZipURL = "https://api.ani.zip"

	mappingCacheTTL         = time.Hour
	maxMappingResponseBytes = 8 << 20
)

// Episode is one entry of the secondary catalog's episode table.
type Episode struct {
	Episode       string `json:"episode,omitempty"`
	AirDate       string `json:"airdate,omitempty"`
	EpisodeNumber int    `json:"episodeNumber"`
	AnidbEid      int    `json:"anidbEid,omitempty"`
}

// Aired parses the air date; ani.zip uses plain dates and occasionally full timestamps.
func (e Episode) Aired() (time.Time, bool) {
	s := strings.TrimSpace(e.AirDate)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

type Mappings struct {
	AnidbID   int `json:"anidb_id,omitempty"`
	AnilistID int `json:"anilist_id,omitempty"`
}

// Mapping is the cross reference for one AniList media.
type Mapping struct {
	Mappings     Mappings           `json:"mappings"`
	Episodes     map[string]Episode `json:"episodes"`
	EpisodeCount int                `json:"episodeCount"`
	SpecialCount int                `json:"specialCount"`
}

// AniZipClient reads mappings from ani.zip. Lookups are cached, including misses, and
// concurrent lookups of the same id share one request.
type AniZipClient struct {
	baseURL string
	http    *http.Client
	cache   *ttlcache.Cache[int, *Mapping]
	group   singleflight.Group

	attempts uint
	delay    time.Duration

	logger zerolog.Logger
}

type AniZipOption func(*AniZipClient)

func WithAniZipHTTPClient(c *http.Client) AniZipOption {
	return func(a *AniZipClient) {
		if c != nil {
			a.http = c
		}
	}
}

func WithAniZipRetry(attempts uint, delay time.Duration) AniZipOption {
	return func(a *AniZipClient) {
		if attempts > 0 {
			a.attempts = attempts
		}
		a.delay = delay
	}
}

func NewAniZipClient(baseURL string, opts ...AniZipOption) *AniZipClient {
	if baseURL == "" {
		baseURL = DefaultAniZipURL
	}
	c := &AniZipClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		cache:    ttlcache.New(ttlcache.Options[int, *Mapping]{}.SetDefaultTTL(mappingCacheTTL)),
		attempts: 3,
		delay:    500 * time.Millisecond,
		logger:   log.Logger.With().Str("module", "anizip").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ani.zip returned status %d for %s", e.code, e.url)
}

// Mapping returns the mapping for anilistID, or nil when ani.zip has none.
func (c *AniZipClient) Mapping(ctx context.Context, anilistID int) (*Mapping, error) {
	if anilistID <= 0 {
		return nil, nil
	}
	if m, ok := c.cache.Get(anilistID); ok {
		return m, nil
	}

	v, err, _ := c.group.Do(strconv.Itoa(anilistID), func() (any, error) {
		if m, ok := c.cache.Get(anilistID); ok {
			return m, nil
		}
		m, err := c.fetch(ctx, anilistID)
		if err != nil {
			return nil, err
		}
		c.cache.Set(anilistID, m, ttlcache.DefaultTTL)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Mapping), nil
}

func (c *AniZipClient) fetch(ctx context.Context, anilistID int) (*Mapping, error) {
	target := fmt.Sprintf("%s/mappings?anilist_id=%d", c.baseURL, anilistID)

	var out *Mapping
	err := retry.Do(
		func() error {
			m, err := c.get(ctx, target)
			if err != nil {
				return err
			}
			out = m
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			var se *statusError
			if errors.As(err, &se) {
				return se.code == http.StatusTooManyRequests || se.code >= 500
			}
			return true
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch mapping for %d", anilistID)
	}
	return out, nil
}

func (c *AniZipClient) get(ctx context.Context, target string) (*Mapping, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Trace().Str("url", target).Msg("no mapping")
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, url: target}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMappingResponseBytes))
	if err != nil {
		return nil, err
	}
	var m Mapping
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "decode mapping")
	}
	return &m, nil
}
