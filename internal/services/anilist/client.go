// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/autobrr/tsuki/internal/buildinfo"
)

const (
	DefaultURL = "https://graphql.anilist.co"

	// AniList allows 90 requests per minute.
	requestsPerMinute = 90
	maxResponseBytes  = 4 << 20
)

var ErrMediaNotFound = errors.New("media not found")

// StatusError is a non-2xx GraphQL response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anilist returned status %d", e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	url     string
	token   string
	http    *http.Client
	limiter *rate.Limiter

	attempts uint
	delay    time.Duration

	logger zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithToken(token string) ClientOption {
	return func(cl *Client) {
		cl.token = strings.TrimSpace(token)
	}
}

func WithLimiter(l *rate.Limiter) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.limiter = l
		}
	}
}

func WithRetry(attempts uint, delay time.Duration) ClientOption {
	return func(cl *Client) {
		if attempts > 0 {
			cl.attempts = attempts
		}
		cl.delay = delay
	}
}

func NewClient(url string, opts ...ClientOption) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:      url,
		http:     &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), 5),
		attempts: 3,
		delay:    time.Second,
		logger:   log.Logger.With().Str("module", "anilist").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

const mediaFields = `
	id
	format
	episodes
	isAdult
	title { romaji english native userPreferred }
	synonyms
	startDate { year month day }
	endDate { year month day }
	nextAiringEpisode { episode airingAt }
	airingSchedule(page: 1, perPage: 50) { nodes { episode airingAt } }
	relations { edges { relationType(version: 2) node { id type } } }
`

const mediaQuery = `query ($id: Int) { Media(id: $id, type: ANIME) {` + mediaFields + `} }`

const episodeDateQuery = `query ($id: Int, $ep: Int) { AiringSchedule(mediaId: $id, episode: $ep) { airingAt } }`

// Media fetches one anime by AniList id.
func (c *Client) Media(ctx context.Context, id int) (*Media, error) {
	var data struct {
		Media *Media `json:"Media"`
	}
	if err := c.query(ctx, mediaQuery, map[string]any{"id": id}, &data); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, ErrMediaNotFound
		}
		return nil, err
	}
	if data.Media == nil {
		return nil, ErrMediaNotFound
	}
	return data.Media, nil
}

// EpisodeDate looks up when episode of media id aired. ok is false when AniList has no
// schedule entry for it.
func (c *Client) EpisodeDate(ctx context.Context, id, episode int) (time.Time, bool, error) {
	var data struct {
		AiringSchedule *struct {
			AiringAt int64 `json:"airingAt"`
		} `json:"AiringSchedule"`
	}
	if err := c.query(ctx, episodeDateQuery, map[string]any{"id": id, "ep": episode}, &data); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if data.AiringSchedule == nil || data.AiringSchedule.AiringAt == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(data.AiringSchedule.AiringAt, 0).UTC(), true, nil
}

func (c *Client) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return errors.Wrap(err, "encode graphql request")
	}

	var resp *graphQLResponse
	err = retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			r, err := c.post(ctx, payload)
			if err != nil {
				return err
			}
			resp = r
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
			var se *StatusError
			if errors.As(err, &se) {
				return se.retryable()
			}
			return true
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug().Err(err).Uint("attempt", n+1).Msg("retrying anilist request")
		}),
	)
	if err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		if resp.Errors[0].Status == http.StatusNotFound {
			return &StatusError{StatusCode: http.StatusNotFound}
		}
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return errors.Errorf("anilist: %s", strings.Join(msgs, "; "))
	}
	if len(resp.Data) == 0 {
		return errors.New("anilist: empty response")
	}
	return json.Unmarshal(resp.Data, out)
}

func (c *Client) post(ctx context.Context, payload []byte) (*graphQLResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var out graphQLResponse
	decodeErr := json.Unmarshal(body, &out)

	// AniList reports missing media as a 404 with a GraphQL error body
	if res.StatusCode == http.StatusNotFound && decodeErr == nil {
		return &out, nil
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	if decodeErr != nil {
		return nil, errors.Wrap(decodeErr, "decode graphql response")
	}
	return &out, nil
}
