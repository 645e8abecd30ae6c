// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/tracker/udp"
	"github.com/pkg/errors"

	"github.com/autobrr/tsuki/internal/buildinfo"
)

const maxScrapeResponseBytes = 1 << 20

func newTrackerClient(raw string) (trackerClient, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "udp", "udp4", "udp6":
		if u.Port() == "" {
			return nil, errors.New("udp tracker without port")
		}
		return &udpTracker{network: u.Scheme, host: u.Host}, nil
	case "http", "https":
		scrapeURL, err := scrapeURLFor(u)
		if err != nil {
			return nil, err
		}
		return &httpTracker{url: scrapeURL, client: http.DefaultClient}, nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

type udpTracker struct {
	network string
	host    string
}

func (t *udpTracker) scrape(ctx context.Context, hashes []metainfo.Hash) (map[metainfo.Hash]Result, error) {
	cc, err := udp.NewConnClient(udp.NewConnClientOpts{
		Network: t.network,
		Host:    t.host,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", t.host)
	}
	defer cc.Close()

	ihs := make([]udp.InfoHash, len(hashes))
	for i, h := range hashes {
		ihs[i] = udp.InfoHash(h)
	}

	res, err := cc.Client.Scrape(ctx, ihs)
	if err != nil {
		return nil, errors.Wrapf(err, "scrape %s", t.host)
	}

	out := make(map[metainfo.Hash]Result, len(res))
	for i, r := range res {
		if i >= len(hashes) {
			break
		}
		out[hashes[i]] = Result{
			Complete:   int(r.Seeders),
			Downloaded: int(r.Completed),
			Incomplete: int(r.Leechers),
		}
	}
	return out, nil
}

// scrapeURLFor derives the scrape endpoint by the usual announce -> scrape convention.
func scrapeURLFor(announce *url.URL) (*url.URL, error) {
	dir, last := path.Split(announce.Path)
	if !strings.HasPrefix(last, "announce") {
		return nil, fmt.Errorf("tracker %s does not support scrape", announce.Redacted())
	}
	u := *announce
	u.Path = dir + "scrape" + strings.TrimPrefix(last, "announce")
	return &u, nil
}

type httpTracker struct {
	url    *url.URL
	client *http.Client
}

type httpScrapeFile struct {
	Complete   int `bencode:"complete"`
	Downloaded int `bencode:"downloaded"`
	Incomplete int `bencode:"incomplete"`
}

type httpScrapeResponse struct {
	Files         map[string]httpScrapeFile `bencode:"files"`
	FailureReason string                    `bencode:"failure reason"`
}

func (t *httpTracker) scrape(ctx context.Context, hashes []metainfo.Hash) (map[metainfo.Hash]Result, error) {
	u := *t.url
	q := u.Query()
	for _, h := range hashes {
		q.Add("info_hash", string(h[:]))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s returned status %d", t.url.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeResponseBytes))
	if err != nil {
		return nil, err
	}

	var decoded httpScrapeResponse
	if err := bencode.Unmarshal(body, &decoded); err != nil {
		return nil, errors.Wrap(err, "decode scrape response")
	}
	if decoded.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", decoded.FailureReason)
	}

	out := make(map[metainfo.Hash]Result, len(decoded.Files))
	for raw, f := range decoded.Files {
		if len(raw) != len(metainfo.Hash{}) {
			continue
		}
		var h metainfo.Hash
		copy(h[:], raw)
		out[h] = Result{Complete: f.Complete, Downloaded: f.Downloaded, Incomplete: f.Incomplete}
	}
	return out, nil
}
