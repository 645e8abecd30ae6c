// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scrape

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "0123456789abcdef0123456789abcdef01234567"
	hashB = "89abcdef0123456789abcdef0123456789abcdef"
)

func mustHash(t *testing.T, s string) metainfo.Hash {
	t.Helper()
	var h metainfo.Hash
	require.NoError(t, h.FromHexString(s))
	return h
}

func newHTTPTracker(t *testing.T, files map[string]httpScrapeFile) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scrape", r.URL.Path)
		requested := r.URL.Query()["info_hash"]
		out := httpScrapeResponse{Files: map[string]httpScrapeFile{}}
		for _, raw := range requested {
			if f, ok := files[raw]; ok {
				out.Files[raw] = f
			}
		}
		body, err := bencode.Marshal(out)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))
}

func TestScrapeHTTPTrackersMergesMaximum(t *testing.T) {
	a := mustHash(t, hashA)
	b := mustHash(t, hashB)

	first := newHTTPTracker(t, map[string]httpScrapeFile{
		string(a[:]): {Complete: 10, Downloaded: 100, Incomplete: 1},
	})
	defer first.Close()
	second := newHTTPTracker(t, map[string]httpScrapeFile{
		string(a[:]): {Complete: 4, Downloaded: 200, Incomplete: 3},
		string(b[:]): {Complete: 7, Downloaded: 8, Incomplete: 9},
	})
	defer second.Close()

	s := NewTrackerScraper([]string{first.URL + "/announce", second.URL + "/announce", "wss://tracker.example/announce"})
	assert.Equal(t, 2, s.Trackers())

	resp, err := s.Scrape(context.Background(), Request{ID: "req", InfoHashes: []string{hashA, hashB, "not-a-hash"}})
	require.NoError(t, err)
	assert.Equal(t, "req", resp.ID)
	assert.Equal(t, []Result{
		{Hash: hashA, Complete: 10, Downloaded: 200, Incomplete: 3},
		{Hash: hashB, Complete: 7, Downloaded: 8, Incomplete: 9},
	}, resp.Results)
}

func TestScrapePreservesCallerSpelling(t *testing.T) {
	a := mustHash(t, hashA)
	srv := newHTTPTracker(t, map[string]httpScrapeFile{string(a[:]): {Complete: 1}})
	defer srv.Close()

	upper := strings.ToUpper(hashA)
	resp, err := NewTrackerScraper([]string{srv.URL + "/announce"}).Scrape(context.Background(), Request{InfoHashes: []string{upper}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, upper, resp.Results[0].Hash)
}

func TestScrapeWithoutTrackers(t *testing.T) {
	resp, err := NewTrackerScraper(nil).Scrape(context.Background(), Request{ID: "x", InfoHashes: []string{hashA}})
	require.NoError(t, err)
	assert.Equal(t, "x", resp.ID)
	assert.Empty(t, resp.Results)
}

func TestScrapeIgnoresFailingTracker(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(httpScrapeResponse{FailureReason: "unregistered torrent"})
		_, _ = w.Write(body)
	}))
	defer failing.Close()

	resp, err := NewTrackerScraper([]string{broken.URL + "/announce", failing.URL + "/announce"}).
		Scrape(context.Background(), Request{InfoHashes: []string{hashA}})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestScrapeURLFor(t *testing.T) {
	tests := []struct {
		announce string
		expected string
		wantErr  bool
	}{
		{announce: "http://t.example/announce", expected: "http://t.example/scrape"},
		{announce: "https://t.example/x/announce.php?passkey=abc", expected: "https://t.example/x/scrape.php?passkey=abc"},
		{announce: "http://t.example/a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.announce, func(t *testing.T) {
			u, err := url.Parse(tt.announce)
			require.NoError(t, err)
			got, err := scrapeURLFor(u)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.String())
		})
	}
}

// serveUDPTracker answers connect and scrape packets with fixed counts per hash.
func serveUDPTracker(t *testing.T, counts map[metainfo.Hash][3]int32) (string, func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			tx := binary.BigEndian.Uint32(buf[12:16])

			var out []byte
			switch action {
			case 0:
				out = binary.BigEndian.AppendUint32(out, 0)
				out = binary.BigEndian.AppendUint32(out, tx)
				out = binary.BigEndian.AppendUint64(out, 0xfeedface)
			case 2:
				out = binary.BigEndian.AppendUint32(out, 2)
				out = binary.BigEndian.AppendUint32(out, tx)
				for off := 16; off+20 <= n; off += 20 {
					var h metainfo.Hash
					copy(h[:], buf[off:off+20])
					c := counts[h]
					for _, v := range c {
						out = binary.BigEndian.AppendUint32(out, uint32(v))
					}
				}
			default:
				continue
			}
			_, _ = conn.WriteTo(out, addr)
		}
	}()

	return "udp://" + conn.LocalAddr().String() + "/announce", func() { _ = conn.Close() }
}

func TestScrapeUDPTracker(t *testing.T) {
	a := mustHash(t, hashA)
	tracker, stop := serveUDPTracker(t, map[metainfo.Hash][3]int32{a: {12, 34, 5}})
	defer stop()

	s := NewTrackerScraper([]string{tracker}, WithTimeout(5*time.Second))
	resp, err := s.Scrape(context.Background(), Request{InfoHashes: []string{hashA}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, Result{Hash: hashA, Complete: 12, Downloaded: 34, Incomplete: 5}, resp.Results[0])
}
