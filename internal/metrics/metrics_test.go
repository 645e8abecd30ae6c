// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerExposesRegisteredCollectors(t *testing.T) {
	m := NewManager()
	counter := promauto.With(m.Registerer()).NewCounter(prometheus.CounterOpts{
		Name: "tsuki_test_total",
		Help: "test counter",
	})
	counter.Add(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tsuki_test_total 3")
	assert.Contains(t, string(body), "go_goroutines")
}
