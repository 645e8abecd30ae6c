// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

const maxResponseBytes int64 = 16 << 20

// privilegedHeaders can only be set when the request goes through the header proxy.
var privilegedHeaders = map[string]struct{}{
	"user-agent": {},
	"cookie":     {},
	"referer":    {},
	"origin":     {},
	"host":       {},
}

// IsPrivilegedHeader reports whether name is only settable through the header proxy.
func IsPrivilegedHeader(name string) bool {
	_, ok := privilegedHeaders[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// ProxyURL builds the header proxy address for target.
func ProxyURL(port int, target string, headers map[string]string) string {
	encoded, _ := json.Marshal(headers)
	q := url.Values{}
	q.Set("url", target)
	q.Set("headers", string(encoded))
	return fmt.Sprintf("http://127.0.0.1:%d/proxy?%s", port, q.Encode())
}

// fetcher backs __hostFetch for one execution. The cookie jar lives as long as the call.
type fetcher struct {
	ctx       context.Context
	client    *http.Client
	proxyPort int
	logger    zerolog.Logger
}

func newFetcher(ctx context.Context, transport http.RoundTripper, proxyPort int, logger zerolog.Logger) *fetcher {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &fetcher{
		ctx:       ctx,
		client:    &http.Client{Transport: transport, Jar: jar},
		proxyPort: proxyPort,
		logger:    logger,
	}
}

type fetchRequest struct {
	url     string
	method  string
	body    *string
	headers map[string]string
}

type fetchResponse struct {
	status     int
	statusText string
	url        string
	headers    map[string]string
	body       []byte
}

func (f *fetcher) bind(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		req := fetchRequest{
			url:     call.Argument(0).String(),
			method:  strings.ToUpper(call.Argument(2).String()),
			headers: exportHeaders(call.Argument(1)),
		}
		if req.method == "" || req.method == "UNDEFINED" {
			req.method = http.MethodGet
		}
		if b := call.Argument(3); !goja.IsUndefined(b) && !goja.IsNull(b) {
			s := b.String()
			req.body = &s
		}

		resp, err := f.do(req)
		if err != nil {
			panic(vm.NewGoError(err))
		}

		return vm.ToValue(map[string]any{
			"ok":         resp.status >= 200 && resp.status < 300,
			"status":     resp.status,
			"statusText": resp.statusText,
			"url":        resp.url,
			"headers":    resp.headers,
			"body":       string(resp.body),
			"bytes":      vm.NewArrayBuffer(resp.body),
		})
	}
}

func exportHeaders(v goja.Value) map[string]string {
	headers := make(map[string]string)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return headers
	}
	if m, ok := v.Export().(map[string]any); ok {
		for k, val := range m {
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}

func (f *fetcher) do(req fetchRequest) (*fetchResponse, error) {
	if f.proxyPort > 0 {
		resp, err := f.send(req, true)
		if err == nil {
			return resp, nil
		}
		if !isDialError(err) {
			return nil, err
		}
		f.logger.Debug().Err(err).Int("proxy_port", f.proxyPort).Msg("header proxy unavailable, falling back to direct fetch")
	}
	return f.send(req, false)
}

func (f *fetcher) send(req fetchRequest, viaProxy bool) (*fetchResponse, error) {
	target := req.url
	headers := req.headers
	if viaProxy {
		target = ProxyURL(f.proxyPort, req.url, req.headers)
		headers = nil
	}

	var body io.Reader
	if req.body != nil {
		body = strings.NewReader(*req.body)
	}

	httpReq, err := http.NewRequestWithContext(f.ctx, req.method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", req.url)
	}
	for k, v := range headers {
		if IsPrivilegedHeader(k) {
			f.logger.Trace().Str("header", k).Msg("dropping privileged header on direct fetch")
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read response from %s", req.url)
	}
	if int64(len(data)) > maxResponseBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", req.url, maxResponseBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
	}

	finalURL := req.url
	if !viaProxy && resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &fetchResponse{
		status:     resp.StatusCode,
		statusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		url:        finalURL,
		headers:    respHeaders,
		body:       data,
	}, nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
