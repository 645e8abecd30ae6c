// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 30 * time.Second

var functionNamePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

var errNeverSettled = errors.New("returned a promise that never settled")

// Executor runs untrusted extension scripts. Every call gets a fresh goja runtime that
// is interrupted when the deadline passes.
type Executor struct {
	mu        sync.RWMutex
	timeout   time.Duration
	proxyPort int

	transport http.RoundTripper
	logger    zerolog.Logger
}

type Option func(*Executor)

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithProxyPort routes fetches through the header proxy listening on port.
func WithProxyPort(port int) Option {
	return func(e *Executor) {
		e.proxyPort = port
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(e *Executor) {
		if rt != nil {
			e.transport = rt
		}
	}
}

func New(opts ...Option) *Executor {
	e := &Executor{
		timeout:   DefaultTimeout,
		transport: http.DefaultTransport,
		logger:    log.Logger.With().Str("module", "sandbox").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Configure updates timeout and proxy port for subsequent executions.
func (e *Executor) Configure(timeout time.Duration, proxyPort int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timeout > 0 {
		e.timeout = timeout
	}
	e.proxyPort = proxyPort
}

func (e *Executor) settings() (time.Duration, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timeout, e.proxyPort
}

type outcome struct {
	value json.RawMessage
	err   error
}

// Execute runs script and awaits function(args...). The settled value is returned as JSON;
// a string result that holds JSON is decoded once more.
func (e *Executor) Execute(ctx context.Context, script, function string, args ...any) (json.RawMessage, error) {
	if !functionNamePattern.MatchString(function) {
		return nil, &ExecutionError{Function: function, Err: errors.New("invalid function name")}
	}

	encoded := make([]string, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "encode argument %d", i)
		}
		encoded[i] = string(b)
	}

	program := polyfill + "\n" + script + "\n" + fmt.Sprintf(invocation, function, strings.Join(encoded, ", "))
	return e.execute(ctx, function, program)
}

// Exports evaluates script and reports which of names it defines as functions.
func (e *Executor) Exports(ctx context.Context, script string, names ...string) ([]string, error) {
	checks := make([]string, 0, len(names))
	for _, name := range names {
		if !functionNamePattern.MatchString(name) {
			return nil, &ExecutionError{Function: name, Err: errors.New("invalid function name")}
		}
		checks = append(checks, fmt.Sprintf("typeof %s === 'function' ? '%s' : null", name, name))
	}

	program := polyfill + "\n" + script + "\n" + fmt.Sprintf(exportsProbe, strings.Join(checks, ", "))
	raw, err := e.execute(ctx, "exports", program)
	if err != nil {
		return nil, err
	}

	var found []*string
	if err := json.Unmarshal(raw, &found); err != nil {
		return nil, &ExecutionError{Function: "exports", Err: err}
	}
	exports := make([]string, 0, len(found))
	for _, name := range found {
		if name != nil {
			exports = append(exports, *name)
		}
	}
	return exports, nil
}

func (e *Executor) execute(ctx context.Context, function, program string) (json.RawMessage, error) {
	timeout, proxyPort := e.settings()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	logger := e.logger.With().Str("function", function).Logger()
	queue, err := e.install(runCtx, vm, proxyPort, logger)
	if err != nil {
		return nil, &ExecutionError{Function: function, Err: err}
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ExecutionError{Function: function, Err: fmt.Errorf("panic in sandbox: %v", r)}}
			}
		}()
		value, err := run(runCtx, vm, program, queue)
		if err != nil {
			err = &ExecutionError{Function: function, Err: err}
		}
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-runCtx.Done():
		vm.Interrupt(runCtx.Err())
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Debug().Dur("timeout", timeout).Msg("extension execution timed out")
		return nil, &TimeoutError{Function: function, Timeout: timeout}
	}
}

func (e *Executor) install(ctx context.Context, vm *goja.Runtime, proxyPort int, logger zerolog.Logger) (*timers, error) {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	f := newFetcher(ctx, e.transport, proxyPort, logger)
	if err := vm.Set("__hostFetch", f.bind(vm)); err != nil {
		return nil, err
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		lvl := level
		if err := console.Set(lvl, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			logger.Debug().Str("level", lvl).Msg(strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return nil, err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}

	return installTimers(vm)
}

// timers is a minimal setTimeout queue drained after the main program returns.
type timers struct {
	mu     sync.Mutex
	nextID int64
	queue  map[int64]*timer
}

type timer struct {
	id  int64
	due time.Time
	fn  goja.Callable
	arg []goja.Value
}

func installTimers(vm *goja.Runtime) (*timers, error) {
	t := &timers{queue: make(map[int64]*timer)}
	if err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback is not a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = call.Arguments[2:]
		}
		t.mu.Lock()
		t.nextID++
		id := t.nextID
		t.queue[id] = &timer{id: id, due: time.Now().Add(delay), fn: fn, arg: extra}
		t.mu.Unlock()
		return vm.ToValue(id)
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		t.mu.Lock()
		delete(t.queue, call.Argument(0).ToInteger())
		t.mu.Unlock()
		return goja.Undefined()
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *timers) next() *timer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	pending := make([]*timer, 0, len(t.queue))
	for _, tm := range t.queue {
		pending = append(pending, tm)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].due.Equal(pending[j].due) {
			return pending[i].id < pending[j].id
		}
		return pending[i].due.Before(pending[j].due)
	})
	delete(t.queue, pending[0].id)
	return pending[0]
}

func run(ctx context.Context, vm *goja.Runtime, program string, t *timers) (json.RawMessage, error) {
	value, err := vm.RunString(program)
	if err != nil {
		return nil, err
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return nil, errors.New("invocation did not produce a promise")
	}

	for promise.State() == goja.PromiseStatePending {
		tm := t.next()
		if tm == nil {
			break
		}
		if wait := time.Until(tm.due); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if _, err := tm.fn(goja.Undefined(), tm.arg...); err != nil {
			return nil, err
		}
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return decodeResult(promise.Result().String())
	case goja.PromiseStateRejected:
		return nil, rejection(promise.Result())
	default:
		return nil, errNeverSettled
	}
}

func rejection(reason goja.Value) error {
	if reason == nil || goja.IsUndefined(reason) || goja.IsNull(reason) {
		return errors.New("promise rejected")
	}
	if obj, ok := reason.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return errors.New(msg.String())
		}
	}
	return errors.New(reason.String())
}

func decodeResult(encoded string) (json.RawMessage, error) {
	// JSON.stringify yields undefined for functions and symbols
	if !json.Valid([]byte(encoded)) {
		return json.RawMessage("null"), nil
	}
	raw := json.RawMessage(encoded)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		trimmed := strings.TrimSpace(s)
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed), nil
		}
	}
	return raw, nil
}
