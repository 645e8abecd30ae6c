// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autobrr/tsuki/internal/models"
)

// Capability is an optional function an extension script can export.
type Capability string

const (
	CapabilitySingle   Capability = "single"
	CapabilityBatch    Capability = "batch"
	CapabilityMovie    Capability = "movie"
	CapabilityValidate Capability = "validate"
)

var allCapabilities = []Capability{CapabilitySingle, CapabilityBatch, CapabilityMovie, CapabilityValidate}

// UnsupportedError is returned when a source does not export the requested function.
type UnsupportedError struct {
	Key        string
	Capability Capability
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("extension %s does not support %s", e.Key, e.Capability)
}

func (e *UnsupportedError) Is(target error) bool {
	_, ok := target.(*UnsupportedError)
	return ok
}

// Source is a loaded extension bound to the sandbox.
type Source struct {
	Key      string
	Manifest models.Manifest

	script       string
	capabilities map[Capability]bool
	executor     Executor
}

func newSource(key string, ext *models.Extension, capabilities []Capability, executor Executor) *Source {
	var caps map[Capability]bool
	if capabilities != nil {
		caps = make(map[Capability]bool, len(capabilities))
		for _, c := range capabilities {
			caps[c] = true
		}
	}
	return &Source{
		Key:          key,
		Manifest:     ext.Manifest,
		script:       ext.Script,
		capabilities: caps,
		executor:     executor,
	}
}

// Has reports whether the script exports capability. A source whose exports could not be
// probed reports every capability.
func (s *Source) Has(c Capability) bool {
	if s.capabilities == nil {
		return true
	}
	return s.capabilities[c]
}

func (s *Source) Capabilities() []Capability {
	out := make([]Capability, 0, len(allCapabilities))
	for _, c := range allCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Call runs an arbitrary exported function.
func (s *Source) Call(ctx context.Context, function string, args ...any) (json.RawMessage, error) {
	return s.executor.Execute(ctx, s.script, function, args...)
}

func (s *Source) invoke(ctx context.Context, c Capability, args ...any) (json.RawMessage, error) {
	if !s.Has(c) {
		return nil, &UnsupportedError{Key: s.Key, Capability: c}
	}
	return s.Call(ctx, string(c), args...)
}

func (s *Source) Single(ctx context.Context, query, opts any) (json.RawMessage, error) {
	return s.invoke(ctx, CapabilitySingle, query, opts)
}

func (s *Source) Batch(ctx context.Context, query, opts any) (json.RawMessage, error) {
	return s.invoke(ctx, CapabilityBatch, query, opts)
}

func (s *Source) Movie(ctx context.Context, query, opts any) (json.RawMessage, error) {
	return s.invoke(ctx, CapabilityMovie, query, opts)
}

func (s *Source) Validate(ctx context.Context) (json.RawMessage, error) {
	return s.invoke(ctx, CapabilityValidate)
}
