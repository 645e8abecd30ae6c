// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package loader

import (
	"errors"
	"fmt"
)

var ErrInvalidManifest = errors.New("Invalid manifest: missing sourceName or scriptUrl")

// ManifestFetchError is returned when the manifest cannot be fetched or decoded.
type ManifestFetchError struct {
	URL string
	Err error
}

func (e *ManifestFetchError) Error() string {
	return fmt.Sprintf("Failed to load manifest from %s: %v", e.URL, e.Err)
}

func (e *ManifestFetchError) Unwrap() error { return e.Err }

func (e *ManifestFetchError) Is(target error) bool {
	_, ok := target.(*ManifestFetchError)
	return ok
}

// ScriptFetchError is returned when the manifest is valid but its script cannot be fetched.
type ScriptFetchError struct {
	URL string
	Err error
}

func (e *ScriptFetchError) Error() string {
	return fmt.Sprintf("Failed to load script from %s: %v", e.URL, e.Err)
}

func (e *ScriptFetchError) Unwrap() error { return e.Err }

func (e *ScriptFetchError) Is(target error) bool {
	_, ok := target.(*ScriptFetchError)
	return ok
}
