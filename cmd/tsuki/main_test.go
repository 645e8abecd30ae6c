// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigFile(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "custom.conf")
	require.NoError(t, os.WriteFile(existing, []byte(""), 0o600))

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "directory", input: dir, expected: filepath.Join(dir, "config.toml")},
		{name: "toml_file", input: filepath.Join(dir, "Other.TOML"), expected: filepath.Join(dir, "Other.TOML")},
		{name: "existing_file", input: existing, expected: existing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveConfigFile(tt.input))
		})
	}

	assert.Equal(t, "config.toml", filepath.Base(resolveConfigFile("")))
}

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"Key", "Seeders"},
		[][]string{{"nyaa-1.0.0", "12"}, {"short"}},
		[]columnAlignment{alignLeft, alignRight},
	)

	assert.Contains(t, out, "nyaa-1.0.0")
	assert.Contains(t, strings.ToUpper(out), "SEEDERS")
	assert.Len(t, strings.Split(out, "\n"), 6)

	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestValidateStatus(t *testing.T) {
	assert.Equal(t, "reachable", validateStatus(json.RawMessage(`true`)))
	assert.Equal(t, "unreachable", validateStatus(json.RawMessage(`false`)))
	assert.Equal(t, "unreachable", validateStatus(json.RawMessage(`{"ok":true}`)))
	assert.Equal(t, "unreachable", validateStatus(nil))
}
