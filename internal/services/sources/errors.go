// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// missingAniDBPattern matches the error sources report when a query lacks AniDB ids. It
// means the source cannot serve this query, not that it failed.
var missingAniDBPattern = regexp.MustCompile(`(?i)no anidb[ae]id provided`)

// SourceQueryError summarizes the errors a source script reported.
type SourceQueryError struct {
	Key     string
	Message string
}

func (e *SourceQueryError) Error() string {
	return e.Message
}

func (e *SourceQueryError) Is(target error) bool {
	_, ok := target.(*SourceQueryError)
	return ok
}

type scriptError struct {
	Message string `json:"message"`
}

// errorMessage returns the message field of a script error, or its JSON text.
func errorMessage(raw json.RawMessage) string {
	var se scriptError
	if err := json.Unmarshal(raw, &se); err == nil && se.Message != "" {
		return se.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}

func isBenign(errs []json.RawMessage) bool {
	for _, raw := range errs {
		if !missingAniDBPattern.MatchString(errorMessage(raw)) {
			return false
		}
	}
	return true
}

func summarize(key string, errs []json.RawMessage) *SourceQueryError {
	messages := make([]string, 0, len(errs))
	for _, raw := range errs {
		msg := errorMessage(raw)
		msg = strings.ReplaceAll(msg, `\n`, " ")
		msg = strings.ReplaceAll(msg, `"`, "")
		messages = append(messages, msg)
	}
	summary := strings.Join(messages, "\n")
	if strings.TrimSpace(summary) == "" {
		summary = "Unknown error"
	}
	return &SourceQueryError{Key: key, Message: summary}
}

func noResultsMessage(key string) string {
	return fmt.Sprintf("Source %s found no results.", key)
}
