// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

// filterEnv is the environment a result filter expression is evaluated against.
type filterEnv struct {
	Title     string    `expr:"title"`
	Link      string    `expr:"link"`
	Hash      string    `expr:"hash"`
	Seeders   int       `expr:"seeders"`
	Leechers  int       `expr:"leechers"`
	Downloads int       `expr:"downloads"`
	Size      int64     `expr:"size"`
	Date      time.Time `expr:"date"`
	Accuracy  string    `expr:"accuracy"`
	Type      string    `expr:"type"`
	Source    string    `expr:"source"`
}

type resultFilter struct {
	expression string
	program    *vm.Program
}

// compileFilter returns nil for an empty expression.
func compileFilter(expression string) (*resultFilter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	program, err := expr.Compile(expression, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, errors.Wrap(err, "compile result filter")
	}
	return &resultFilter{expression: expression, program: program}, nil
}

// apply keeps the results the expression accepts. Results it fails to evaluate on are kept.
func (f *resultFilter) apply(key string, results []Result) ([]Result, int) {
	if f == nil {
		return results, 0
	}
	kept := results[:0:0]
	failures := 0
	for _, r := range results {
		env := filterEnv{
			Title:     r.Title,
			Link:      r.Link,
			Hash:      r.Hash,
			Seeders:   r.Seeders,
			Leechers:  r.Leechers,
			Downloads: r.Downloads,
			Size:      r.Size,
			Date:      r.Date,
			Accuracy:  r.Accuracy,
			Type:      r.Type,
			Source:    key,
		}
		out, err := expr.Run(f.program, env)
		if err != nil {
			failures++
			kept = append(kept, r)
			continue
		}
		if ok, _ := out.(bool); ok {
			kept = append(kept, r)
		}
	}
	return kept, failures
}
