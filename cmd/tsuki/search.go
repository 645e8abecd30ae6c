// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/tsuki/internal/services/sources"
)

const searchTimeout = 5 * time.Minute

func RunSearchCommand() *cobra.Command {
	var (
		flags      extensionFlags
		episode    int
		batch      bool
		movie      bool
		resolution string
		asJSON     bool
	)

	command := &cobra.Command{
		Use:   "search <anilist-id>",
		Short: "Query every installed extension for a show",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return errors.Errorf("invalid AniList id %q", args[0])
			}

			return flags.withRuntime(cmd.Context(), false, func(rt *runtime) error {
				ctx := cmd.Context()
				media, err := rt.anilist.Media(ctx, id)
				if err != nil {
					return errors.Wrapf(err, "look up media %d", id)
				}

				if err := rt.registry.Start(ctx); err != nil {
					return err
				}

				searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
				defer cancel()

				results, err := rt.sources.Search(searchCtx, sources.Request{
					Media:      media,
					Episode:    episode,
					Batch:      batch,
					Movie:      movie,
					Resolution: resolution,
				})
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(results)
				}

				printResults(cmd, results)
				return nil
			})
		},
	}

	flags.bind(command)
	command.Flags().IntVarP(&episode, "episode", "e", 0, "episode number")
	command.Flags().BoolVar(&batch, "batch", false, "look for batches covering the whole season")
	command.Flags().BoolVar(&movie, "movie", false, "look for a movie release")
	command.Flags().StringVarP(&resolution, "resolution", "r", "1080", "preferred resolution")
	command.Flags().BoolVar(&asJSON, "json", false, "print the raw results as JSON")

	return command
}

func printResults(cmd *cobra.Command, results map[string]sources.Resolved) {
	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		res := results[key]
		cmd.Printf("%s (%s)\n", res.Name, key)

		for _, e := range res.Errors {
			cmd.Printf("  ! %s\n", e.Message)
		}
		if len(res.Results) == 0 {
			cmd.Println()
			continue
		}

		rows := make([][]string, 0, len(res.Results))
		for _, r := range res.Results {
			age := ""
			if !r.Date.IsZero() {
				age = humanize.Time(r.Date)
			}
			rows = append(rows, []string{
				r.Title,
				humanize.IBytes(uint64(max(r.Size, 0))),
				strconv.Itoa(r.Seeders),
				strconv.Itoa(r.Leechers),
				strconv.Itoa(r.Downloads),
				r.Accuracy,
				age,
			})
		}

		cmd.Println(renderTable(
			[]string{"Title", "Size", "Seeders", "Leechers", "Downloads", "Accuracy", "Age"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft},
		))
	}
}
