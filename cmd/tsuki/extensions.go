// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/tsuki/internal/models"
)

type extensionFlags struct {
	configDir string
	dataDir   string
}

func (f *extensionFlags) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	cmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", "", "data directory holding tsuki.db (default is next to config file)")
}

// withRuntime runs fn against the local database. Commands that write take the data
// directory lock and refuse to run next to a live server.
func (f *extensionFlags) withRuntime(ctx context.Context, write bool, fn func(*runtime) error) error {
	cfg, err := loadConfig(f.configDir, f.dataDir)
	if err != nil {
		return err
	}

	if write {
		lock, err := acquireLock(cfg)
		if err != nil {
			return errors.Wrap(err, "stop the server or use the HTTP API")
		}
		defer lock.Unlock()
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(rt)
}

func RunExtensionsCommand() *cobra.Command {
	flags := &extensionFlags{}

	command := &cobra.Command{
		Use:     "extensions",
		Aliases: []string{"ext"},
		Short:   "Manage installed source extensions",
	}
	flags.bind(command)

	command.AddCommand(
		extensionsListCommand(flags),
		extensionsAddCommand(flags),
		extensionsRemoveCommand(flags),
		extensionsToggleCommand(flags, "enable", true),
		extensionsToggleCommand(flags, "disable", false),
		extensionsSlotCommand(flags, "default", models.SlotDefault),
		extensionsSlotCommand(flags, "star", models.SlotStarred),
		extensionsUpdatesCommand(flags),
		extensionsValidateCommand(flags),
		extensionsExportCommand(flags),
		extensionsImportCommand(flags),
	)

	return command
}

func extensionsListCommand(flags *extensionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), false, func(rt *runtime) error {
				settings, err := rt.store.Settings(cmd.Context())
				if err != nil {
					return err
				}
				if len(settings.Extensions) == 0 {
					cmd.Println("No extensions installed.")
					return nil
				}

				keys := make([]string, 0, len(settings.Extensions))
				for key := range settings.Extensions {
					keys = append(keys, key)
				}
				sort.Strings(keys)

				rows := make([][]string, 0, len(keys))
				for _, key := range keys {
					ext := settings.Extensions[key]
					var marks string
					if key == settings.DefaultExtension {
						marks += "default "
					}
					if key == settings.StarredExtension {
						marks += "starred"
					}
					rows = append(rows, []string{
						key,
						ext.Manifest.DisplayName(),
						ext.Manifest.Version,
						strconv.FormatBool(ext.Enabled),
						strconv.FormatBool(ext.Manifest.NSFW),
						marks,
						ext.URL,
					})
				}

				cmd.Println(renderTable(
					[]string{"Key", "Name", "Version", "Enabled", "NSFW", "Slots", "URL"},
					rows,
					nil,
				))
				return nil
			})
		},
	}
}

func extensionsAddCommand(flags *extensionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <manifest-url>",
		Short: "Install an extension from its manifest URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), true, func(rt *runtime) error {
				key, err := rt.registry.AddExtension(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cmd.Printf("Installed %s\n", key)
				return nil
			})
		},
	}
}

func extensionsRemoveCommand(flags *extensionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key|name>",
		Short: "Uninstall an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), true, func(rt *runtime) error {
				key, err := rt.registry.ResolveKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := rt.registry.RemoveExtension(cmd.Context(), key); err != nil {
					return err
				}
				cmd.Printf("Removed %s\n", key)
				return nil
			})
		},
	}
}

func extensionsToggleCommand(flags *extensionFlags, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <key|name>",
		Short: fmt.Sprintf("%s an installed extension", map[bool]string{true: "Enable", false: "Disable"}[enabled]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), true, func(rt *runtime) error {
				key, err := rt.registry.ResolveKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return rt.registry.ToggleExtension(cmd.Context(), key, enabled)
			})
		},
	}
}

func extensionsSlotCommand(flags *extensionFlags, use, slot string) *cobra.Command {
	var unset bool

	command := &cobra.Command{
		Use:   use + " [key|name]",
		Short: fmt.Sprintf("Set or clear the %s extension", use),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if unset == (len(args) == 1) {
				return errors.New("pass either a key or --unset")
			}
			return flags.withRuntime(cmd.Context(), true, func(rt *runtime) error {
				ctx := cmd.Context()
				if unset {
					if slot == models.SlotDefault {
						return rt.registry.UnsetDefault(ctx)
					}
					return rt.registry.UnsetStar(ctx)
				}

				key, err := rt.registry.ResolveKey(ctx, args[0])
				if err != nil {
					return err
				}
				if slot == models.SlotDefault {
					return rt.registry.SetDefault(ctx, key)
				}
				return rt.registry.SetStar(ctx, key)
			})
		},
	}
	command.Flags().BoolVar(&unset, "unset", false, "clear the slot")

	return command
}

func extensionsUpdatesCommand(flags *extensionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-updates [key|name...]",
		Short: "Compare installed versions with their manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), false, func(rt *runtime) error {
				configs, err := rt.store.List(cmd.Context())
				if err != nil {
					return err
				}

				keys := make([]string, 0, len(configs))
				if len(args) == 0 {
					for key := range configs {
						keys = append(keys, key)
					}
				}
				for _, arg := range args {
					key, err := rt.registry.ResolveKey(cmd.Context(), arg)
					if err != nil {
						return err
					}
					keys = append(keys, key)
				}
				sort.Strings(keys)

				rows := make([][]string, 0, len(keys))
				for _, key := range keys {
					info, err := rt.registry.CheckUpdate(cmd.Context(), key)
					if err != nil {
						rows = append(rows, []string{key, configs[key].Manifest.Version, "?", err.Error()})
						continue
					}
					status := "up to date"
					if info.Available {
						status = "update available"
					}
					rows = append(rows, []string{key, info.Current, info.Latest, status})
				}

				cmd.Println(renderTable([]string{"Key", "Installed", "Latest", "Status"}, rows, nil))
				return nil
			})
		},
	}
}

func extensionsValidateCommand(flags *extensionFlags) *cobra.Command {
	var all bool

	command := &cobra.Command{
		Use:   "validate [key|name]",
		Short: "Run the reachability check of an extension",
		Long: `Run the validate() export of one extension. Without an argument the default
extension is checked; --all checks every enabled extension.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) == 1 {
				return errors.New("pass either a key or --all")
			}
			return flags.withRuntime(cmd.Context(), false, func(rt *runtime) error {
				ctx := cmd.Context()
				if err := rt.registry.Start(ctx); err != nil {
					return err
				}

				if all {
					if err := rt.registry.Wait(ctx); err != nil {
						return err
					}
					enabled, err := rt.registry.GetEnabled(ctx)
					if err != nil {
						return err
					}
					results, err := rt.registry.CallAll(ctx, "validate")
					if err != nil {
						return err
					}
					answered := make(map[string]json.RawMessage, len(results))
					for _, res := range results {
						answered[res.Extension] = res.Result
					}

					rows := make([][]string, 0, len(enabled))
					for _, src := range enabled {
						status := "failed"
						if out, ok := answered[src.Key]; ok {
							status = validateStatus(out)
						}
						rows = append(rows, []string{src.Key, src.Manifest.DisplayName(), status})
					}
					cmd.Println(renderTable([]string{"Key", "Name", "Status"}, rows, nil))
					return nil
				}

				var (
					key string
					out json.RawMessage
					err error
				)
				if len(args) == 0 {
					key = "default extension"
					out, err = rt.registry.CallDefault(ctx, "validate")
				} else {
					key, err = rt.registry.ResolveKey(ctx, args[0])
					if err != nil {
						return err
					}
					out, err = rt.registry.Validate(ctx, key)
				}
				if err != nil {
					return err
				}
				cmd.Printf("%s: %s\n", key, validateStatus(out))
				return nil
			})
		},
	}
	command.Flags().BoolVar(&all, "all", false, "check every enabled extension")

	return command
}

// validateStatus reads the boolean a validate() export resolves to.
func validateStatus(out json.RawMessage) string {
	var ok bool
	if err := json.Unmarshal(out, &ok); err == nil && ok {
		return "reachable"
	}
	return "unreachable"
}

func extensionsExportCommand(flags *extensionFlags) *cobra.Command {
	var output string

	command := &cobra.Command{
		Use:   "export",
		Short: "Write the installed extensions as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withRuntime(cmd.Context(), false, func(rt *runtime) error {
				settings, err := rt.store.Settings(cmd.Context())
				if err != nil {
					return err
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return errors.Wrap(err, "create export file")
					}
					defer f.Close()
					w = f
				}

				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(settings); err != nil {
					return errors.Wrap(err, "encode settings")
				}
				return enc.Close()
			})
		},
	}
	command.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")

	return command
}

func extensionsImportCommand(flags *extensionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Install every extension listed in an exported YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read import file")
			}

			var settings models.ExtensionSettings
			if err := yaml.Unmarshal(data, &settings); err != nil {
				return errors.Wrap(err, "decode import file")
			}

			return flags.withRuntime(cmd.Context(), true, func(rt *runtime) error {
				installed, failed := importSettings(cmd.Context(), rt, &settings)
				cmd.Printf("Imported %d extensions", installed)
				if failed > 0 {
					cmd.Printf(", %d failed", failed)
				}
				cmd.Println()
				return nil
			})
		},
	}
}

// importSettings installs each extension by URL. Keys come from the fetched manifests, so
// slots are carried over through the old to new key mapping.
func importSettings(ctx context.Context, rt *runtime, settings *models.ExtensionSettings) (int, int) {
	keys := make([]string, 0, len(settings.Extensions))
	for key := range settings.Extensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	renamed := make(map[string]string, len(keys))
	var installed, failed int
	for _, oldKey := range keys {
		ext := settings.Extensions[oldKey]
		if ext == nil || ext.URL == "" {
			failed++
			continue
		}

		key, err := rt.registry.AddExtension(ctx, ext.URL)
		if err != nil {
			log.Error().Err(err).Str("key", oldKey).Str("url", ext.URL).Msg("failed to import extension")
			failed++
			continue
		}
		renamed[oldKey] = key
		installed++

		if !ext.Enabled {
			if err := rt.registry.ToggleExtension(ctx, key, false); err != nil {
				log.Error().Err(err).Str("key", key).Msg("failed to disable imported extension")
			}
		}
	}

	if key, ok := renamed[settings.DefaultExtension]; ok {
		if err := rt.registry.SetDefault(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to restore default extension")
		}
	}
	if key, ok := renamed[settings.StarredExtension]; ok {
		if err := rt.registry.SetStar(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to restore starred extension")
		}
	}

	return installed, failed
}
