package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
)

// errCacheUnavailable is returned by admin commands that need a backend.
var errCacheUnavailable = errors.New("cache backend not configured")

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Cache maintenance commands",
		Long:  "Inspect and invalidate the shared cache directly, without a running server",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print backend state, hit rate and key count",
			Args:  cobra.NoArgs,
			RunE: withCache(func(ctx context.Context, svc *cache.Service, out io.Writer, args []string) error {
				return printJSON(out, svc.StatsContext(ctx))
			}),
		},
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the cache backend answers",
			Args:  cobra.NoArgs,
			RunE: withCache(func(ctx context.Context, svc *cache.Service, out io.Writer, args []string) error {
				if !svc.Ping(ctx) {
					return fmt.Errorf("%s backend did not answer", svc.Backend())
				}
				_, err := fmt.Fprintf(out, "%s: ok\n", svc.Backend())
				return err
			}),
		},
		&cobra.Command{
			Use:   "clear-prefix <prefix>",
			Short: "Delete every key under a prefix",
			Args:  cobra.ExactArgs(1),
			RunE: withCache(func(ctx context.Context, svc *cache.Service, out io.Writer, args []string) error {
				deleted := svc.ClearByPrefix(ctx, args[0])
				return printJSON(out, map[string]any{"prefix": args[0], "deleted": deleted})
			}),
		},
		&cobra.Command{
			Use:   "invalidate-tags <tag>...",
			Short: "Delete every key registered under the given tags",
			Args:  cobra.MinimumNArgs(1),
			RunE: withCache(func(ctx context.Context, svc *cache.Service, out io.Writer, args []string) error {
				deleted := svc.InvalidateByTags(ctx, args...)
				return printJSON(out, map[string]any{"tags": args, "deleted": deleted})
			}),
		},
	)

	return cmd
}

// withCache opens the configured cache for one admin command.
func withCache(fn func(ctx context.Context, svc *cache.Service, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}

		svc, configured, err := openCache(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer svc.Close()
		if !configured {
			return errCacheUnavailable
		}

		return fn(cmd.Context(), svc, cmd.OutOrStdout(), args)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
