package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/masahif/linkrecall/internal/enrich"
	"github.com/masahif/linkrecall/internal/extractor"
	"github.com/masahif/linkrecall/internal/fetch"
	"github.com/masahif/linkrecall/internal/rpc"
)

var importCmd = &cobra.Command{
	Use:   "import <history-file>...",
	Short: "Import Safari or Chromium history databases",
	Long: `Import reads each history file read-only, merges its visits into the
store and queues every touched URL for enrichment. A file already imported
from the same device is skipped unless --force is given. One unreadable
file does not stop the others.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			files := make([]extractor.FileSpec, len(args))
			for i, path := range args {
				files[i] = extractor.FileSpec{Path: path, DeviceID: device}
			}
			report := a.importer.ImportFiles(ctx, files, extractor.ImportOptions{Force: force})

			out := cmd.OutOrStdout()
			for _, st := range report.Imported {
				if st.AlreadyImported {
					fmt.Fprintf(out, "%s: already imported from %s, skipped (use --force to re-import)\n", st.Path, st.DeviceID)
					continue
				}
				fmt.Fprintf(out, "%s: %d visits, %d URLs, %d queued, %d skipped, %d warnings (%s)\n",
					st.Path, st.VisitsStored, st.URLsTouched, st.Enqueued, st.Skipped, st.Warnings, st.Dialect)
			}
			for _, f := range report.Failed {
				fmt.Fprintf(out, "%s: failed: %s\n", f.Path, f.Error)
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d of %d files failed to import", len(report.Failed), len(files))
			}
			return ctx.Err()
		})
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fetch, summarize and embed queued URLs",
	Long: `Enrich runs the worker pool over the enrichment queue until interrupted.
With --drain it exits once nothing is claimable and no work is in flight.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		drain, _ := cmd.Flags().GetBool("drain")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			fetcher := fetch.NewFetcher(fetch.Options{
				UserAgent:    a.cfg.Worker.UserAgent,
				Timeout:      a.cfg.Worker.FetchTimeout,
				RequestDelay: a.cfg.Worker.RequestDelay,
				DomainDelays: a.cfg.Worker.DomainDelayMap(),
				MaxTextChars: a.cfg.Worker.MaxTextChars,
			})
			defer fetcher.Close()

			pool, err := enrich.NewPool(enrich.Deps{
				Queue:      a.store,
				URLs:       a.store,
				Fetcher:    fetcher,
				Summarizer: a.caps.Summarizer,
				Keywords:   a.caps.Keywords,
				Embedder:   a.caps.Embedder,
				Index:      a.index,
			}, enrich.OptionsFromConfig(a.cfg))
			if err != nil {
				return err
			}

			slog.Info("Enrichment configured",
				"provider", a.caps.Provider,
				"concurrency", a.cfg.Worker.Concurrency,
				"lease_timeout", a.cfg.Queue.LeaseTimeout,
				"max_retries", a.cfg.Queue.MaxRetries)

			if drain {
				err = pool.Drain(ctx)
			} else {
				err = pool.Run(ctx)
			}
			if errors.Is(err, context.Canceled) {
				err = nil
			}

			stats := pool.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d, succeeded %d, failed %d, lease lost %d\n",
				stats.Processed, stats.Succeeded, stats.Failed, stats.LeaseLost)
			return err
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Hybrid keyword and semantic search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := rpc.SearchRequest{Query: strings.Join(args, " ")}
		req.Limit, _ = cmd.Flags().GetInt("limit")
		req.Offset, _ = cmd.Flags().GetInt("offset")
		req.Domain, _ = cmd.Flags().GetString("domain")
		req.Tag, _ = cmd.Flags().GetString("tag")
		req.StartDate, _ = cmd.Flags().GetString("start")
		req.EndDate, _ = cmd.Flags().GetString("end")
		return runRPC(cmd, rpc.CmdSearch, req)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store totals and top domains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRPC(cmd, rpc.CmdStats, nil)
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show visit counts by hour, day or domain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req rpc.TimelineRequest
		req.GroupBy, _ = cmd.Flags().GetString("group-by")
		req.StartDate, _ = cmd.Flags().GetString("start")
		req.EndDate, _ = cmd.Flags().GetString("end")
		req.Domain, _ = cmd.Flags().GetString("domain")
		return runRPC(cmd, rpc.CmdTimeline, req)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show enrichment queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRPC(cmd, rpc.CmdQueueStatus, nil)
	},
}

var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "List imported history files, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRPC(cmd, rpc.CmdListImports, nil)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue [url-id]...",
	Short: "Reset failed URLs to pending with a fresh retry budget",
	Long:  `Requeue resets the given failed URLs, or every failed URL when none are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRPC(cmd, rpc.CmdRequeueFailed, rpc.RequeueRequest{URLIDs: args})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the RPC commands over HTTP",
	Long: `Serve exposes every command as POST /rpc/{command} with a JSON body,
plus GET /rpc for the command list and GET /healthz.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return rpc.Serve(ctx, a.cfg.Server.Addr, rpc.NewHandler(a.dispatcher()))
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the RPC commands as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return rpc.ServeStdio(ctx, rpc.NewMCPServer(a.dispatcher(), version))
		})
	},
}

func init() {
	importCmd.Flags().StringP("device", "D", extractor.DefaultDeviceID, "Source device id for the imported visits")
	importCmd.Flags().Bool("force", false, "Re-import files already imported from the same device")

	enrichCmd.Flags().Bool("drain", false, "Exit once the queue has nothing claimable")
	enrichCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent workers")
	enrichCmd.Flags().Duration("request-delay", 0, "Minimum delay between requests to one host")
	enrichCmd.Flags().String("user-agent", "LinkRecall/1.0", "HTTP User-Agent header")
	bindFlags(enrichCmd, []flagBinding{
		{"worker.concurrency", "concurrency"},
		{"worker.request_delay", "request-delay"},
		{"worker.user_agent", "user-agent"},
	})

	searchCmd.Flags().IntP("limit", "l", 0, "Maximum number of results (default search.limit)")
	searchCmd.Flags().Int("offset", 0, "Number of ranked results to skip")
	searchCmd.Flags().String("domain", "", "Only URLs on this domain or its subdomains")
	searchCmd.Flags().String("tag", "", "Only URLs with this enrichment keyword")
	searchCmd.Flags().String("start", "", "Only URLs visited at or after this date")
	searchCmd.Flags().String("end", "", "Only URLs visited before this date")

	timelineCmd.Flags().String("group-by", "day", "Bucket by hour, day or domain")
	timelineCmd.Flags().String("start", "", "Range start (inclusive)")
	timelineCmd.Flags().String("end", "", "Range end (exclusive)")
	timelineCmd.Flags().String("domain", "", "Only this domain and its subdomains")

	serveCmd.Flags().String("addr", "127.0.0.1:6893", "Listen address")
	bindFlags(serveCmd, []flagBinding{{"server.addr", "addr"}})
}

// runRPC dispatches one command and prints its result as JSON
func runRPC(cmd *cobra.Command, name string, req any) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		args, err := json.Marshal(req)
		if err != nil {
			return err
		}
		result, err := a.dispatcher().Dispatch(ctx, name, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
