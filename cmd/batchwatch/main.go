package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/batchwatch/internal/config"
	"github.com/yourorg/batchwatch/internal/export"
	"github.com/yourorg/batchwatch/internal/input"
	xlog "github.com/yourorg/batchwatch/internal/log"
	"github.com/yourorg/batchwatch/internal/runner"
	"github.com/yourorg/batchwatch/internal/server"
	"github.com/yourorg/batchwatch/internal/store"
	"github.com/yourorg/batchwatch/pkg/types"
)

const defaultConfigContent = `backend:
  base_url: "http://127.0.0.1:8080"
  start_path: "/api/batch/start"
  stop_path: "/api/batch/stop"
  api_key: ""
  stop_timeout: 5s
  request_timeout: 0s

batch:
  max_items: 5000
  flush_max_items: 10
  flush_interval: 50ms
  profile: "default"

# Extra validation profiles. "default", "lenient" and "strict" are built in.
profiles:
  keys:
    item_field: "key"
    status_field: "status"
    categories:
      valid: "live"
      invalid: "dead"
    default_category: "error"

store:
  path: "~/.batchwatch/batchwatch.db"
  max_results: 10000

mask:
  keep_prefix: 6
  keep_suffix: 4
  replacement: "*"

server:
  host: "127.0.0.1"
  port: 3000
  rate_limit: 120

log:
  level: "info"
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	cfgPath string
	verbose bool
	debug   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "batchwatch",
		Short:         "Submit batches to a validation backend and follow the result stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "print progress updates")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(newInitCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newResumeCmd(opts))
	root.AddCommand(newListCmd(opts))
	root.AddCommand(newShowCmd(opts))
	root.AddCommand(newDeleteCmd(opts))
	root.AddCommand(newExportCmd(opts))
	root.AddCommand(newServeCmd(opts))

	return root
}

// setup loads and validates config and configures logging.
func setup(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, err
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.debug {
		level = "debug"
	}
	xlog.Configure(xlog.Config{Level: level, Output: cmd.ErrOrStderr()})
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Store.Path, cfg.Store.MaxResults)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.batchwatch directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := opts.cfgPath
			if cfgFile == "" {
				baseDir, err := config.BaseDir()
				if err != nil {
					return err
				}
				cfgFile = filepath.Join(baseDir, "config.yaml")
			}
			if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
				return err
			}

			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			cfg, err := setup(cmd, &rootOptions{cfgPath: cfgFile, debug: opts.debug})
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", cfg.Store.Path)
			fmt.Fprintln(cmd.OutOrStdout(), "please update backend.base_url and backend.api_key in", cfgFile)
			return nil
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var inputPath, profile string
	cmd := &cobra.Command{Use: "run", Short: "Submit a batch and follow its results", RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, opts, inputPath, profile, "")
	}}
	cmd.Flags().StringVar(&inputPath, "input", "", "file with one item per line, or a JSON array")
	cmd.Flags().StringVar(&profile, "profile", "", "validation profile (defaults to batch.profile)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var inputPath, runID string
	cmd := &cobra.Command{Use: "resume", Short: "Continue a stored run with more items", RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, opts, inputPath, "", runID)
	}}
	cmd.Flags().StringVar(&inputPath, "input", "", "file with the remaining items")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func executeRun(cmd *cobra.Command, opts *rootOptions, inputPath, profile, runID string) error {
	cfg, err := setup(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.ValidateRun(); err != nil {
		return err
	}
	items, err := input.Parse(inputPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := runner.Params{Items: items, RunID: runID, Profile: profile}
	if opts.verbose {
		params.OnUpdate = progressPrinter(cmd.ErrOrStderr())
	}
	res, err := runner.Execute(ctx, cfg, st, params)
	if res != nil {
		printOutcome(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return err
	}
	if res.Outcome.State == types.StateFailed {
		return fmt.Errorf("run %s failed: %s", res.Run.ID, res.Outcome.Reason)
	}
	return nil
}

// progressPrinter prints one line per state change or flush.
func progressPrinter(w io.Writer) func(types.Update) {
	var last types.State
	return func(u types.Update) {
		if u.State == last && len(u.Flushed) == 0 {
			return
		}
		last = u.State
		fmt.Fprintf(w, "[%s] %d/%d %s\n", u.State, u.Progress.Processed, u.Progress.Total, export.SummaryLine(u.Stats))
	}
}

func printOutcome(w io.Writer, res *runner.Result) {
	out := res.Outcome
	fmt.Fprintf(w, "run %s: %s", res.Run.ID, out.State)
	if out.Reason != "" {
		fmt.Fprintf(w, " (%s)", out.Reason)
	}
	fmt.Fprintln(w)
	if out.Error != nil {
		fmt.Fprintf(w, "error: %s\n", out.Error.Kind)
	}
	fmt.Fprintln(w, export.SummaryLine(out.Stats))
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{Use: "list", Short: "List stored runs", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd, opts)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		runs, err := st.ListRuns()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tPROFILE\tITEMS\tRESULTS\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.State, r.Profile, r.ItemCount, r.ResultCount, r.UpdatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var runID, category string
	var limit int
	cmd := &cobra.Command{Use: "show", Short: "Show run details and latest results", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd, opts)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := st.GetRun(runID)
		if err != nil {
			return err
		}
		results, err := st.GetResults(run.ID, category)
		if err != nil {
			return err
		}
		if limit > 0 && len(results) > limit {
			results = results[:limit]
		}
		return export.Write(cmd.OutOrStdout(), export.Text, export.Document{Run: run, Category: category, Results: results})
	}}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&category, "category", "", "only show results in this category")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results to show (0 for all)")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{Use: "delete", Short: "Delete a run and its results", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd, opts)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.DeleteRun(runID); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", runID)
		return nil
	}}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var runID, format, category, outPath string
	cmd := &cobra.Command{Use: "export", Short: "Export a run's results", RunE: func(cmd *cobra.Command, args []string) error {
		f, err := export.ParseFormat(format)
		if err != nil {
			return err
		}
		cfg, err := setup(cmd, opts)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := st.GetRun(runID)
		if err != nil {
			return err
		}
		results, err := st.GetResults(run.ID, category)
		if err != nil {
			return err
		}
		doc := export.Document{Run: run, Category: category, Results: results}
		if outPath == "" || outPath == "-" {
			return export.Write(cmd.OutOrStdout(), f, doc)
		}
		if err := export.WriteFile(outPath, f, doc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d results to %s\n", len(results), outPath)
		return nil
	}}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&format, "format", "json", "json, yaml, csv or text")
	cmd.Flags().StringVar(&category, "category", "", "only export results in this category")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (stdout when empty)")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start the local run history API", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd, opts)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		srv, err := server.New(cfg, st)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		fmt.Fprintln(cmd.OutOrStdout(), "serving on http://"+addr)
		return srv.ListenAndServe(ctx, addr)
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}
