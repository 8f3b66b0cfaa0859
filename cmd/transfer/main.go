// Command transfer pushes pages from the source wiki to target wikis in batch.
//
// Usage:
//
//	go run ./cmd/transfer -config transfer.yaml -targets staging=Bot@transfer -category Docs -include-related
//
// The plan is printed per target and page first. With -dry nothing else
// happens; otherwise every planned page is pushed and the results printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/config"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/orchestrator"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/service"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/tracing"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/wiki"
)

type options struct {
	configPath     string
	targets        string
	user           string
	category       string
	namespace      string
	pages          string
	search         string
	limit          int
	onlyModified   bool
	modifiedSince  string
	includeRelated bool
	force          bool
	dry            bool
	onFailure      string
	parallel       bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("transfer", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to the YAML configuration (default $CONTENTTRANSFER_CONFIG)")
	fs.StringVar(&o.targets, "targets", "", "Comma-separated target keys, optionally key=user")
	fs.StringVar(&o.user, "user", "", "Source wiki user recorded in the push history (default from config, else ContentTransfer)")
	fs.StringVar(&o.category, "category", "", "Select pages in this category")
	fs.StringVar(&o.namespace, "namespace", "", "Select pages in this namespace ID")
	fs.StringVar(&o.pages, "pages", "", "Comma-separated page titles")
	fs.StringVar(&o.search, "search", "", "Select pages whose title matches")
	fs.IntVar(&o.limit, "limit", 0, "Max pages to select (default 500)")
	fs.BoolVar(&o.onlyModified, "only-modified", false, "Skip pages unchanged since their last push")
	fs.StringVar(&o.modifiedSince, "modified-since", "", "Only pages edited since DD.MM.YYYY")
	fs.BoolVar(&o.includeRelated, "include-related", false, "Also push templates, files, categories and linked pages")
	fs.BoolVar(&o.force, "force", false, "Overwrite protected pages")
	fs.BoolVar(&o.dry, "dry", false, "Print the plan without pushing")
	fs.StringVar(&o.onFailure, "on-failure", "", "skip, force, stop or ask for pushes needing a decision (default from config)")
	fs.BoolVar(&o.parallel, "parallel", false, "Push to targets in parallel")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.targets == "" {
		return nil, fmt.Errorf("-targets is required")
	}
	if o.pages == "" && o.category == "" && o.namespace == "" && o.search == "" {
		return nil, fmt.Errorf("select pages with -pages, -category, -namespace or -search")
	}
	return o, nil
}

// pushArgs converts the flags into the service arguments.
func (o *options) pushArgs() (service.PushInfoArgs, error) {
	args := service.PushInfoArgs{
		PageSelectionArgs: service.PageSelectionArgs{
			Category:      o.category,
			Search:        o.search,
			Limit:         o.limit,
			OnlyModified:  o.onlyModified,
			ModifiedSince: o.modifiedSince,
		},
		Targets:        o.targets,
		IncludeRelated: o.includeRelated,
		Force:          o.force,
		User:           o.user,
	}
	if o.pages != "" {
		for _, p := range strings.Split(o.pages, ",") {
			if p = strings.TrimSpace(p); p != "" {
				args.Titles = append(args.Titles, p)
			}
		}
	}
	if o.namespace != "" {
		ns, err := strconv.Atoi(o.namespace)
		if err != nil {
			return args, fmt.Errorf("invalid -namespace %q: %w", o.namespace, err)
		}
		args.Namespace = &ns
	}
	return args, nil
}

func decider(mode string, in io.Reader, out io.Writer) (orchestrator.Decider, error) {
	switch mode {
	case "":
		return orchestrator.Policy(orchestrator.DecisionSkip), nil
	case "ask":
		return orchestrator.NewPromptDecider(in, out), nil
	}
	d, err := orchestrator.ParseDecision(mode)
	if err != nil {
		return nil, err
	}
	return orchestrator.Policy(d), nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0750); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		}
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}

func printPlan(w io.Writer, plan *orchestrator.Plan) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run %s: %d pushes planned\n", plan.RunID, plan.Len())
	for _, tp := range plan.Targets {
		fmt.Fprintf(tw, "\n%s (%s)", tp.DisplayText, tp.Key)
		if tp.User != "" {
			fmt.Fprintf(tw, " as %s", tp.User)
		}
		fmt.Fprintln(tw)
		for _, p := range tp.Pages {
			fmt.Fprintf(tw, "  %s\t-> %s\t%s\t%s\n", p.Title, p.TargetTitle, p.Type, p.Relation)
		}
		for _, n := range tp.Notes {
			fmt.Fprintf(tw, "  ! %s\n", n)
		}
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report *orchestrator.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw)
	for _, r := range report.Results {
		status := "OK"
		if !r.Success {
			status = "FAILED"
			if r.Message != "" {
				status += ": " + r.Message
			}
		} else if r.Forced {
			status = "OK (forced)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Target, r.TargetTitle, status)
	}
	for _, key := range slices.Sorted(maps.Keys(report.Purged)) {
		fmt.Fprintf(tw, "%s\tpurged %d pages\t\n", key, len(report.Purged[key]))
	}
	fmt.Fprintf(tw, "\n%d succeeded, %d failed", report.Succeeded(), report.Failed())
	if report.Stopped {
		fmt.Fprint(tw, ", stopped")
	}
	fmt.Fprintf(tw, " in %s\n", report.Finished.Sub(report.Started).Round(time.Millisecond))
	_ = tw.Flush()
}

func run(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseFlags(argv)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.onFailure == "" {
		opts.onFailure = cfg.Transfer.OnFailure
	}
	if !opts.includeRelated {
		opts.includeRelated = cfg.Transfer.IncludeRelated
	}
	if !opts.onlyModified {
		opts.onlyModified = cfg.Transfer.OnlyModified
	}
	if !opts.parallel {
		opts.parallel = cfg.Transfer.ParallelTargets
	}
	dec, err := decider(opts.onFailure, stdin, stderr)
	if err != nil {
		return err
	}
	args, err := opts.pushArgs()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	shutdown, err := tracing.Setup(ctx, tracing.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()
	go metrics.Serve(ctx, cfg.MetricsAddr, logger)

	targets, err := cfg.TargetManager()
	if err != nil {
		return err
	}
	store, err := cfg.OpenHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	client := wiki.NewClient(&cfg.Source, logger)
	defer client.Close()

	svc := service.New(client, targets, store, logger, service.WithPushUser(cfg.Transfer.User))
	info, err := svc.PushInfo(ctx, args)
	if err != nil {
		return err
	}
	printPlan(stdout, info.Plan)
	if opts.dry {
		return nil
	}

	report, err := svc.Execute(ctx, info.Plan, orchestrator.ExecuteOptions{
		Decider:         dec,
		ParallelTargets: opts.parallel,
	})
	if report != nil {
		printReport(stdout, report)
	}
	if err != nil {
		return err
	}
	if report.Failed() > 0 {
		return fmt.Errorf("%d pushes failed", report.Failed())
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
