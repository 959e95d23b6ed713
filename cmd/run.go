package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

const closeTimeout = 30 * time.Second

type runFlags struct {
	maxAds      int
	country     string
	minAdSpend  int
	concurrency int
	perMinute   int
	noFallback  bool
	dryRun      bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <keyword>",
		Short: "Run the pipeline once for a keyword and print its progress",
		Long: `Run both stages for one keyword in this process, streaming progress
events to stdout and printing the ranked results at the end. Interrupting
the command cancels the run; partial results are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, args[0], flags)
		},
	}

	f := cmd.Flags()
	f.IntVar(&flags.maxAds, "max-ads", 0, "maximum ads to scan (default from config)")
	f.StringVar(&flags.country, "country", "", "two-letter ad library country code, e.g. US or GB")
	f.IntVar(&flags.minAdSpend, "min-ad-spend", 0, "minimum aggregated ad spend in USD")
	f.IntVar(&flags.concurrency, "concurrency", 0, "parallel traffic lookups")
	f.IntVar(&flags.perMinute, "max-domains-per-minute", 0, "traffic lookup rate limit")
	f.BoolVar(&flags.noFallback, "no-fallback", false, "disable the HTML traffic fallback")
	f.BoolVar(&flags.dryRun, "dry-run", false, "skip persistence and cache writes")
	return cmd
}

// request builds a RunRequest carrying only the flags that were set.
func (f runFlags) request(cmd *cobra.Command, keyword string) domain.RunRequest {
	req := domain.RunRequest{Keyword: keyword}
	changed := cmd.Flags().Changed
	if changed("max-ads") {
		req.MaxAds = &f.maxAds
	}
	if changed("country") {
		req.CountryCode = &f.country
	}
	if changed("min-ad-spend") {
		req.MinAdSpendUSD = &f.minAdSpend
	}
	if changed("concurrency") {
		req.Concurrency = &f.concurrency
	}
	if changed("max-domains-per-minute") {
		req.MaxDomainsPerMinute = &f.perMinute
	}
	if changed("no-fallback") {
		enabled := !f.noFallback
		req.HTMLFallbackEnabled = &enabled
	}
	if changed("dry-run") {
		req.DryRunMode = &f.dryRun
	}
	return req
}

func runOnce(cmd *cobra.Command, keyword string, flags runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := bootstrap.LoadConfig(cfgFile, debug)
	if err != nil {
		return err
	}
	// stdout carries the event stream.
	cfg.Logging.OutputPaths = []string{"stderr"}

	log, err := bootstrap.CreateLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app, err := bootstrap.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			log.Error("Failed to close application", logger.Error(closeErr))
		}
	}()

	orch := app.Orchestrator
	run, err := orch.StartRun(ctx, flags.request(cmd, keyword))
	if err != nil {
		return err
	}

	sub, err := orch.Subscribe(context.WithoutCancel(ctx), run.Keyword)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	out := cmd.OutOrStdout()
	events := sub.Events()
	interrupted := ctx.Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			printEvent(out, ev)
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(out, "Interrupted, cancelling run...")
			if cancelErr := orch.Cancel(run.Keyword); cancelErr != nil {
				log.Warn("Cancel failed", logger.Error(cancelErr))
			}
		}
	}

	final, err := orch.Status(context.WithoutCancel(ctx), run.Keyword)
	if err != nil {
		return err
	}

	pairs, err := orch.Results(context.WithoutCancel(ctx), run.Keyword)
	if err != nil {
		return err
	}
	if len(pairs) > 0 {
		fmt.Fprintln(out)
		if printErr := printResults(out, pairs); printErr != nil {
			return printErr
		}
	}

	if final.State != domain.StateCompleted {
		return fmt.Errorf("run %s ended in state %s", final.ID, final.State)
	}
	return nil
}

// printEvent writes one progress event as a human-readable line.
func printEvent(w io.Writer, ev domain.ProgressEvent) {
	ts := ev.Time.Local().Format(time.TimeOnly)
	if ev.Gap {
		fmt.Fprintf(w, "%s  ... some events were dropped\n", ts)
	}

	switch ev.Type {
	case domain.EventRunStarted:
		fmt.Fprintf(w, "%s  run %s started for %q\n", ts, ev.RunID, ev.Keyword)
	case domain.EventStageStarted:
		fmt.Fprintf(w, "%s  [%s] started\n", ts, ev.Stage)
	case domain.EventStageProgress:
		total := "?"
		if ev.Total != domain.UnknownTotal {
			total = strconv.Itoa(ev.Total)
		}
		fmt.Fprintf(w, "%s  [%s] %d/%s %s\n", ts, ev.Stage, ev.Done, total, ev.CurrentItem)
	case domain.EventStageCompleted:
		fmt.Fprintf(w, "%s  [%s] completed\n", ts, ev.Stage)
	case domain.EventLog:
		fmt.Fprintf(w, "%s  %s: %s\n", ts, ev.Level, ev.Message)
	case domain.EventSnapshot:
		if ev.Snapshot != nil {
			fmt.Fprintf(w, "%s  run %s is %s\n", ts, ev.Snapshot.ID, ev.Snapshot.State)
		}
	case domain.EventRunCompleted, domain.EventRunFailed:
		fmt.Fprintf(w, "%s  %s\n", ts, ev.Type)
		if ev.Error != nil {
			fmt.Fprintf(w, "          error (%s, %s): %s\n", ev.Error.Kind, ev.Error.Stage, ev.Error.Message)
		}
		if s := ev.Summary; s != nil {
			fmt.Fprintf(w, "          ads scanned %d, discarded %d, products %d, enriched %d, no data %d, cache hits %d\n",
				s.AdsScanned, s.AdsDiscarded, s.ProductsDiscovered, s.TrafficEnriched, s.NoData, s.CacheHits)
		}
	}
}

// printResults writes the result pairs as an aligned table.
func printResults(w io.Writer, pairs []domain.ResultPair) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tBRAND\tAD SPEND\tADS\tMONTHLY VISITS\tSOURCE")
	for _, p := range pairs {
		visits, source := "-", "-"
		if p.Traffic != nil {
			source = string(p.Traffic.DataSource)
			if p.Traffic.MonthlyVisits != nil {
				visits = strconv.FormatInt(*p.Traffic.MonthlyVisits, 10)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%d\t%s\t%s\n",
			p.Candidate.Domain, p.Candidate.BrandName, p.Candidate.AdSpendUSD, p.Candidate.AdsCount, visits, source)
	}
	return tw.Flush()
}
