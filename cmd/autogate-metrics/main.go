package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/ledger/pgstore"
	"github.com/renohub/autogate/internal/ledger/sqlstore"
	"github.com/renohub/autogate/internal/monitor"
	"github.com/renohub/autogate/internal/policy"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type cliOptions struct {
	dbDriver string
	dbDSN    string
	since    time.Duration
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "autogate-metrics",
		Short:         "Safety metrics over the autogate decision and outcome logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dbDriver, "db-driver", os.Getenv("AUTOGATE_DB_DRIVER"), "ledger driver (sqlite|postgres)")
	root.PersistentFlags().StringVar(&opts.dbDSN, "db-dsn", os.Getenv("AUTOGATE_DB_DSN"), "ledger DSN")
	root.PersistentFlags().DurationVar(&opts.since, "since", 7*24*time.Hour, "trailing report window")

	root.AddCommand(newReportCmd(opts, stdout))
	root.AddCommand(newWatchCmd(opts, stdout))
	root.AddCommand(newExportCmd(opts, stdout))
	return root
}

// newMonitor builds a read-only monitor against the configured ledger.
// The experiment id has no safe default; refusing to guess it is the
// point.
func newMonitor(opts *cliOptions) (*monitor.Monitor, func(), error) {
	experimentID := os.Getenv("AUTOGATE_EXPERIMENT_ID")
	if experimentID == "" {
		return nil, nil, fmt.Errorf("AUTOGATE_EXPERIMENT_ID is not set; refusing to guess which experiment to report on")
	}

	pol := policy.Default()
	if path := os.Getenv("AUTOGATE_POLICY_PATH"); path != "" {
		loaded, err := policy.LoadPolicy(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load policy: %w", err)
		}
		pol = loaded
	}

	var store ledger.Store
	var closeStore func()
	switch opts.dbDriver {
	case "sqlite":
		s, err := sqlstore.OpenSQLite(opts.dbDSN)
		if err != nil {
			return nil, nil, err
		}
		store, closeStore = s, func() { _ = s.Close() }
	case "postgres":
		s, err := pgstore.OpenPostgres(opts.dbDSN)
		if err != nil {
			return nil, nil, err
		}
		store, closeStore = s, func() { _ = s.Close() }
	case "":
		return nil, nil, fmt.Errorf("--db-driver (or AUTOGATE_DB_DRIVER) is required")
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", opts.dbDriver)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return monitor.New(store, nil, pol.Policy, experimentID, logger), closeStore, nil
}

func newReportCmd(opts *cliOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print the safety report for the trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, closeStore, err := newMonitor(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			now := time.Now()
			rep, err := mon.BuildReport(now.Add(-opts.since), now)
			if err != nil {
				return err
			}
			printReport(stdout, rep)
			return nil
		},
	}
}

func newWatchCmd(opts *cliOptions, stdout io.Writer) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously print report summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, closeStore, err := newMonitor(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			p := message.NewPrinter(language.English)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				now := time.Now()
				rep, err := mon.BuildReport(now.Add(-opts.since), now)
				if err != nil {
					return err
				}
				p.Fprintf(stdout, "%s decisions=%d automation=%.2f%% labeled=%d sfn=%.4f%% coverage=%.2f%%\n",
					now.UTC().Format(time.RFC3339), rep.Decisions, rep.AutomationRate*100,
					rep.Labeled, rep.SFNRate*100, rep.CoverageRate*100)

				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "refresh interval")
	return cmd
}

func newExportCmd(opts *cliOptions, stdout io.Writer) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the daily decision trend as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, closeStore, err := newMonitor(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			now := time.Now()
			rep, err := mon.BuildReport(now.Add(-opts.since), now)
			if err != nil {
				return err
			}

			out := stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return writeTrendCSV(out, rep)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	return cmd
}

func printReport(w io.Writer, rep monitor.Report) {
	p := message.NewPrinter(language.English)

	p.Fprintf(w, "experiment:       %s\n", rep.ExperimentID)
	p.Fprintf(w, "window:           %s .. %s\n", rep.WindowStart, rep.WindowEnd)
	p.Fprintf(w, "decisions:        %d (automated %d, escalated %d)\n", rep.Decisions, rep.Automated, rep.Escalated)
	p.Fprintf(w, "automation rate:  %.2f%%\n", rep.AutomationRate*100)
	p.Fprintf(w, "escalation rate:  %.2f%%\n", rep.EscalationRate*100)
	p.Fprintf(w, "labeled outcomes: %d\n", rep.Labeled)
	p.Fprintf(w, "sfn rate:         %.4f%% (%d events)\n", rep.SFNRate*100, rep.SFNCount)
	p.Fprintf(w, "coverage rate:    %.2f%%\n", rep.CoverageRate*100)

	if len(rep.PerStratum) > 0 {
		p.Fprintf(w, "\ncoverage by stratum:\n")
		for _, sc := range rep.PerStratum {
			p.Fprintf(w, "  %-40s %.2f%% (%d labeled)\n", sc.Stratum, sc.Rate*100, sc.Labeled)
		}
	}
	if len(rep.Trend) > 0 {
		p.Fprintf(w, "\ndaily trend:\n")
		for _, tp := range rep.Trend {
			p.Fprintf(w, "  %s %d decisions, automation %.2f%%\n", tp.Day, tp.Decisions, tp.AutomationRate*100)
		}
	}
}

func writeTrendCSV(w io.Writer, rep monitor.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"day", "decisions", "automated", "automation_rate"}); err != nil {
		return err
	}
	for _, tp := range rep.Trend {
		row := []string{
			tp.Day,
			strconv.Itoa(tp.Decisions),
			strconv.Itoa(tp.Automated),
			strconv.FormatFloat(tp.AutomationRate, 'f', 4, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
