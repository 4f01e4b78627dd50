// Package cmd holds the subcommands of otp-relay.
package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-otp-relay/config"
	"github.com/dhcgn/mail-otp-relay/filter"
	"github.com/dhcgn/mail-otp-relay/mailtext"
	"github.com/dhcgn/mail-otp-relay/mbox"
	"github.com/dhcgn/mail-otp-relay/model"
	"github.com/dhcgn/mail-otp-relay/otp"
	"github.com/dhcgn/mail-otp-relay/progress"
	"github.com/dhcgn/mail-otp-relay/stats"
)

// Row is the extraction outcome of one archived message.
type Row struct {
	Index   int
	Sender  string
	Subject string
	Code    string
	Found   bool
	Rule    string
	Relaxed bool
}

// Report aggregates a scan over an archive.
type Report struct {
	Summary stats.Summary
	Rows    []Row
	// Domains counts sender domains of messages that passed the filter.
	Domains map[string]int
	// Missed counts sender domains whose messages yielded no code.
	Missed map[string]int
}

type scanner struct {
	extractor *otp.Extractor
	filter    *filter.Filter
	collector *stats.Collector
	explain   io.Writer
	onEvent   func(stats.Event)
}

// NewScanCommand builds the offline scan subcommand.
func NewScanCommand() (*cobra.Command, error) {
	var (
		reportDir string
		topN      int
		explain   bool
		noBar     bool
	)

	cmd := &cobra.Command{
		Use:   "scan [mbox file]",
		Short: "Run code extraction over an mbox archive and report the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadScanConfig(cmd)
			if err != nil {
				return err
			}
			path := args[0]
			out := cmd.OutOrStdout()

			extractor, err := otp.New(cfg.Extraction)
			if err != nil {
				return err
			}
			f, err := filter.New(filter.Options{
				IncludeSender:  cfg.IncludeSender,
				IncludeSubject: cfg.IncludeSubject,
				ExcludeSender:  cfg.ExcludeSender,
				ExcludeSubject: cfg.ExcludeSubject,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			total, err := mbox.CountMessages(path)
			if err != nil {
				return fmt.Errorf("count messages: %w", err)
			}

			s := &scanner{extractor: extractor, filter: f, collector: stats.NewCollector()}
			bar := progress.New(total, !noBar && !explain && cfg.LogLevel == "info")
			s.onEvent = bar.Update
			if explain {
				s.explain = out
			}

			started := time.Now()
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer file.Close()

			report, err := s.run(file)
			bar.Stop()
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			progress.PrintSummary(out, report.Summary, time.Since(started))
			printReport(out, report, f, topN)

			if reportDir != "" {
				if err := saveCSVReports(report, reportDir); err != nil {
					return fmt.Errorf("error saving CSV reports: %w", err)
				}
				fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&reportDir, "output", "o", "", "Write CSV reports to this directory")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.BoolVar(&explain, "explain", false, "Print every candidate run with its verdict")
	flags.BoolVar(&noBar, "no-progress", false, "Disable the progress bar")
	if err := config.RegisterScanFlags(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (s *scanner) emit(evt stats.Event) {
	s.collector.Apply(evt)
	if s.onEvent != nil {
		s.onEvent(evt)
	}
}

func (s *scanner) run(r io.Reader) (Report, error) {
	report := Report{Domains: map[string]int{}, Missed: map[string]int{}}

	err := mbox.Each(r, func(idx int, raw []byte) error {
		parsed, err := mailtext.Parse(raw)
		if err != nil {
			s.emit(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, Err: fmt.Errorf("message %d: %w", idx, err)})
			return nil
		}
		sender := model.Message{Sender: parsed.Sender, SenderName: parsed.SenderName}.SenderDisplay()
		s.emit(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeScanned, Detail: parsed.Subject})

		if !s.filter.Allows(sender, parsed.Subject) {
			s.emit(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeFiltered})
			return nil
		}

		res := s.extractor.Analyze(parsed.Body, parsed.Subject, sender)
		row := Row{Index: idx, Sender: parsed.Sender, Subject: parsed.Subject, Code: res.Code, Found: res.Found, Relaxed: res.Relaxed}
		if res.Rule != nil {
			row.Rule = res.Rule.Pattern
		}
		report.Rows = append(report.Rows, row)

		domain := senderDomain(parsed.Sender)
		report.Domains[domain]++
		if res.Found {
			s.emit(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeExtracted, Detail: res.Code})
		} else {
			report.Missed[domain]++
			s.emit(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeNoCode})
		}

		if s.explain != nil {
			explainResult(s.explain, row, res)
		}
		return nil
	})
	report.Summary = s.collector.Snapshot()
	return report, err
}

func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return "(unknown)"
}

func explainResult(w io.Writer, row Row, res otp.Result) {
	code := "-"
	if row.Found {
		code = row.Code
	}
	fmt.Fprintf(w, "#%d %s | %s => %s", row.Index, row.Sender, row.Subject, code)
	switch {
	case row.Rule != "":
		fmt.Fprintf(w, " (sender rule %s)", row.Rule)
	case row.Relaxed:
		fmt.Fprint(w, " (relaxed)")
	}
	fmt.Fprintln(w)
	for _, c := range res.Candidates {
		fmt.Fprintf(w, "    %-12s %-7s %s\n", c.Raw, c.Source, c.Verdict)
	}
}

func printReport(w io.Writer, report Report, f *filter.Filter, topN int) {
	if patterns := f.Stats(); len(patterns) > 0 {
		fmt.Fprintln(w, "\nFilter patterns:")
		for _, p := range patterns {
			mode := "include"
			if p.Exclude {
				mode = "exclude"
			}
			fmt.Fprintf(w, "  %s %s %s: %d hits\n", mode, p.Field, p.Pattern, p.Hits)
		}
	}

	fmt.Fprintf(w, "\nTop %d sender domains:\n", topN)
	stats.PrettyPrintTop(w, report.Domains, topN)
	if len(report.Missed) > 0 {
		fmt.Fprintf(w, "\nTop %d sender domains without a code:\n", topN)
		stats.PrettyPrintTop(w, report.Missed, topN)
	}
}

func saveCSVReports(report Report, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rows := [][]string{{"Index", "Sender", "Subject", "Code", "Rule", "Relaxed"}}
	for _, r := range report.Rows {
		rows = append(rows, []string{strconv.Itoa(r.Index), r.Sender, r.Subject, r.Code, r.Rule, strconv.FormatBool(r.Relaxed)})
	}
	if err := writeCSV(filepath.Join(dir, "report_codes.csv"), rows); err != nil {
		return err
	}

	domains := [][]string{{"Domain", "Messages", "Without code"}}
	for _, d := range stats.Top(report.Domains, -1) {
		domains = append(domains, []string{d.Key, strconv.Itoa(d.Value), strconv.Itoa(report.Missed[d.Key])})
	}
	return writeCSV(filepath.Join(dir, "report_sender_domain.csv"), domains)
}

func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
