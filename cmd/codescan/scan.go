package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/codescan/sirius/lifecycle"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/status"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// errThreshold is returned when findings reach --fail-on.
var errThreshold = errors.New("findings at or above the failure threshold")

type scanFlags struct {
	repository string
	image      string
	mode       string
	scanners   []string
	enrich     bool
	format     string
	failOn     string
}

func newScanCmd(c *cli) *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan <path>",
		Short: "Scan a local checkout and print the findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScan(ctx, c, f, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.repository, "repository", "", "logical repository name used to correlate scans (default: the path)")
	cmd.Flags().StringVar(&f.image, "image", "", "container image to scan with grype")
	cmd.Flags().StringVar(&f.mode, "mode", string(vulnerability.ModeQuick), "scan depth: quick or full")
	cmd.Flags().StringSliceVar(&f.scanners, "scanners", nil, "scanners to consider (default: all)")
	cmd.Flags().BoolVar(&f.enrich, "enrich", false, "run the enrichment stage")
	cmd.Flags().StringVarP(&f.format, "output", "o", "text", "output format: text or json")
	cmd.Flags().StringVar(&f.failOn, "fail-on", "", "exit non-zero when a finding has this severity or higher")
	return cmd
}

func runScan(ctx context.Context, c *cli, f scanFlags, path string, out io.Writer) error {
	var threshold vulnerability.Severity
	if f.failOn != "" {
		threshold = vulnerability.Severity(strings.ToLower(f.failOn))
		if !threshold.IsValid() {
			return fmt.Errorf("--fail-on: unknown severity %q", f.failOn)
		}
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	// Execute runs below on this goroutine, so launching is a no-op.
	noop := lifecycle.LauncherFunc(func(context.Context, string) error { return nil })
	a, err := newApp(c.cfg, c.logger, append(c.options, withLauncher(noop))...)
	if err != nil {
		return err
	}
	defer a.close()

	scanners := make([]vulnerability.Scanner, 0, len(f.scanners))
	for _, s := range f.scanners {
		scanners = append(scanners, vulnerability.Scanner(strings.ToLower(s)))
	}
	id, err := a.manager.StartScan(ctx, lifecycle.StartRequest{
		Target:   scan.Target{Repository: f.repository, Root: root, Image: f.image},
		Mode:     vulnerability.Mode(f.mode),
		Scanners: scanners,
		Enrich:   f.enrich,
	})
	if err != nil {
		return err
	}
	if err := a.manager.Execute(ctx, id); err != nil {
		return err
	}

	readCtx := context.WithoutCancel(ctx)
	report, err := a.status.GetStatus(readCtx, id)
	if err != nil {
		return err
	}
	vulns, err := a.status.ListVulnerabilities(readCtx, id, scan.VulnerabilityFilter{})
	if err != nil {
		return err
	}

	if f.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			*status.Report
			Vulnerabilities []vulnerability.Vulnerability `json:"vulnerabilities"`
		}{report, vulns}); err != nil {
			return err
		}
	} else {
		printReport(out, report, vulns)
	}

	if report.Scan.Status != scan.StatusCompleted {
		return fmt.Errorf("scan %s ended %s: %s", id, report.Scan.Status, report.Scan.ErrorMessage)
	}
	if threshold != "" {
		for _, v := range vulns {
			if v.Severity.Score() >= threshold.Score() {
				return errThreshold
			}
		}
	}
	return nil
}

func printReport(w io.Writer, report *status.Report, vulns []vulnerability.Vulnerability) {
	s := report.Scan
	icon := "✅"
	if s.Status != scan.StatusCompleted {
		icon = "❌"
	}
	fmt.Fprintf(w, "%s Scan %s %s (%s)\n", icon, s.ID, s.Status, s.Target.Key())
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "   %s\n", s.ErrorMessage)
	}
	if s.Degraded {
		fmt.Fprintln(w, "   ⚠️  enrichment failed, findings are not enriched")
	}

	fmt.Fprintln(w, "\nScanners:")
	for _, r := range report.Summary.Scanners {
		fmt.Fprintf(w, "  %-9s %-24s %-9s %3d findings  %6dms\n", r.Scanner, r.Label, r.Status, r.FindingsCount, r.DurationMs)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "            %s: %s\n", e.Level, e.Message)
		}
	}

	c := report.Summary.Counts
	fmt.Fprintf(w, "\nFindings: %d (critical %d, high %d, medium %d, low %d, info %d)\n",
		c.Total, c.Critical, c.High, c.Medium, c.Low, c.Informational)
	for _, v := range vulns {
		loc := v.Path()
		if v.LineStart != nil {
			loc = fmt.Sprintf("%s:%d", loc, *v.LineStart)
		}
		if loc == "" {
			loc = v.CVEID()
		}
		fmt.Fprintf(w, "  [%-8s] %-10s %s  %s\n", strings.ToUpper(string(v.Severity)), v.Type, v.Title, loc)
	}
}
