// Command replay re-runs the safety chain over a CSV audit log and reports the
// rows whose recomputed dose differs from the dose that was sent to the pump.
//
// It is used to check that a change of thresholds or code keeps historical
// decisions, or to measure how a candidate profile would have changed them.
//
// Usage:
//
//	replay -file=/data/aiLog.csv [-profile=profile.yaml] [-format=json]
//
// Exit status is 0 when every row matches, 1 on any divergence and 2 when the
// log cannot be read.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/HatiCode/microdose/pkg/audit"
)

func main() {
	var (
		file    = flag.String("file", "", "CSV audit log (required)")
		profile = flag.String("profile", "", "YAML profile whose safety section replaces the default thresholds")
		format  = flag.String("format", "text", "Output format: text or json")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	os.Exit(run(*file, *profile, *format, os.Stdout, logger))
}

func run(file, profile, format string, out io.Writer, logger *slog.Logger) int {
	if file == "" {
		logger.Error("-file is required")
		return 2
	}

	policy, err := loadPolicy(profile)
	if err != nil {
		logger.Error("invalid profile", "path", profile, "error", err)
		return 2
	}

	f, err := os.Open(file)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		return 2
	}
	defer f.Close()

	entries, err := audit.ReadCSV(f)
	if err != nil {
		logger.Error("failed to read audit log", "path", file, "error", err)
		return 2
	}

	rep, err := Replay(entries, policy)
	if err != nil {
		logger.Error("failed to replay audit log", "path", file, "error", err)
		return 2
	}

	if err := write(out, format, rep); err != nil {
		logger.Error("failed to write report", "error", err)
		return 2
	}

	logger.Info("replay complete", "rows", rep.Rows, "divergences", len(rep.Divergences))
	if len(rep.Divergences) > 0 {
		return 1
	}
	return 0
}

func write(out io.Writer, format string, rep Report) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tDATE\tPROPOSED\tRECORDED\tRECOMPUTED\tRULES")
	for _, d := range rep.Divergences {
		fmt.Fprintf(tw, "%d\t%s\t%v\t%v\t%v\t%v\n", d.Line, d.Date, d.Proposed, d.Recorded, d.Recomputed, d.Rules)
	}
	fmt.Fprintf(tw, "%d rows, %d divergent\n", rep.Rows, len(rep.Divergences))
	return tw.Flush()
}
