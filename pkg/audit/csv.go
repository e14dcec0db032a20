// Package audit provides append-only sinks for dosing decisions: a CSV log
// compatible with the historical training files, a SQLite table, a Redis
// stream and a fan-out over several of them.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HatiCode/microdose/pkg/decision"
)

// Columns is the CSV header. The first 44 columns are the historical layout
// models are trained on; faults and reason follow.
var Columns = []string{
	"dateStr", "dateLong",
	"hourOfDay", "hour0_2", "hour3_5", "hour6_8", "hour9_11", "hour12_14", "hour15_17", "hour18_20", "hour21_23", "weekend",
	"bg", "targetBg", "iob", "cob", "lastCarbAgeMin", "futureCarbs", "delta", "shortAvgDelta", "longAvgDelta", "noise",
	"accelerating_up", "deccelerating_up", "accelerating_down", "deccelerating_down", "stable",
	"tdd7Days", "tdd7DaysPerHour", "tddDaily", "tddPerHour", "tdd24Hrs", "tdd24HrsPerHour",
	"recentSteps5Minutes", "recentSteps10Minutes", "recentSteps15Minutes", "recentSteps30Minutes", "recentSteps60Minutes",
	"sleep", "sedentary",
	"predictedSMB", "maxIob", "maxSMB", "smbGiven",
	"faults", "reason",
}

// DateLayout formats the dateStr column.
const DateLayout = "2006-01-02 15:04:05"

// CSVSink appends one row per decision to a file. The header is written when
// the file is empty. It is safe for concurrent use.
type CSVSink struct {
	path string
	loc  *time.Location

	mu sync.Mutex
}

// NewCSVSink returns a sink appending to path, creating parent directories.
// loc selects the zone of the dateStr column; nil means time.Local.
func NewCSVSink(path string, loc *time.Location) (*CSVSink, error) {
	if path == "" {
		return nil, fmt.Errorf("csv sink: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv sink: create directory: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &CSVSink{path: path, loc: loc}, nil
}

// Path returns the file the sink appends to.
func (s *CSVSink) Path() string { return s.path }

func (s *CSVSink) Append(ctx context.Context, d decision.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv sink: open %s: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("csv sink: stat %s: %w", s.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Columns); err != nil {
			return fmt.Errorf("csv sink: write header: %w", err)
		}
	}
	if err := w.Write(Row(d, s.loc)); err != nil {
		return fmt.Errorf("csv sink: write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv sink: flush: %w", err)
	}
	return nil
}

// Row renders d in Columns order.
func Row(d decision.Decision, loc *time.Location) []string {
	s := d.Snapshot
	t := d.Trend
	b := s.Temporal.Buckets
	at := d.At
	if loc != nil {
		at = at.In(loc)
	}

	faults := make([]string, len(d.Faults))
	for i, f := range d.Faults {
		faults[i] = string(f)
	}

	return []string{
		at.Format(DateLayout), strconv.FormatInt(d.At.UnixMilli(), 10),
		strconv.Itoa(s.Temporal.Hour), flag(b[0]), flag(b[1]), flag(b[2]), flag(b[3]), flag(b[4]), flag(b[5]), flag(b[6]), flag(b[7]), flag(s.Temporal.Weekend),
		num(s.Glucose.Current), num(s.Target), num(s.Insulin.IOB), num(s.Carbs.COB), strconv.Itoa(s.Carbs.LastCarbAgeMin), num(s.Carbs.FutureCarbs),
		num(s.Glucose.Delta), num(s.Glucose.ShortAvgDelta), num(s.Glucose.LongAvgDelta), num(s.Glucose.Noise),
		flag(t.AcceleratingUp), flag(t.DeceleratingUp), flag(t.AcceleratingDown), flag(t.DeceleratingDown), flag(t.Stable),
		num(s.History.TDD7Days), num(s.History.TDD7DaysPerHour), num(s.History.TDDDaily), num(s.History.TDDPerHour), num(s.History.TDD24Hrs), num(s.History.TDD24HrsPerHour),
		strconv.Itoa(s.Activity.Steps5), strconv.Itoa(s.Activity.Steps10), strconv.Itoa(s.Activity.Steps15), strconv.Itoa(s.Activity.Steps30), strconv.Itoa(s.Activity.Steps60),
		flag(s.Activity.Sleep), flag(s.Activity.Sedentary),
		num(d.Proposed), num(s.Insulin.MaxIOB), num(s.Insulin.MaxSMB), num(d.Final),
		strings.Join(faults, ";"), d.Rationale,
	}
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Entry is one parsed row of a CSV audit log.
type Entry struct {
	// Line is the 1-based line number in the file.
	Line   int
	Values map[string]string
}

// Float parses the named column.
func (e Entry) Float(col string) (float64, error) {
	v, ok := e.Values[col]
	if !ok {
		return 0, fmt.Errorf("line %d: column %q missing", e.Line, col)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: column %q: %w", e.Line, col, err)
	}
	return f, nil
}

// ReadCSV parses an audit log. Columns are matched by header name, so logs
// written without the trailing faults and reason columns are accepted.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var entries []Entry
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return entries, nil
		}
		line++
		if err != nil {
			return entries, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return entries, fmt.Errorf("line %d: %d fields, header has %d", line, len(rec), len(header))
		}
		values := make(map[string]string, len(header))
		for i, col := range header {
			values[col] = rec[i]
		}
		entries = append(entries, Entry{Line: line, Values: values})
	}
}
