package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/microdose/pkg/snapshot"
)

// PrometheusSource reads the cycle inputs from instant queries against the
// Prometheus HTTP API (or a compatible one such as VictoriaMetrics), one PromQL
// expression per field.
//
// When an expression returns several series their values are summed. An empty
// result leaves the field at zero. bg is required and its sample timestamp
// becomes the snapshot time. lastCarbTime is read as unix seconds.
type PrometheusSource struct {
	// ServerURL is the base URL, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	// Queries maps field names (see DefaultPaths) to PromQL expressions.
	Queries map[string]string
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (p *PrometheusSource) Name() string { return "prometheus" }

// Collect implements Source.
func (p *PrometheusSource) Collect(ctx context.Context) (snapshot.Inputs, error) {
	var in snapshot.Inputs
	if p.ServerURL == "" || p.Queries["bg"] == "" {
		return in, errors.New("prometheus source: ServerURL and a bg query are required")
	}

	fields := make([]string, 0, len(p.Queries))
	for f := range p.Queries {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	for _, field := range fields {
		v, ts, ok, err := p.query(ctx, p.Queries[field])
		if err != nil {
			return in, fmt.Errorf("prometheus source: field %s: %w", field, err)
		}
		if !ok {
			if field == "bg" {
				return in, errors.New("prometheus source: bg query returned no samples")
			}
			continue
		}
		if field == "bg" {
			in.Now = ts
		}
		if err := setField(&in, field, v); err != nil {
			return in, err
		}
	}
	return in, nil
}

// query evaluates expr and returns the summed value and the latest sample time.
func (p *PrometheusSource) query(ctx context.Context, expr string) (float64, time.Time, bool, error) {
	u, err := url.Parse(p.ServerURL)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("invalid ServerURL: %w", err)
	}
	u.Path = "/api/v1/query"
	q := u.Query()
	q.Set("query", expr)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	req.Header.Set("Accept", "application/json")

	cli := p.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := cli.Do(req)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, time.Time{}, false, fmt.Errorf("prometheus: status %d", resp.StatusCode)
	}
	payload, err := readBody(resp.Body)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(payload) {
		return 0, time.Time{}, false, errors.New("response is not valid JSON")
	}

	doc := gjson.ParseBytes(payload)
	if status := doc.Get("status").String(); status != "success" {
		return 0, time.Time{}, false, fmt.Errorf("prometheus status: %s", status)
	}

	var (
		sum    float64
		latest time.Time
		found  bool
	)
	for _, serie := range doc.Get("data.result").Array() {
		pair := serie.Get("value").Array()
		if len(pair) != 2 {
			return 0, time.Time{}, false, fmt.Errorf("invalid value pair length: %d", len(pair))
		}
		v, err := strconv.ParseFloat(pair[1].String(), 64)
		if err != nil {
			return 0, time.Time{}, false, fmt.Errorf("parse value: %w", err)
		}
		sec := pair[0].Float()
		ts := time.UnixMilli(int64(sec * 1000)).UTC()
		if ts.After(latest) {
			latest = ts
		}
		sum += v
		found = true
	}
	return sum, latest, found, nil
}

var stepIndex = map[string]int{"steps5": 0, "steps10": 1, "steps15": 2, "steps30": 3, "steps60": 4}

func setField(in *snapshot.Inputs, field string, v float64) error {
	switch field {
	case "bg":
		in.Glucose = v
	case "delta":
		in.Delta = v
	case "shortAvgDelta":
		in.Short = v
	case "longAvgDelta":
		in.Long = v
	case "noise":
		in.Noise = v
	case "bolusIob":
		in.BolusIOB = v
	case "basalIob":
		in.BasalIOB = v
	case "cob":
		in.COB = v
	case "futureCarbs":
		in.FutureCarbs = v
	case "tdd7Days":
		in.TDD7DayAverage = v
	case "tddDaily":
		in.TDDToday = v
	case "tdd24Hrs":
		in.TDD24Hours = v
	case "targetBg":
		in.Target = v
	case "steps5", "steps10", "steps15", "steps30", "steps60":
		n, err := stepCount(field, v)
		if err != nil {
			return fmt.Errorf("prometheus source: %w", err)
		}
		in.Steps[stepIndex[field]] = n
	case "lastCarbTime":
		if v > 0 {
			in.LastCarbTime = time.Unix(int64(v), 0).UTC()
		}
	default:
		return fmt.Errorf("prometheus source: unsupported field %q", field)
	}
	return nil
}
