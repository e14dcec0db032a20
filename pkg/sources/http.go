package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/HatiCode/microdose/pkg/snapshot"
)

// DefaultPaths maps every input field to the gjson path it is read from when
// no override is configured.
var DefaultPaths = map[string]string{
	"now":           "now",
	"bg":            "bg",
	"delta":         "delta",
	"shortAvgDelta": "shortAvgDelta",
	"longAvgDelta":  "longAvgDelta",
	"noise":         "noise",
	"bolusIob":      "bolusIob",
	"basalIob":      "basalIob",
	"cob":           "cob",
	"lastCarbTime":  "lastCarbTime",
	"futureCarbs":   "futureCarbs",
	"tdd7Days":      "tdd7Days",
	"tddDaily":      "tddDaily",
	"tdd24Hrs":      "tdd24Hrs",
	"steps5":        "steps.0",
	"steps10":       "steps.1",
	"steps15":       "steps.2",
	"steps30":       "steps.3",
	"steps60":       "steps.4",
	"targetBg":      "targetBg",
}

// HTTPSource reads the cycle inputs from a JSON endpoint.
//
// Every field is extracted with a gjson path (see DefaultPaths). Only bg is
// required; absent fields are zero, which the snapshot builder maps to its
// defaults (no carb entry, profile target, current time).
//
// Headers and Body may use text/template variables: {{.Now}} (RFC3339),
// {{.NowUnix}}, {{.NowUnixMilli}} and any TemplateVars entry.
type HTTPSource struct {
	URL          string
	Method       string
	Headers      map[string]string
	Body         string
	TemplateVars map[string]string

	// Paths overrides DefaultPaths per field.
	Paths map[string]string

	// TimeFormat parses now and lastCarbTime: "rfc3339" (default), "unix"
	// or "unix_milli".
	TimeFormat string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// Limiter paces requests to the upstream API when set.
	Limiter *rate.Limiter

	// Clock is optional; it supplies {{.Now}}.
	Clock func() time.Time
}

func (h *HTTPSource) Name() string { return "http" }

// Collect implements Source.
func (h *HTTPSource) Collect(ctx context.Context) (snapshot.Inputs, error) {
	if h.URL == "" {
		return snapshot.Inputs{}, errors.New("http source: URL is required")
	}

	if h.Limiter != nil {
		if err := h.Limiter.Wait(ctx); err != nil {
			return snapshot.Inputs{}, fmt.Errorf("http source: rate limit: %w", err)
		}
	}

	clock := h.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	templateData := map[string]any{
		"Now":          now.Format(time.RFC3339),
		"NowUnix":      now.Unix(),
		"NowUnixMilli": now.UnixMilli(),
	}
	for k, v := range h.TemplateVars {
		templateData[k] = v
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, templateData)
		if err != nil {
			return snapshot.Inputs{}, fmt.Errorf("render body template: %w", err)
		}
		bodyReader = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, bodyReader)
	if err != nil {
		return snapshot.Inputs{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, templateData)
		if err != nil {
			return snapshot.Inputs{}, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return snapshot.Inputs{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return snapshot.Inputs{}, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	payload, err := readBody(resp.Body)
	if err != nil {
		return snapshot.Inputs{}, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(payload) {
		return snapshot.Inputs{}, errors.New("response is not valid JSON")
	}

	return h.decode(payload)
}

func (h *HTTPSource) path(field string) string {
	if p, ok := h.Paths[field]; ok && p != "" {
		return p
	}
	return DefaultPaths[field]
}

func (h *HTTPSource) decode(payload []byte) (snapshot.Inputs, error) {
	var in snapshot.Inputs

	bg := gjson.GetBytes(payload, h.path("bg"))
	if !bg.Exists() {
		return in, fmt.Errorf("required field bg not found at path %q", h.path("bg"))
	}

	floats := []struct {
		field string
		dst   *float64
	}{
		{"bg", &in.Glucose},
		{"delta", &in.Delta},
		{"shortAvgDelta", &in.Short},
		{"longAvgDelta", &in.Long},
		{"noise", &in.Noise},
		{"bolusIob", &in.BolusIOB},
		{"basalIob", &in.BasalIOB},
		{"cob", &in.COB},
		{"futureCarbs", &in.FutureCarbs},
		{"tdd7Days", &in.TDD7DayAverage},
		{"tddDaily", &in.TDDToday},
		{"tdd24Hrs", &in.TDD24Hours},
		{"targetBg", &in.Target},
	}
	for _, f := range floats {
		v, ok, err := h.number(payload, f.field)
		if err != nil {
			return in, err
		}
		if ok {
			*f.dst = v
		}
	}

	for i, field := range []string{"steps5", "steps10", "steps15", "steps30", "steps60"} {
		v, ok, err := h.number(payload, field)
		if err != nil {
			return in, err
		}
		if ok {
			if in.Steps[i], err = stepCount(field, v); err != nil {
				return in, err
			}
		}
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"now", &in.Now},
		{"lastCarbTime", &in.LastCarbTime},
	}
	for _, f := range times {
		res := gjson.GetBytes(payload, h.path(f.field))
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		t, err := h.parseTime(res)
		if err != nil {
			return in, fmt.Errorf("field %s: %w", f.field, err)
		}
		*f.dst = t
	}

	return in, nil
}

func (h *HTTPSource) number(payload []byte, field string) (float64, bool, error) {
	res := gjson.GetBytes(payload, h.path(field))
	if !res.Exists() || res.Type == gjson.Null {
		return 0, false, nil
	}
	if res.Type != gjson.Number {
		return 0, false, fmt.Errorf("field %s at path %q is %s, want number", field, h.path(field), res.Type)
	}
	return res.Float(), true, nil
}

func (h *HTTPSource) parseTime(value gjson.Result) (time.Time, error) {
	switch h.TimeFormat {
	case "", "rfc3339":
		return time.Parse(time.RFC3339, value.String())
	case "unix":
		return time.Unix(int64(value.Float()), 0).UTC(), nil
	case "unix_milli":
		return time.UnixMilli(value.Int()).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time format: %s", h.TimeFormat)
	}
}

func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
