// Package sources connects the engine to the upstream collaborators that
// report the patient state: the glucose/trend source, the IOB and meal
// calculators, TDD statistics and the step counter.
//
// A Source gathers their per-cycle values into snapshot.Inputs. Available
// sources:
//   - HTTPSource - any JSON endpoint (a Nightscout-style API, a sidecar), fields
//     extracted with gjson paths
//   - FileSource - a YAML or JSON document, re-read every cycle
//   - PrometheusSource - instant PromQL queries, one per field
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/HatiCode/microdose/pkg/snapshot"
)

// MaxResponseBytes caps the upstream body read by the HTTP-based sources.
const MaxResponseBytes = 1 << 20

// MaxSteps bounds a trailing step-count window.
const MaxSteps = 100000

// Source collects the raw inputs of one decision cycle.
type Source interface {
	Name() string
	Collect(ctx context.Context) (snapshot.Inputs, error)
}

// New creates a source from its kind and a generic configuration map.
//
// Supported kinds:
//   - "http": requires "url"; optional "method", "body", "headers" (JSON),
//     "templateVars" (JSON), "paths" (JSON, field -> gjson path),
//     "timeFormat", "rateLimit" (requests per second), "burst"
//   - "file": requires "path"
//   - "prometheus": requires "url" and "queries" (JSON, field -> PromQL, must
//     include bg)
//
// client is used by the http source; nil selects a default client.
func New(kind string, config map[string]string, client *http.Client) (Source, error) {
	switch kind {
	case "http":
		return newHTTP(config, client)
	case "file":
		return newFile(config)
	case "prometheus":
		return newPrometheus(config, client)
	default:
		return nil, fmt.Errorf("unknown source kind: %s (must be http, file or prometheus)", kind)
	}
}

func newHTTP(config map[string]string, client *http.Client) (Source, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http source requires 'url' config")
	}

	s := &HTTPSource{
		URL:        url,
		Method:     config["method"],
		Body:       config["body"],
		TimeFormat: config["timeFormat"],
		HTTPClient: client,
	}

	if raw := config["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}
	if raw := config["templateVars"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.TemplateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}
	if raw := config["paths"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Paths); err != nil {
			return nil, fmt.Errorf("invalid 'paths' JSON: %w", err)
		}
		for field := range s.Paths {
			if _, ok := DefaultPaths[field]; !ok {
				return nil, fmt.Errorf("unknown field %q in 'paths'", field)
			}
		}
	}

	switch s.TimeFormat {
	case "", "rfc3339", "unix", "unix_milli":
	default:
		return nil, fmt.Errorf("unsupported 'timeFormat' %q (must be rfc3339, unix or unix_milli)", s.TimeFormat)
	}

	if raw := config["rateLimit"]; raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil || rps <= 0 {
			return nil, fmt.Errorf("invalid 'rateLimit' %q", raw)
		}
		burst := 1
		if rawBurst := config["burst"]; rawBurst != "" {
			burst, err = strconv.Atoi(rawBurst)
			if err != nil || burst < 1 {
				return nil, fmt.Errorf("invalid 'burst' %q", rawBurst)
			}
		}
		s.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return s, nil
}

func newFile(config map[string]string) (Source, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("file source requires 'path' config")
	}
	return &FileSource{Path: path, Now: time.Now}, nil
}

func newPrometheus(config map[string]string, client *http.Client) (Source, error) {
	serverURL := config["url"]
	if serverURL == "" {
		return nil, fmt.Errorf("prometheus source requires 'url' config")
	}
	raw := config["queries"]
	if raw == "" {
		return nil, fmt.Errorf("prometheus source requires 'queries' config")
	}

	var queries map[string]string
	if err := json.Unmarshal([]byte(raw), &queries); err != nil {
		return nil, fmt.Errorf("invalid 'queries' JSON: %w", err)
	}
	if queries["bg"] == "" {
		return nil, fmt.Errorf("'queries' must include bg")
	}
	for field := range queries {
		if _, ok := DefaultPaths[field]; !ok || field == "now" {
			return nil, fmt.Errorf("unknown field %q in 'queries'", field)
		}
	}

	return &PrometheusSource{ServerURL: serverURL, Queries: queries, HTTPClient: client}, nil
}

// readBody reads at most MaxResponseBytes of r.
func readBody(r io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, MaxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", MaxResponseBytes)
	}
	return payload, nil
}

// stepCount converts a reported step count. NaN, negative and values above
// MaxSteps are rejected.
func stepCount(field string, v float64) (int, error) {
	if !(v >= 0 && v <= MaxSteps) {
		return 0, fmt.Errorf("field %s: step count %v outside [0, %d]", field, v, MaxSteps)
	}
	return int(v), nil
}
