package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/HatiCode/microdose/pkg/features"
)

// RemoteConfig configures a Remote predictor.
type RemoteConfig struct {
	URL string
	// ValuePath is the gjson path of the dose in the response body.
	ValuePath string
	Timeout   time.Duration
	// Client overrides the default HTTP client, e.g. one built with mTLS.
	Client *http.Client

	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// Remote asks an external model server for the dose.
//
// Request:
//
//	POST <url>
//	{"schema":"aismb-v1","at":"...","features":{"bg":180,...},"vector":[...]}
//
// The dose is read from the response with ValuePath ("smb" by default).
type Remote struct {
	url       string
	valuePath string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	now       func() time.Time
}

type remoteRequest struct {
	Schema   string             `json:"schema"`
	At       string             `json:"at"`
	Features map[string]float64 `json:"features"`
	Vector   []float64          `json:"vector"`
}

// NewRemote builds a Remote predictor. Zero values take defaults: value path
// "smb", 10s timeout, 3 consecutive failures, 30s open state.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote predictor: url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ValuePath == "" {
		cfg.ValuePath = "smb"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	st := gobreaker.Settings{Name: "predictor"}
	st.Timeout = cfg.OpenTimeout
	threshold := cfg.FailureThreshold
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("predictor breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &Remote{
		url:       cfg.URL,
		valuePath: cfg.ValuePath,
		client:    client,
		breaker:   gobreaker.NewCircuitBreaker(st),
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (r *Remote) Name() string { return "remote" }

// State returns the breaker state, for health reporting.
func (r *Remote) State() gobreaker.State { return r.breaker.State() }

func (r *Remote) Predict(ctx context.Context, v features.Vector) (float64, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.call(ctx, v)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

func (r *Remote) call(ctx context.Context, v features.Vector) (float64, error) {
	body, err := json.Marshal(remoteRequest{
		Schema:   features.SchemaVersion,
		At:       r.now().UTC().Format(time.RFC3339),
		Features: v.Map(),
		Vector:   v[:],
	})
	if err != nil {
		return 0, fmt.Errorf("remote predictor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("remote predictor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote predictor: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("remote predictor: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("remote predictor: http %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	res := gjson.GetBytes(payload, r.valuePath)
	if !res.Exists() {
		return 0, fmt.Errorf("remote predictor: path %q not found in response", r.valuePath)
	}
	if res.Type != gjson.Number {
		return 0, fmt.Errorf("remote predictor: path %q is %s, want number", r.valuePath, res.Type)
	}
	return res.Float(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
