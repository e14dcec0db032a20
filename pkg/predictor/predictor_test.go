package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/microdose/pkg/features"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConstant(t *testing.T) {
	got, err := Constant{Dose: 0.4}.Predict(context.Background(), features.Vector{})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != 0.4 {
		t.Errorf("Predict = %v, want 0.4", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Constant{}).Predict(ctx, features.Vector{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Predict with canceled ctx = %v, want context.Canceled", err)
	}
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Predict(context.Background(), features.Vector{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func writeArtifact(t *testing.T, path string, a Artifact) {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func bgArtifact(weight, bias float64) Artifact {
	weights := make([]float64, features.Len)
	for i, n := range features.Names {
		if n == "bg" {
			weights[i] = weight
		}
	}
	return Artifact{
		Schema:   features.SchemaVersion,
		Features: features.Names[:],
		Weights:  weights,
		Bias:     bias,
	}
}

func bgVector(bg float64) features.Vector {
	var v features.Vector
	for i, n := range features.Names {
		if n == "bg" {
			v[i] = bg
		}
	}
	return v
}

func TestFileModel_Missing(t *testing.T) {
	m := NewFileModel(filepath.Join(t.TempDir(), "model.json"), discardLogger())
	_, err := m.Predict(context.Background(), features.Vector{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestFileModel_PredictAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	writeArtifact(t, path, bgArtifact(0.01, 0.5))

	m := NewFileModel(path, discardLogger())
	got, err := m.Predict(context.Background(), bgVector(100))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != 1.5 {
		t.Errorf("Predict = %v, want 1.5", got)
	}

	writeArtifact(t, path, bgArtifact(0, 0.25))
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, err = m.Predict(context.Background(), bgVector(100))
	if err != nil {
		t.Fatalf("Predict after reload: %v", err)
	}
	if got != 0.25 {
		t.Errorf("Predict after reload = %v, want 0.25", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Predict(context.Background(), bgVector(100)); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err after removal = %v, want ErrUnavailable", err)
	}
}

func TestFileModel_InvalidArtifact(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"wrong schema", func(a *Artifact) { a.Schema = "other" }},
		{"short weights", func(a *Artifact) { a.Weights = a.Weights[:3] }},
		{"reordered features", func(a *Artifact) {
			f := append([]string(nil), a.Features...)
			f[0], f[1] = f[1], f[0]
			a.Features = f
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.json")
			a := bgArtifact(1, 0)
			tt.mutate(&a)
			writeArtifact(t, path, a)

			_, err := NewFileModel(path, discardLogger()).Predict(context.Background(), features.Vector{})
			if err == nil {
				t.Fatal("expected error for invalid artifact")
			}
			if errors.Is(err, ErrUnavailable) {
				t.Errorf("invalid artifact reported as unavailable: %v", err)
			}
		})
	}
}

func TestRemote_Predict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Schema != features.SchemaVersion {
			t.Errorf("schema = %q", req.Schema)
		}
		if len(req.Vector) != features.Len || len(req.Features) != features.Len {
			t.Errorf("got %d vector values and %d named features", len(req.Vector), len(req.Features))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"smb":` + jsonNumber(req.Features["bg"]/200) + `}}`))
	}))
	defer server.Close()

	r, err := NewRemote(RemoteConfig{URL: server.URL, ValuePath: "result.smb"}, discardLogger())
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	got, err := r.Predict(context.Background(), bgVector(180))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != 0.9 {
		t.Errorf("Predict = %v, want 0.9", got)
	}
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestRemote_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusInternalServerError, `boom`},
		{"missing path", http.StatusOK, `{"other":1}`},
		{"not a number", http.StatusOK, `{"smb":"lots"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			r, err := NewRemote(RemoteConfig{URL: server.URL}, discardLogger())
			if err != nil {
				t.Fatalf("NewRemote: %v", err)
			}
			_, err = r.Predict(context.Background(), features.Vector{})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrUnavailable) {
				t.Errorf("first failure reported as unavailable: %v", err)
			}
		})
	}
}

func TestRemote_BreakerOpens(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	r, err := NewRemote(RemoteConfig{URL: server.URL, FailureThreshold: 2, OpenTimeout: time.Hour}, discardLogger())
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.Predict(context.Background(), features.Vector{}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err = r.Predict(context.Background(), features.Vector{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err with open breaker = %v, want ErrUnavailable", err)
	}
	if calls != 2 {
		t.Errorf("server saw %d calls, want 2", calls)
	}
}

func TestNewRemote_RequiresURL(t *testing.T) {
	if _, err := NewRemote(RemoteConfig{}, nil); err == nil {
		t.Error("expected error for empty url")
	}
}
