package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HatiCode/microdose/pkg/features"
)

// Artifact is the on-disk form of a linear dose model.
type Artifact struct {
	Schema   string    `json:"schema"`
	Features []string  `json:"features"`
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
}

// Validate checks the artifact was trained on the current feature order.
func (a Artifact) Validate() error {
	if a.Schema != features.SchemaVersion {
		return fmt.Errorf("schema %q, want %q", a.Schema, features.SchemaVersion)
	}
	if len(a.Features) != features.Len {
		return fmt.Errorf("%d features, want %d", len(a.Features), features.Len)
	}
	if len(a.Weights) != features.Len {
		return fmt.Errorf("%d weights, want %d", len(a.Weights), features.Len)
	}
	for i, name := range a.Features {
		if name != features.Names[i] {
			return fmt.Errorf("feature %d is %q, want %q", i, name, features.Names[i])
		}
	}
	return nil
}

// FileModel serves a linear model read from a JSON artifact. The file is
// checked on every call and reloaded when its modification time changes. A
// missing file yields ErrUnavailable, so a model can be dropped in or removed
// while the engine runs.
type FileModel struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	artifact *Artifact
	modTime  time.Time
}

// NewFileModel returns a FileModel for the artifact at path. The file does not
// need to exist yet.
func NewFileModel(path string, logger *slog.Logger) *FileModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileModel{path: path, logger: logger}
}

func (m *FileModel) Name() string { return "file" }

// Path returns the artifact location.
func (m *FileModel) Path() string { return m.path }

func (m *FileModel) Predict(ctx context.Context, v features.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a, err := m.load()
	if err != nil {
		return 0, err
	}

	out := a.Bias
	for i, w := range a.Weights {
		out += w * v[i]
	}
	return out, nil
}

func (m *FileModel) load() (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		if m.artifact != nil {
			m.logger.Warn("model artifact removed", "path", m.path)
		}
		m.artifact = nil
		m.modTime = time.Time{}
		return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, m.path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat model %s: %w", m.path, err)
	}

	if m.artifact != nil && info.ModTime().Equal(m.modTime) {
		return m.artifact, nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", m.path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", m.path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", m.path, err)
	}

	m.artifact = &a
	m.modTime = info.ModTime()
	m.logger.Info("model artifact loaded", "path", m.path, "schema", a.Schema, "mod_time", m.modTime)
	return m.artifact, nil
}
