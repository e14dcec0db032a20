package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/microdose/pkg/snapshot"
)

// FileSource reads the cycle inputs from a YAML or JSON document. The file is
// read on every Collect, so another process can keep it current. Files ending
// in .json are decoded as JSON, anything else as YAML.
type FileSource struct {
	Path string
	// Now stamps inputs whose document has no time. Nil means time.Now.
	Now func() time.Time
}

func (f *FileSource) Name() string { return "file" }

// Collect implements Source.
func (f *FileSource) Collect(ctx context.Context) (snapshot.Inputs, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Inputs{}, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return snapshot.Inputs{}, fmt.Errorf("read %s: %w", f.Path, err)
	}

	var in snapshot.Inputs
	if strings.EqualFold(filepath.Ext(f.Path), ".json") {
		err = json.Unmarshal(data, &in)
	} else {
		err = yaml.Unmarshal(data, &in)
	}
	if err != nil {
		return snapshot.Inputs{}, fmt.Errorf("decode %s: %w", f.Path, err)
	}

	for i, n := range in.Steps {
		if n < 0 || n > MaxSteps {
			return snapshot.Inputs{}, fmt.Errorf("decode %s: step count %d at index %d outside [0, %d]", f.Path, n, i, MaxSteps)
		}
	}

	if in.Now.IsZero() {
		now := f.Now
		if now == nil {
			now = time.Now
		}
		in.Now = now()
	}
	return in, nil
}
