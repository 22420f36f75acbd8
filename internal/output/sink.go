// Package output writes finished artifact sets to their destinations.
package output

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
)

var _ providers.OutputSink = (*FileSink)(nil)

// Files written per run
const (
	ArtifactsFile = "artifacts.json"
	ImpactFile    = "impact.md"
	BlogFile      = "blog.md"
	SocialFile    = "social.txt"
	ScriptFile    = "script.txt"
)

// FileSink writes each artifact set into <dir>/<run id>/
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// RunDir returns the directory holding a run's artifacts
func (s *FileSink) RunDir(runID string) string {
	return filepath.Join(s.dir, runID)
}

// Emit writes the artifact files. Files are written to a temporary name and
// renamed so readers never see a partial file.
func (s *FileSink) Emit(ctx context.Context, set domain.ArtifactSet) error {
	if set.RunID == "" || strings.ContainsAny(set.RunID, `/\`) || set.RunID == "." || set.RunID == ".." {
		return eris.Errorf("output: invalid run id %q", set.RunID)
	}
	dir := s.RunDir(set.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return eris.Wrapf(err, "output: create %s", dir)
	}

	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return eris.Wrap(err, "output: encode artifacts")
	}

	files := []struct {
		name string
		data []byte
	}{
		{ArtifactsFile, append(data, '\n')},
		{ImpactFile, []byte(set.Impact + "\n")},
		{BlogFile, []byte(set.Blog + "\n")},
		{SocialFile, []byte(set.SocialPost + "\n")},
	}
	if set.Video != nil {
		files = append(files, struct {
			name string
			data []byte
		}{ScriptFile, []byte(set.Video.Script + "\n")})
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(dir, f.name), f.data); err != nil {
			return err
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return eris.Wrapf(err, "output: write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return eris.Wrapf(err, "output: rename %s", path)
	}
	return nil
}

// ReadArtifacts loads the artifact set a FileSink wrote for runID
func (s *FileSink) ReadArtifacts(runID string) (*domain.ArtifactSet, error) {
	return ReadArtifactSet(s.RunDir(runID))
}

// ReadArtifactSet loads the artifacts.json in a run directory
func ReadArtifactSet(dir string) (*domain.ArtifactSet, error) {
	path := filepath.Join(dir, ArtifactsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "output: read %s", path)
	}
	var set domain.ArtifactSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, eris.Wrapf(err, "output: decode %s", path)
	}
	return &set, nil
}
