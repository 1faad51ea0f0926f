package csvimport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	manifestFilename = "manifest.json"
	inputFilename    = "data.csv"
)

// Manifest はインポートジョブの入力を記録します。
type Manifest struct {
	JobID        string    `json:"jobId"`
	Table        string    `json:"table"`
	File         string    `json:"file"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

type workspace struct {
	jobID string
	dir   string
	inDir string
}

func (w workspace) manifestPath() string {
	return filepath.Join(w.dir, manifestFilename)
}

func (w workspace) inputPath() string {
	return filepath.Join(w.inDir, inputFilename)
}

func writeManifest(ws workspace, manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	file, err := os.OpenFile(ws.manifestPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

func loadManifest(ws workspace) (*Manifest, error) {
	data, err := os.ReadFile(ws.manifestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(codeJobNotFound, "ジョブのCSVがアップロードされていません。", err)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
