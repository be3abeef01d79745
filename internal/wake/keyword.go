package wake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrModelUnavailable means the keyword model asset is missing or unsupported;
// the detector falls back to transcription-based matching.
var ErrModelUnavailable = errors.New("keyword model unavailable")

// KeywordEngine is an on-device keyword spotter. Implementations run their
// own audio pipeline and invoke onDetect once per keyword hit. The engine is
// selected at configuration time; when no model is available the detector
// runs without one.
type KeywordEngine interface {
	// Start begins spotting. onDetect may be called from any goroutine.
	Start(ctx context.Context, onDetect func()) error
	// Stop pauses spotting without releasing the model.
	Stop() error
	// Dispose releases the model. The engine cannot be restarted afterwards.
	Dispose()
}

// keywordModelExts are the model formats engines are known to load.
var keywordModelExts = map[string]struct{}{
	".ppn":   {},
	".table": {},
	".onnx":  {},
}

// ModelAsset is a validated keyword model file on disk.
type ModelAsset struct {
	Path   string
	Format string // extension without the dot
}

// LoadKeywordModel validates the model asset at path. It returns
// ErrModelUnavailable when the path is empty, the file is missing, or the
// format is not one an engine can load.
func LoadKeywordModel(path string) (*ModelAsset, error) {
	if path == "" {
		return nil, ErrModelUnavailable
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrModelUnavailable, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := keywordModelExts[ext]; !ok {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrModelUnavailable, ext)
	}

	return &ModelAsset{Path: path, Format: strings.TrimPrefix(ext, ".")}, nil
}
