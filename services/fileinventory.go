package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/overmindtech/discovery-server/discovery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultThresholdBytes = 1 << 20
	DefaultMaxFiles       = 10000
)

// FileMode selects which side of the threshold is reported
type FileMode string

const (
	// Files smaller than the threshold
	ModeSmall FileMode = "small"
	// Files at least as large as the threshold
	ModeBig FileMode = "big"
)

var ErrNoPath = errors.New("no path to inventory")

// FileInventory walks a directory and reports the regular files on one side
// of a size threshold
type FileInventory struct {
	// Default directory, used if the request has no "path" param
	Path           string
	Mode           FileMode
	ThresholdBytes int64
	// The walk stops once this many files have been found
	MaxFiles int
}

// NewFileInventory creates a FileInventory from these connector parameters:
//
//   - mode: "small" or "big" (required)
//   - threshold-bytes: the size threshold, defaults to 1MiB
//   - path: the default directory
//   - max-files: defaults to 10000
func NewFileInventory(ctx context.Context, connector discovery.ConnectorDescriptor) (discovery.DiscoveryService, error) {
	mode := FileMode(connector.Parameters["mode"])
	if mode != ModeSmall && mode != ModeBig {
		return nil, incompatible(connector, "mode must be %q or %q, got %q", ModeSmall, ModeBig, mode)
	}

	threshold, err := int64Parameter(connector, "threshold-bytes", DefaultThresholdBytes)
	if err != nil {
		return nil, err
	}

	maxFiles, err := int64Parameter(connector, "max-files", DefaultMaxFiles)
	if err != nil {
		return nil, err
	}

	return &FileInventory{
		Path:           connector.Parameters["path"],
		Mode:           mode,
		ThresholdBytes: threshold,
		MaxFiles:       int(maxFiles),
	}, nil
}

func (f *FileInventory) matches(size int64) bool {
	if f.Mode == ModeBig {
		return size >= f.ThresholdBytes
	}
	return size < f.ThresholdBytes
}

func (f *FileInventory) Discover(ctx context.Context, req *discovery.DiscoveryRequest) (map[string]any, error) {
	root := req.StringParam("path", f.Path)
	if root == "" {
		return nil, ErrNoPath
	}

	files := make([]map[string]any, 0)
	var totalBytes int64
	truncated := false

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Deleted during the walk
				return nil
			}
			return err
		}

		if !f.matches(info.Size()) {
			return nil
		}

		if f.MaxFiles > 0 && len(files) >= f.MaxFiles {
			truncated = true
			return fs.SkipAll
		}

		files = append(files, map[string]any{
			"path": path,
			"size": info.Size(),
		})
		totalBytes += info.Size()

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %v: %w", root, err)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("ovm.services.fileInventory.path", root),
		attribute.Int("ovm.services.fileInventory.count", len(files)),
	)

	return map[string]any{
		"path":           root,
		"mode":           string(f.Mode),
		"thresholdBytes": f.ThresholdBytes,
		"count":          len(files),
		"totalBytes":     totalBytes,
		"truncated":      truncated,
		"files":          files,
	}, nil
}
