// Package backend defines the backing store behind the virtual tree and
// selects one of the interchangeable strategies at startup. Every strategy
// exposes the same two primitives, so the cache layer never knows whether
// bytes come from a premounted NFS tree or an object store.
package backend

import (
	"context"
	"fmt"

	"github.com/open-afc-project/openafc-sub006/internal/backend/gcs"
	"github.com/open-afc-project/openafc-sub006/internal/backend/nfs"
	"github.com/open-afc-project/openafc-sub006/internal/backend/s3"
	"github.com/open-afc-project/openafc-sub006/pkg/config"
)

// Fetch modes reported in metrics.
const (
	ModeWhole = "whole"
	ModeRange = "range"
)

// Backend serves file bytes for tree paths. Implementations are chosen once
// at startup and never mixed per request.
type Backend interface {
	// Name returns the strategy label used in logs and metrics.
	Name() string

	// DownloadWhole copies the complete object at treePath into the local
	// file destPath, creating or truncating it. The copy is synchronous; a
	// failed copy may leave a partial file behind, which the cache layer
	// treats as absent because its size disagrees with the manifest.
	DownloadWhole(ctx context.Context, treePath, destPath string) error

	// ReadRange reads up to len(buf) bytes at offset off of treePath into
	// buf, returning how many bytes were read. Short reads happen only at
	// the end of the object.
	ReadRange(ctx context.Context, treePath string, off int64, buf []byte) (int, error)

	// Close releases any client resources.
	Close() error
}

// New builds the backend selected by the configuration.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Strategy() {
	case config.StrategyGCS:
		return gcs.New(ctx, cfg.GSBucket)
	case config.StrategyS3:
		return s3.New(ctx, cfg.S3Bucket)
	case config.StrategyNFS:
		return nfs.New(cfg.RealMountpoint)
	default:
		return nil, fmt.Errorf("unknown backend strategy %v", cfg.Strategy())
	}
}
