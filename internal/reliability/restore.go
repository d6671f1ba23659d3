package reliability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/config"
)

// ErrNoBackups means the bucket holds nothing to restore from.
var ErrNoBackups = errors.New("no backups found in bucket")

// Restorer rebuilds the local stores from an off-site archive. It runs
// before the stores open, on a fresh host whose data directory is empty;
// every checksum is verified in staging before any file moves into place,
// and existing store files are never overwritten.
type Restorer struct {
	remote objectStore
	log    zerolog.Logger
}

// NewRestorer builds a restorer against the configured bucket.
func NewRestorer(ctx context.Context, cfg config.BackupConfig, log zerolog.Logger) (*Restorer, error) {
	remote, err := newS3Store(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building backup store: %w", err)
	}
	return newRestorer(remote, log), nil
}

func newRestorer(remote objectStore, log zerolog.Logger) *Restorer {
	return &Restorer{
		remote: remote,
		log:    log.With().Str("component", "restore").Logger(),
	}
}

// RestoreLatest restores the newest archive into destDir.
func (r *Restorer) RestoreLatest(ctx context.Context, destDir string) (*Manifest, error) {
	backups, err := listBackups(ctx, r.remote, r.log)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, ErrNoBackups
	}
	return r.Restore(ctx, backups[0].Filename, destDir)
}

// Restore downloads one archive, verifies every store file against the
// manifest in staging, then moves the files into destDir.
func (r *Restorer) Restore(ctx context.Context, archiveName, destDir string) (*Manifest, error) {
	r.log.Info().Str("archive", archiveName).Str("dest", destDir).Msg("Restoring stores from backup")

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	staging, err := os.MkdirTemp(destDir, "restore-staging-")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	body, err := r.remote.Fetch(ctx, archiveName)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", archiveName, err)
	}
	defer body.Close()

	if err := extractArchive(body, staging); err != nil {
		return nil, fmt.Errorf("extracting %s: %w", archiveName, err)
	}

	manifest, err := readManifest(filepath.Join(staging, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("reading manifest from %s: %w", archiveName, err)
	}

	// Every checksum is verified before any file moves out of staging.
	for _, store := range manifest.Stores {
		sum, err := fileChecksum(filepath.Join(staging, store.Filename))
		if err != nil {
			return nil, fmt.Errorf("hashing restored %s: %w", store.Name, err)
		}
		if sum != store.Checksum {
			return nil, fmt.Errorf("checksum mismatch for %s: manifest has %s, archive has %s", store.Name, store.Checksum, sum)
		}
	}

	for _, store := range manifest.Stores {
		dest := filepath.Join(destDir, store.Filename)
		if _, err := os.Stat(dest); err == nil {
			return nil, fmt.Errorf("store file %s already exists, refusing to overwrite", dest)
		}
		if err := os.Rename(filepath.Join(staging, store.Filename), dest); err != nil {
			return nil, fmt.Errorf("placing %s: %w", store.Filename, err)
		}
		r.log.Info().
			Str("store", store.Name).
			Str("path", dest).
			Int64("size_bytes", store.SizeBytes).
			Msg("Store restored")
	}

	r.log.Info().
		Str("archive", archiveName).
		Time("backup_timestamp", manifest.Timestamp).
		Int("stores", len(manifest.Stores)).
		Msg("Restore completed")
	return manifest, nil
}
