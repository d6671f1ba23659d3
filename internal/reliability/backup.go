// Package reliability ships the bot's local stores off-site: periodic
// tar.gz archives of the SQLite files pushed to S3-compatible storage with
// a per-file checksum manifest, count-based retention, and a verified
// restore path for fresh hosts.
package reliability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

const (
	archivePrefix     = "slipstream-backup-"
	archiveTimeFormat = "2006-01-02-150405"

	defaultRetention = 14

	// Staging holds a full second copy of every store, so refuse to start
	// when the disk is nearly out.
	minFreeBytes = 500 << 20
)

// Store is the slice of a SQLite store the backup needs.
type Store interface {
	Name() string
	Path() string
	WALCheckpoint(mode string) error
	SnapshotTo(path string) error
}

// AuditSink records completed backups.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// BackupInfo is one archive in the bucket.
type BackupInfo struct {
	Filename  string
	Timestamp time.Time
	SizeBytes int64
}

// Service creates, uploads and rotates store backups.
type Service struct {
	remote  objectStore
	stores  []Store
	dataDir string
	keep    int
	version string
	audit   AuditSink
	log     zerolog.Logger
}

// New builds the backup service against the configured bucket. Staging
// directories are created under dataDir, next to the stores themselves.
func New(ctx context.Context, cfg config.BackupConfig, dataDir string, stores []Store, version string, audit AuditSink, log zerolog.Logger) (*Service, error) {
	remote, err := newS3Store(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building backup store: %w", err)
	}
	return newService(cfg, remote, dataDir, stores, version, audit, log), nil
}

func newService(cfg config.BackupConfig, remote objectStore, dataDir string, stores []Store, version string, audit AuditSink, log zerolog.Logger) *Service {
	keep := cfg.Retention
	if keep <= 0 {
		keep = defaultRetention
	}
	return &Service{
		remote:  remote,
		stores:  stores,
		dataDir: dataDir,
		keep:    keep,
		version: version,
		audit:   audit,
		log:     log.With().Str("component", "backup").Logger(),
	}
}

// Run performs one backup pass: snapshot every store into staging, hash
// and archive the snapshots, upload, then rotate old archives. A rotation
// failure does not fail the pass; the upload already succeeded.
func (s *Service) Run(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Int("stores", len(s.stores)).Msg("Starting store backup")

	if err := s.checkDiskSpace(); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{
		Timestamp:  start.UTC(),
		BotVersion: s.version,
		Stores:     make([]StoreManifest, 0, len(s.stores)),
	}

	for _, store := range s.stores {
		filename := store.Name() + ".db"
		snapshotPath := filepath.Join(staging, filename)

		// Truncating the WAL first keeps the snapshot from carrying a
		// large un-checkpointed tail.
		if err := store.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("store", store.Name()).Msg("WAL checkpoint before backup failed")
		}
		if err := store.SnapshotTo(snapshotPath); err != nil {
			return fmt.Errorf("snapshotting %s: %w", store.Name(), err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			return fmt.Errorf("inspecting %s snapshot: %w", store.Name(), err)
		}
		checksum, err := fileChecksum(snapshotPath)
		if err != nil {
			return fmt.Errorf("hashing %s snapshot: %w", store.Name(), err)
		}

		manifest.Stores = append(manifest.Stores, StoreManifest{
			Name:      store.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	if err := writeManifest(filepath.Join(staging, manifestFilename), manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	archiveName := archivePrefix + start.UTC().Format(archiveTimeFormat) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)

	filenames := make([]string, 0, len(manifest.Stores)+1)
	for _, m := range manifest.Stores {
		filenames = append(filenames, m.Filename)
	}
	filenames = append(filenames, manifestFilename)

	if err := buildArchive(archivePath, staging, filenames); err != nil {
		return fmt.Errorf("building archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer archive.Close()

	archiveInfo, err := archive.Stat()
	if err != nil {
		return fmt.Errorf("inspecting archive: %w", err)
	}
	if err := s.remote.Upload(ctx, archiveName, archive); err != nil {
		return fmt.Errorf("uploading %s: %w", archiveName, err)
	}

	rotated, err := s.rotate(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	s.auditCompleted(ctx, archiveName, archiveInfo.Size(), len(manifest.Stores), rotated, time.Since(start))

	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Int("stores", len(manifest.Stores)).
		Int("rotated", rotated).
		Dur("duration_ms", time.Since(start)).
		Msg("Store backup completed")
	return nil
}

// ListBackups returns the archives in the bucket, newest first.
func (s *Service) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	return listBackups(ctx, s.remote, s.log)
}

// rotate deletes everything beyond the newest keep archives. Returns how
// many were deleted.
func (s *Service) rotate(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing backups: %w", err)
	}
	if len(backups) <= s.keep {
		return 0, nil
	}

	rotated := 0
	for _, backup := range backups[s.keep:] {
		if err := s.remote.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("archive", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().
			Str("archive", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Rotated old backup")
		rotated++
	}
	return rotated, nil
}

// checkDiskSpace refuses to stage when the volume is nearly full. A stat
// failure only warns; the staging write will surface a real problem.
func (s *Service) checkDiskSpace() error {
	dir := s.dataDir
	if dir == "" {
		dir = os.TempDir()
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Msg("Disk space check failed")
		return nil
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("only %d MB free under %s, refusing to stage backup", usage.Free>>20, dir)
	}
	if usage.UsedPercent > 90 {
		s.log.Warn().Float64("used_percent", usage.UsedPercent).Msg("Disk space running low")
	}
	return nil
}

func (s *Service) auditCompleted(ctx context.Context, archive string, size int64, stores, rotated int, took time.Duration) {
	entry := domain.AuditEntry{
		EventType: domain.AuditBackupCompleted,
		Severity:  domain.SeverityInfo,
		EventData: map[string]any{
			"archive":     archive,
			"size_bytes":  size,
			"stores":      stores,
			"rotated":     rotated,
			"duration_ms": took.Milliseconds(),
		},
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Error().Err(err).Msg("Failed to audit backup completion")
	}
}

// listBackups parses archive names back into timestamps and sorts newest
// first. Objects that do not look like our archives are skipped.
func listBackups(ctx context.Context, remote objectStore, log zerolog.Logger) ([]BackupInfo, error) {
	objects, err := remote.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimeFormat, stamp)
		if err != nil {
			log.Warn().Str("key", obj.Key).Msg("Skipping archive with unparseable timestamp")
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.Size,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}
