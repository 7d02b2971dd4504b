// Package backup creates tar.gz, checksummed snapshots of the SommOS
// SQLite database and ships them to an S3-compatible bucket, rotating
// old backups while always keeping a minimum number on hand.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/thijssvd/sommos/internal/database"
)

// minBackupsToKeep bounds rotation: regardless of retention age, the
// most recent three backups are never deleted.
const minBackupsToKeep = 3

// Metadata describes one backup archive.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	DatabaseKey string    `json:"database_key"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
}

// Info describes a backup already stored in the bucket.
type Info struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
	AgeHours  int64
}

// Service creates and rotates backups of one database.
type Service struct {
	store         *objectStore
	db            *database.DB
	stagingDir    string
	retentionDays int
	log           zerolog.Logger
}

// Options configures a Service.
type Options struct {
	ClientOptions
	StagingDir    string
	RetentionDays int
}

// New builds a Service. db is the live database to snapshot; stagingDir
// holds the working directory used to build the archive before upload.
func New(ctx context.Context, db *database.DB, opts Options, log zerolog.Logger) (*Service, error) {
	store, err := newObjectStore(ctx, opts.ClientOptions)
	if err != nil {
		return nil, err
	}
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}
	return &Service{
		store:         store,
		db:            db,
		stagingDir:    opts.StagingDir,
		retentionDays: opts.RetentionDays,
		log:           log.With().Str("component", "backup").Logger(),
	}, nil
}

// CreateAndUpload snapshots the database, archives it with a checksummed
// metadata sidecar, and uploads the archive to the configured bucket.
func (s *Service) CreateAndUpload(ctx context.Context) error {
	start := time.Now()

	staging, err := os.MkdirTemp(s.stagingDir, "sommos-backup-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	dbCopyPath := filepath.Join(staging, "sommos.db")
	if err := s.db.BackupTo(dbCopyPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(dbCopyPath)
	if err != nil {
		return fmt.Errorf("failed to stat database snapshot: %w", err)
	}

	checksum, err := checksumFile(dbCopyPath)
	if err != nil {
		return fmt.Errorf("failed to checksum database snapshot: %w", err)
	}

	meta := Metadata{
		Timestamp:   time.Now().UTC(),
		DatabaseKey: "sommos.db",
		SizeBytes:   info.Size(),
		Checksum:    checksum,
	}
	metadataPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metadataPath, meta); err != nil {
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}

	archiveName := fmt.Sprintf("sommos-backup-%s.tar.gz", time.Now().Format("2006-01-02-150405"))
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, map[string]string{
		"sommos.db":            dbCopyPath,
		"backup-metadata.json": metadataPath,
	}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	archiveInfo, err := archiveFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.upload(ctx, archiveName, archiveFile, archiveInfo.Size()); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("backup uploaded")
	return nil
}

// List returns every backup in the bucket, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.store.list(ctx, "sommos-backup-")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]Info, 0, len(objects))
	for _, obj := range objects {
		if !isBackupObject(obj.Key) {
			continue
		}
		ts, err := parseBackupTimestamp(obj.Key)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("failed to parse backup timestamp, skipping")
			continue
		}
		backups = append(backups, Info{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}
	return backups, nil
}

// Rotate deletes backups older than retentionDays, always keeping at
// least minBackupsToKeep regardless of age. retentionDays <= 0 disables
// age-based deletion entirely.
func (s *Service) Rotate(ctx context.Context) error {
	backups, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups for rotation: %w", err)
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}
	if s.retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep {
			continue
		}
		if !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("backup rotation completed")
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func createArchive(archivePath string, filesByName map[string]string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gz := gzip.NewWriter(archiveFile)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for name, path := range filesByName {
		if err := addFileToArchive(tw, path, name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, filePath, nameInArchive string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func parseBackupTimestamp(key string) (time.Time, error) {
	name := key
	name = name[len("sommos-backup-"):]
	name = name[:len(name)-len(".tar.gz")]
	return time.Parse("2006-01-02-150405", name)
}
