// Package reliability covers backup, archival and database maintenance.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/database"
	"github.com/aristath/tradelib/internal/domain"
	"github.com/aristath/tradelib/internal/events"
	"github.com/aristath/tradelib/internal/version"
)

const (
	archivePrefix     = "tradelib-backup-"
	archiveTimeFormat = "2006-01-02-150405"
	manifestFilename  = "backup-manifest.json"
	exportFilename    = "export.msgpack"

	// Rotation never deletes below this count, whatever retention says
	minBackupsToKeep = 3

	// exportWindow bounds the msgpack export of snapshots and trades
	exportWindow = 90 * 24 * time.Hour
)

// SnapshotHistory is the slice of snapshot persistence the export reads.
// Satisfied by portfolio.SnapshotRepository.
type SnapshotHistory interface {
	Range(from, to time.Time) ([]*domain.PortfolioSnapshot, error)
}

// TradeHistory is the slice of the trade ledger the export reads.
// Satisfied by trading.TradeRepository.
type TradeHistory interface {
	History(from, to time.Time) ([]*domain.TradeRecord, error)
}

// BackupService archives the SQLite databases together with a portable
// msgpack export of recent state, and ships the archive to object storage
// when a remote is configured. Local archives are always kept.
type BackupService struct {
	databases map[string]*database.DB
	snapshots SnapshotHistory
	trades    TradeHistory
	remote    ObjectStore     // nil keeps backups local only
	events    *events.Manager // optional, nil disables event emission
	cfg       *config.BackupConfig
	log       zerolog.Logger
}

// Manifest describes the contents of one backup archive
type Manifest struct {
	CreatedAt time.Time      `json:"created_at"`
	Version   string         `json:"version"`
	Files     []FileManifest `json:"files"`
}

// FileManifest describes a single file inside the archive
type FileManifest struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo describes a backup stored remotely
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupResult summarizes one completed backup run
type BackupResult struct {
	Archive   string    `json:"archive"`
	SizeBytes int64     `json:"size_bytes"`
	Uploaded  bool      `json:"uploaded"`
	CreatedAt time.Time `json:"created_at"`
}

// exportPayload is the msgpack document embedded in each archive. It carries
// enough recent state to rebuild a portfolio view without SQLite tooling.
// Decimals are encoded as strings so any msgpack reader can consume it.
type exportPayload struct {
	GeneratedAt time.Time        `msgpack:"generated_at"`
	Snapshots   []exportSnapshot `msgpack:"snapshots"`
	Trades      []exportTrade    `msgpack:"trades"`
}

type exportSnapshot struct {
	Timestamp  time.Time                 `msgpack:"timestamp"`
	TotalValue string                    `msgpack:"total_value"`
	Cash       string                    `msgpack:"cash"`
	Positions  map[string]exportPosition `msgpack:"positions"`
}

type exportPosition struct {
	Quantity    string `msgpack:"quantity"`
	AverageCost string `msgpack:"average_cost"`
}

type exportTrade struct {
	InstructionID  string    `msgpack:"instruction_id"`
	Ticker         string    `msgpack:"ticker"`
	Side           string    `msgpack:"side"`
	Mode           string    `msgpack:"mode"`
	Quantity       string    `msgpack:"quantity"`
	Notional       string    `msgpack:"notional"`
	SubmittedAt    time.Time `msgpack:"submitted_at"`
	BackendOrderID string    `msgpack:"backend_order_id"`
	Status         string    `msgpack:"status"`
	FilledQuantity string    `msgpack:"filled_quantity"`
	FilledPrice    string    `msgpack:"filled_price"`
}

func toExportSnapshot(snap *domain.PortfolioSnapshot) exportSnapshot {
	positions := make(map[string]exportPosition, len(snap.Positions))
	for ticker, pos := range snap.Positions {
		positions[ticker] = exportPosition{
			Quantity:    pos.Quantity.String(),
			AverageCost: pos.AverageCost.String(),
		}
	}
	return exportSnapshot{
		Timestamp:  snap.Timestamp,
		TotalValue: snap.TotalValue.String(),
		Cash:       snap.Cash.String(),
		Positions:  positions,
	}
}

func toExportTrade(rec *domain.TradeRecord) exportTrade {
	return exportTrade{
		InstructionID:  rec.Instruction.ID,
		Ticker:         rec.Instruction.Ticker,
		Side:           string(rec.Instruction.Side),
		Mode:           string(rec.Instruction.Mode),
		Quantity:       rec.Instruction.Quantity.String(),
		Notional:       rec.Instruction.Notional.String(),
		SubmittedAt:    rec.SubmittedAt,
		BackendOrderID: rec.BackendOrderID,
		Status:         string(rec.Status),
		FilledQuantity: rec.FilledQuantity.String(),
		FilledPrice:    rec.FilledPrice.String(),
	}
}

// NewBackupService creates a backup service over the given databases.
// remote may be nil; backups then stay in the local archive directory.
func NewBackupService(
	databases map[string]*database.DB,
	snapshots SnapshotHistory,
	trades TradeHistory,
	remote ObjectStore,
	eventManager *events.Manager,
	cfg *config.BackupConfig,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		databases: databases,
		snapshots: snapshots,
		trades:    trades,
		remote:    remote,
		events:    eventManager,
		cfg:       cfg,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// CreateBackup checkpoints and copies every database, writes the msgpack
// export and manifest, archives everything as tar.gz, and uploads the
// archive when a remote store is configured.
func (s *BackupService) CreateBackup(ctx context.Context) (*BackupResult, error) {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	stagingDir, err := os.MkdirTemp(s.cfg.Dir, "staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	manifest := Manifest{
		CreatedAt: time.Now().UTC(),
		Version:   version.Version,
	}

	// Stable ordering keeps archives diffable across runs
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dbPath := filepath.Join(stagingDir, name+".db")

		s.log.Debug().Str("database", name).Msg("Backing up database")

		if err := s.backupDatabase(name, dbPath); err != nil {
			return nil, fmt.Errorf("failed to backup %s: %w", name, err)
		}
		if err := s.verifyBackup(dbPath); err != nil {
			return nil, fmt.Errorf("%s backup failed verification: %w", name, err)
		}

		entry, err := s.manifestEntry(dbPath, name+".db")
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
	}

	exportPath := filepath.Join(stagingDir, exportFilename)
	if err := s.writeExport(exportPath); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	entry, err := s.manifestEntry(exportPath, exportFilename)
	if err != nil {
		return nil, err
	}
	manifest.Files = append(manifest.Files, entry)

	manifestPath := filepath.Join(stagingDir, manifestFilename)
	if err := s.writeManifest(manifestPath, manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	archiveName := archivePrefix + manifest.CreatedAt.Format(archiveTimeFormat) + ".tar.gz"
	archivePath := filepath.Join(s.cfg.Dir, archiveName)

	contents := make([]string, 0, len(manifest.Files)+1)
	for _, f := range manifest.Files {
		contents = append(contents, f.Name)
	}
	contents = append(contents, manifestFilename)

	if err := s.createArchive(archivePath, stagingDir, contents); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	result := &BackupResult{
		Archive:   archivePath,
		SizeBytes: archiveInfo.Size(),
		CreatedAt: manifest.CreatedAt,
	}

	if s.remote != nil {
		archiveFile, err := os.Open(archivePath)
		if err != nil {
			return result, fmt.Errorf("failed to open archive for upload: %w", err)
		}
		err = s.remote.Upload(ctx, archiveName, archiveFile, archiveInfo.Size())
		archiveFile.Close()
		if err != nil {
			// The local archive survives; the next run retries the upload path
			return result, fmt.Errorf("failed to upload archive: %w", err)
		}
		result.Uploaded = true

		if err := s.RotateRemoteBackups(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to rotate remote backups")
		}
	}

	s.rotateLocalArchives()

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Bool("uploaded", result.Uploaded).
		Msg("Backup completed successfully")

	if s.events != nil {
		s.events.EmitTyped(events.BackupCompleted, "reliability", &events.BackupCompletedData{
			Archive:   archiveName,
			SizeBytes: archiveInfo.Size(),
			Uploaded:  result.Uploaded,
		})
	}

	return result, nil
}

// ListRemoteBackups lists backups stored in the remote archive, newest first
func (s *BackupService) ListRemoteBackups(ctx context.Context) ([]BackupInfo, error) {
	if s.remote == nil {
		return nil, fmt.Errorf("no remote archive configured")
	}

	objects, err := s.remote.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimeFormat, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", obj.Key).Msg("Failed to parse timestamp from filename")
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RotateRemoteBackups deletes remote backups beyond the retention count,
// always keeping at least minBackupsToKeep
func (s *BackupService) RotateRemoteBackups(ctx context.Context) error {
	backups, err := s.ListRemoteBackups(ctx)
	if err != nil {
		return err
	}

	keep := s.cfg.Retain
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}

	if len(backups) <= keep {
		s.log.Debug().Int("count", len(backups)).Msg("No remote backups to rotate")
		return nil
	}

	deleted := 0
	for _, backup := range backups[keep:] {
		if err := s.remote.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old remote backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Remote backup rotation completed")

	return nil
}

// backupDatabase copies one database via VACUUM INTO after truncating its WAL.
// VACUUM INTO yields an optimized single-file copy with no WAL sidecar.
func (s *BackupService) backupDatabase(name, backupPath string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}

	if _, err := db.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Str("database", name).Err(err).Msg("WAL checkpoint before backup failed")
	}

	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}

	return nil
}

// verifyBackup opens the copy and runs an integrity check
func (s *BackupService) verifyBackup(backupPath string) error {
	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}

// writeExport encodes recent snapshots and trades as msgpack
func (s *BackupService) writeExport(path string) error {
	to := time.Now()
	from := to.Add(-exportWindow)

	snaps, err := s.snapshots.Range(from, to)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}
	trades, err := s.trades.History(from, to)
	if err != nil {
		return fmt.Errorf("failed to load trades: %w", err)
	}

	payload := exportPayload{
		GeneratedAt: to.UTC(),
		Snapshots:   make([]exportSnapshot, 0, len(snaps)),
		Trades:      make([]exportTrade, 0, len(trades)),
	}
	for _, snap := range snaps {
		payload.Snapshots = append(payload.Snapshots, toExportSnapshot(snap))
	}
	for _, rec := range trades {
		payload.Trades = append(payload.Trades, toExportTrade(rec))
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	s.log.Debug().
		Int("snapshots", len(snaps)).
		Int("trades", len(trades)).
		Msg("Export written")

	return nil
}

// manifestEntry stats and checksums one staged file
func (s *BackupService) manifestEntry(path, name string) (FileManifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileManifest{}, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	checksum, err := s.calculateChecksum(path)
	if err != nil {
		return FileManifest{}, fmt.Errorf("failed to calculate checksum for %s: %w", name, err)
	}

	return FileManifest{
		Name:      name,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}, nil
}

// calculateChecksum calculates the SHA256 checksum of a file
func (s *BackupService) calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeManifest writes the manifest to a JSON file
func (s *BackupService) writeManifest(path string, manifest Manifest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifest)
}

// createArchive creates a tar.gz archive of the named staged files
func (s *BackupService) createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := s.addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}

	return nil
}

// addFileToArchive adds a single file to a tar archive
func (s *BackupService) addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}

// rotateLocalArchives trims the local archive directory to the retention
// count. Archive names embed their timestamp, so a name sort is a time sort.
func (s *BackupService) rotateLocalArchives() {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read backup directory for rotation")
		return
	}

	var archives []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, ".tar.gz") {
			archives = append(archives, name)
		}
	}

	keep := s.cfg.Retain
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}
	if len(archives) <= keep {
		return
	}

	sort.Sort(sort.Reverse(sort.StringSlice(archives)))

	for _, name := range archives[keep:] {
		path := filepath.Join(s.cfg.Dir, name)
		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old local archive")
			continue
		}
		s.log.Debug().Str("path", path).Msg("Deleted old local archive")
	}
}

// BackupJob wraps BackupService.CreateBackup for the scheduler
type BackupJob struct {
	service *BackupService
}

// NewBackupJob creates a new backup job
func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

// Run executes one backup
func (j *BackupJob) Run() error {
	_, err := j.service.CreateBackup(context.Background())
	return err
}

// Name returns the job name for the scheduler
func (j *BackupJob) Name() string {
	return "backup"
}
