// Package backup snapshots profile configuration and world-save files into
// timestamped archives, prunes old archives by age, and optionally ships
// archives to an off-host destination.
package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkops/arkmgr/internal/database"
	"github.com/arkops/arkmgr/internal/profile"
)

// OpLogger receives operation-log lines.
type OpLogger interface {
	Printf(format string, args ...interface{})
}

// Archiver produces archives for one profile invocation.
type Archiver struct {
	backupDir   string
	db          *database.DB
	destination Destination
	oplog       OpLogger
}

// NewArchiver wires an archiver. db and destination may be nil.
func NewArchiver(backupDir string, db *database.DB, destination Destination, oplog OpLogger) *Archiver {
	return &Archiver{backupDir: backupDir, db: db, destination: destination, oplog: oplog}
}

// ArchiveResult describes one produced archive.
type ArchiveResult struct {
	Filename  string
	Path      string
	SizeBytes int64
	FileCount int
}

// source is one file or directory requested for an archive. Missing sources
// are skipped cleanly, never errors.
type source struct {
	path    string
	recurse bool
	pattern string // optional glob applied within a directory
}

// BackupProfile archives the profile's configuration set and, unless the
// profile type has no world save, its world set. Absent source files are
// logged and skipped; the backup still succeeds.
func (a *Archiver) BackupProfile(snap profile.Snapshot, profileDefinition string) error {
	stamp := time.Now()
	if err := os.MkdirAll(a.profileDir(snap.ProfileName), 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	configSources := []source{
		{path: profileDefinition},
		{path: filepath.Join(snap.ConfigDir(), "GameUserSettings.ini")},
		{path: filepath.Join(snap.ConfigDir(), "Game.ini")},
		{path: filepath.Join(snap.InstallDir, launcherScriptName())},
	}
	if _, err := a.writeArchive(snap, "configs", stamp, configSources); err != nil {
		return fmt.Errorf("config backup failed: %w", err)
	}

	if snap.SOTF {
		a.logf("profile has no world save, world backup not performed")
		return nil
	}

	saveDir := snap.SaveGamesDir()
	worldSources := []source{
		{path: filepath.Join(saveDir, snap.WorldSaveName())},
		{path: saveDir, pattern: "*.arkprofile"},
		{path: saveDir, pattern: "*.arktribe"},
		{path: saveDir, pattern: "*.arktributetribe"},
	}
	if _, err := a.writeArchive(snap, "world", stamp, worldSources); err != nil {
		return fmt.Errorf("world backup failed: %w", err)
	}
	return nil
}

func (a *Archiver) profileDir(profileName string) string {
	return filepath.Join(a.backupDir, profileName)
}

// writeArchive creates one zip archive from the sources that exist. An
// archive with zero entries is still produced (and logged) so the run is
// visibly "not performed" rather than an error.
func (a *Archiver) writeArchive(snap profile.Snapshot, kind string, stamp time.Time, sources []source) (*ArchiveResult, error) {
	mapName := snap.MapName
	if mapName == "" {
		mapName = "unknown"
	}
	filename := fmt.Sprintf("%s_%s_%s.zip", kind, mapName, stamp.Format("2006.01.02_15.04.05"))
	outPath := filepath.Join(a.profileDir(snap.ProfileName), filename)

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	count := 0
	for _, src := range sources {
		n, err := a.addSource(zw, src)
		if err != nil {
			zw.Close()
			out.Close()
			os.Remove(outPath)
			return nil, err
		}
		count += n
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	result := &ArchiveResult{Filename: filename, Path: outPath, SizeBytes: info.Size(), FileCount: count}
	if count == 0 {
		a.logf("%s backup not performed: no source files present", kind)
	} else {
		a.logf("%s backup created: %s (%d files, %d bytes)", kind, filename, count, info.Size())
	}

	a.record(snap.ProfileName, kind, result)
	a.upload(result)
	return result, nil
}

func (a *Archiver) addSource(zw *zip.Writer, src source) (int, error) {
	info, err := os.Stat(src.path)
	if err != nil {
		if os.IsNotExist(err) {
			a.logf("skipping absent source: %s", src.path)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat %s: %w", src.path, err)
	}

	if !info.IsDir() {
		if err := a.addFile(zw, src.path, filepath.Base(src.path)); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	entries, err := os.ReadDir(src.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", src.path, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if src.pattern != "" {
			match, _ := filepath.Match(src.pattern, entry.Name())
			if !match {
				continue
			}
		}
		if err := a.addFile(zw, filepath.Join(src.path, entry.Name()), entry.Name()); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (a *Archiver) addFile(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			a.logf("skipping absent source: %s", path)
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	return nil
}

func (a *Archiver) record(profileName, kind string, result *ArchiveResult) {
	if a.db == nil {
		return
	}
	rec := &database.BackupRecord{
		ID:        "backup-" + uuid.New().String()[:8],
		Profile:   profileName,
		Kind:      kind,
		Filename:  result.Filename,
		SizeBytes: result.SizeBytes,
		CreatedAt: time.Now(),
	}
	if err := a.db.InsertBackup(rec); err != nil {
		log.Printf("[Backup] Warning: failed to record backup %s: %v", result.Filename, err)
	}
}

func (a *Archiver) upload(result *ArchiveResult) {
	if a.destination == nil || result.FileCount == 0 {
		return
	}
	in, err := os.Open(result.Path)
	if err != nil {
		log.Printf("[Backup] Warning: failed to reopen archive for upload: %v", err)
		return
	}
	defer in.Close()

	if err := a.destination.Upload(result.Filename, in, result.SizeBytes); err != nil {
		log.Printf("[Backup] Warning: failed to upload %s to %s destination: %v", result.Filename, a.destination.GetType(), err)
		return
	}
	a.logf("archive %s uploaded to %s destination", result.Filename, a.destination.GetType())
}

// Prune deletes archives for the profile older than retentionDays. Deletion
// failures are swallowed; pruning is housekeeping, never a reason to fail a
// backup run.
func (a *Archiver) Prune(profileName string, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	dir := a.profileDir(profileName)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !olderThan(info, cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Printf("[Backup] Warning: failed to prune %s: %v", entry.Name(), err)
			continue
		}
		if a.db != nil {
			a.db.DeleteBackupByFilename(entry.Name())
		}
		pruned++
	}
	if pruned > 0 {
		a.logf("pruned %d archive(s) older than %d days", pruned, retentionDays)
	}
}

func olderThan(info fs.FileInfo, cutoff time.Time) bool {
	return info.ModTime().Before(cutoff)
}

func launcherScriptName() string {
	return "run_server.sh"
}

func (a *Archiver) logf(format string, args ...interface{}) {
	if a.oplog != nil {
		a.oplog.Printf(format, args...)
		return
	}
	log.Printf("[Backup] "+format, args...)
}
