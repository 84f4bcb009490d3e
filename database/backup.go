package database

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Backups are zipped snapshots of the ledger database named
// energycontract_<yyyymmdd_hhmmss>.db.zip, kept in a directory next to it.
const (
	backupDirName   = "backups"
	backupPrefix    = "energycontract_"
	backupSuffix    = ".db.zip"
	backupTimestamp = "20060102_150405"
)

func (d *Database) backupDir() string {
	return filepath.Join(filepath.Dir(d.path), backupDirName)
}

// Backup snapshots meter totals, ledger state and log into a new archive and
// returns its path.
func (d *Database) Backup(ctx context.Context) (string, error) {
	dir := d.backupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	archive := filepath.Join(dir, backupPrefix+time.Now().Format(backupTimestamp)+backupSuffix)
	snapshot := strings.TrimSuffix(archive, ".zip")
	if _, err := d.write.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return "", fmt.Errorf("vacuuming ledger database into %q: %w", snapshot, err)
	}
	defer func() {
		if err := os.Remove(snapshot); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("could not remove uncompressed snapshot", slog.String("path", snapshot), slog.Any("error", err))
		}
	}()

	if err := zipSnapshot(snapshot, archive, filepath.Base(d.path)); err != nil {
		_ = os.Remove(archive)
		return "", fmt.Errorf("compressing snapshot: %w", err)
	}

	d.logger.Info("ledger database backed up", slog.String("archive", archive))
	return archive, nil
}

// zipSnapshot writes src into a new archive dst as a single entry.
func zipSnapshot(src, dst, entry string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
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
	header.Name = entry
	header.Method = zip.Deflate

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	return zw.Close()
}

// backupTime reads the creation time from a backup name. Other files in the
// backup directory are not backups.
func backupTime(name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, backupPrefix)
	if !ok {
		return time.Time{}, false
	}
	if stamp, ok = strings.CutSuffix(stamp, backupSuffix); !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(backupTimestamp, stamp, time.Local)
	return t, err == nil
}

// PurgeBackups removes backups older than keepDays and reports how many went.
// The newest backup is kept regardless of age, so ledger state survives a
// long stretch of failed backups. keepDays below one keeps everything.
func (d *Database) PurgeBackups(ctx context.Context, keepDays int) (int, error) {
	if keepDays < 1 {
		return 0, nil
	}
	dir := d.backupDir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading backup directory: %w", err)
	}

	type backup struct {
		name string
		at   time.Time
	}
	var backups []backup
	for _, e := range entries {
		at, ok := backupTime(e.Name())
		if !ok || e.IsDir() {
			d.logger.Debug("skipping file in backup directory", slog.String("name", e.Name()))
			continue
		}
		backups = append(backups, backup{e.Name(), at})
	}
	slices.SortFunc(backups, func(a, b backup) int { return b.at.Compare(a.at) })

	cutoff := time.Now().AddDate(0, 0, -keepDays)
	removed := 0
	for i, b := range backups {
		if i == 0 || !b.at.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		path := filepath.Join(dir, b.name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("removing backup %q: %w", path, err)
		}
		removed++
	}

	d.logger.Info("old backups purged", slog.Int("removed", removed), slog.Int("kept", len(backups)-removed))
	return removed, nil
}
