package backup

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// ApplyPending swaps the database for the copy inside
// restore-pending.zip. It runs before the database is opened, so it
// works with plain files only. The consumed archive is renamed to
// restore-applied-<timestamp>.zip so a crash between swap and rename
// cannot apply it twice silently.
//
// Returns false when no pending archive exists. After the database is
// opened the caller must clear all sync tokens: remote state has moved
// on since the archived copy was taken.
func ApplyPending(backupDir, dbPath string) (bool, error) {
	pendingPath := filepath.Join(backupDir, PendingName)
	if _, err := os.Stat(pendingPath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("stat pending archive: %w", err)
	}

	zr, err := zip.OpenReader(pendingPath)
	if err != nil {
		return false, fmt.Errorf("open pending archive: %w", err)
	}
	defer zr.Close()

	meta, dbEntry, err := validatePending(&zr.Reader)
	if err != nil {
		return false, err
	}
	log.Printf("[Backup] applying pending restore %s (archive taken %s)",
		PendingName, meta.CreatedAt.Format("2006-01-02 15:04"))

	if err := swapDatabase(dbEntry, dbPath); err != nil {
		return false, err
	}

	appliedName := fmt.Sprintf("restore-applied-%s.zip", time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(pendingPath, filepath.Join(backupDir, appliedName)); err != nil {
		return false, fmt.Errorf("archive consumed restore file: %w", err)
	}
	log.Printf("[Backup] pending restore applied, archive kept as %s", appliedName)
	return true, nil
}

// validatePending checks the archive carries both metadata and a
// database copy before anything is touched.
func validatePending(zr *zip.Reader) (*Metadata, *zip.File, error) {
	var meta *Metadata
	var dbEntry *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case metadataEntry:
			rc, err := f.Open()
			if err != nil {
				return nil, nil, fmt.Errorf("open metadata: %w", err)
			}
			meta = &Metadata{}
			err = json.NewDecoder(rc).Decode(meta)
			rc.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("decode metadata: %w", err)
			}
		case databaseEntry:
			dbEntry = f
		}
	}
	if meta == nil {
		return nil, nil, fmt.Errorf("pending archive has no %s", metadataEntry)
	}
	if dbEntry == nil {
		return nil, nil, fmt.Errorf("pending archive has no %s", databaseEntry)
	}
	if dbEntry.UncompressedSize64 == 0 {
		return nil, nil, fmt.Errorf("pending archive database copy is empty")
	}
	return meta, dbEntry, nil
}

// swapDatabase extracts the archived copy next to the live file, then
// renames it into place and drops stale WAL sidecars.
func swapDatabase(entry *zip.File, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}

	tmpPath := dbPath + ".restore-tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}

	rc, err := entry.Open()
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("open database entry: %w", err)
	}
	_, err = io.Copy(tmp, rc)
	rc.Close()
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("extract database copy: %w", err)
	}

	if err := os.Rename(tmpPath, dbPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace database: %w", err)
	}
	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", sidecar, err)
		}
	}
	return nil
}
