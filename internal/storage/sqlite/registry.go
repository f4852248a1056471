package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loadstar/internal/pathutil"
	"loadstar/internal/storage"
)

// maxAliveChecksFailed is the number of failed existence checks an
// unbookmarked folder survives; the next failure retires it.
const maxAliveChecksFailed = 4

// BookmarkAdd bookmarks a folder, creating its record when it is unknown.
func (s *Store) BookmarkAdd(ctx context.Context, folderPath string) (storage.AddResult, error) {
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return 0, err
	}

	result := storage.Added
	err = s.withWriteTx(ctx, "bookmark add", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO target_folder(folder_path, alive_checks_failed, flag_bookmark, flag_explorer_open, flag_private, flag_retired)
VALUES(?, 0, ?, ?, ?, ?)
ON CONFLICT(folder_path) DO NOTHING
`, path, encodeBool(true), encodeBool(false), encodeBool(false), encodeBool(false))
		if err != nil {
			return unavailable("insert folder "+path, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return unavailable("insert folder "+path, err)
		}
		if inserted > 0 {
			return nil
		}

		result = storage.AlreadyPresent
		if _, err := tx.ExecContext(ctx, `UPDATE target_folder SET flag_bookmark = ? WHERE folder_path = ?`,
			encodeBool(true), path); err != nil {
			return unavailable("bookmark folder "+path, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug("bookmark added", "path", path, "result", result.String())
	return result, nil
}

// BookmarkRemove clears the bookmark of a folder. Unknown folders are ignored.
func (s *Store) BookmarkRemove(ctx context.Context, folderPath string) error {
	return s.FlagSet(ctx, folderPath, storage.FlagBookmark, false)
}

// FolderRemove deletes a folder together with all of its move statistics.
// Unknown folders are ignored.
func (s *Store) FolderRemove(ctx context.Context, folderPath string) error {
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return err
	}

	return s.withWriteTx(ctx, "folder remove", func(tx *sql.Tx) error {
		stats, err := tx.ExecContext(ctx, `DELETE FROM move_latest WHERE target_folder = ?`, path)
		if err != nil {
			return unavailable("delete move stats "+path, err)
		}
		folders, err := tx.ExecContext(ctx, `DELETE FROM target_folder WHERE folder_path = ?`, path)
		if err != nil {
			return unavailable("delete folder "+path, err)
		}

		removedStats, err := stats.RowsAffected()
		if err != nil {
			return unavailable("delete move stats "+path, err)
		}
		removedFolders, err := folders.RowsAffected()
		if err != nil {
			return unavailable("delete folder "+path, err)
		}
		if removedStats+removedFolders > 0 {
			s.log.Debug("folder removed", "path", path, "stats", removedStats)
		}
		return nil
	})
}

// FlagSet updates one flag of a folder. Unknown folders are ignored.
func (s *Store) FlagSet(ctx context.Context, folderPath string, flag storage.Flag, value bool) error {
	column, err := flagColumn(flag)
	if err != nil {
		return err
	}
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return err
	}

	return s.withWriteTx(ctx, "flag set", func(tx *sql.Tx) error {
		// column comes from the closed flagColumn switch.
		query := `UPDATE target_folder SET ` + column + ` = ? WHERE folder_path = ?`
		if _, err := tx.ExecContext(ctx, query, encodeBool(value), path); err != nil {
			return unavailable(fmt.Sprintf("set %s on %s", flag, path), err)
		}
		return nil
	})
}

// FlagGet reads one flag of a folder.
func (s *Store) FlagGet(ctx context.Context, folderPath string, flag storage.Flag) (bool, error) {
	column, err := flagColumn(flag)
	if err != nil {
		return false, err
	}
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return false, err
	}

	var value int64
	err = s.db.QueryRowContext(ctx, `SELECT `+column+` FROM target_folder WHERE folder_path = ?`, path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	if err != nil {
		return false, unavailable(fmt.Sprintf("get %s on %s", flag, path), err)
	}
	return decodeBool(value), nil
}

// ExplorerOpenToggle flips the explorer-open flag and returns its new value.
func (s *Store) ExplorerOpenToggle(ctx context.Context, folderPath string) (bool, error) {
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return false, err
	}

	var value int64
	err = s.withWriteTx(ctx, "explorer toggle", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
UPDATE target_folder
SET flag_explorer_open = CASE flag_explorer_open WHEN 0 THEN 1 ELSE 0 END
WHERE folder_path = ?
RETURNING flag_explorer_open
`, path).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		if err != nil {
			return unavailable("toggle explorer on "+path, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return decodeBool(value), nil
}

// Folder returns the full record of a folder.
func (s *Store) Folder(ctx context.Context, folderPath string) (storage.FolderRecord, error) {
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return storage.FolderRecord{}, err
	}

	var (
		failed                                  int
		bookmarked, explorerOpen, priv, retired int64
	)
	err = s.db.QueryRowContext(ctx, `
SELECT alive_checks_failed, flag_bookmark, flag_explorer_open, flag_private, flag_retired
FROM target_folder WHERE folder_path = ?
`, path).Scan(&failed, &bookmarked, &explorerOpen, &priv, &retired)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.FolderRecord{}, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	if err != nil {
		return storage.FolderRecord{}, unavailable("query folder "+path, err)
	}

	return storage.FolderRecord{
		Path:              path,
		AliveChecksFailed: failed,
		Bookmarked:        decodeBool(bookmarked),
		ExplorerOpen:      decodeBool(explorerOpen),
		Private:           decodeBool(priv),
		Retired:           decodeBool(retired),
	}, nil
}

// LivenessSweep checks every active folder for existence on disk. Missing
// folders get their failure counter incremented; an unbookmarked folder
// whose counter exceeds maxAliveChecksFailed is retired. Folders that exist
// are left untouched.
func (s *Store) LivenessSweep(ctx context.Context) (storage.SweepReport, error) {
	var report storage.SweepReport

	paths, err := s.activeFolders(ctx)
	if err != nil {
		return report, err
	}
	report.Checked = len(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if s.exists(path) {
			continue
		}

		failed, retired, ok, err := s.failAliveCheck(ctx, path)
		if err != nil {
			return report, err
		}
		if !ok {
			// removed or retired since the read phase
			continue
		}

		report.Failed = append(report.Failed, path)
		s.log.Debug("folder not found, failing alive check", "path", path, "alive_checks_failed", failed)
		if retired {
			report.Retired = append(report.Retired, path)
			s.log.Info("folder retired", "path", path, "alive_checks_failed", failed)
		}
	}

	return report, nil
}

func (s *Store) activeFolders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT folder_path FROM target_folder WHERE flag_retired = ? ORDER BY folder_path
`, encodeBool(false))
	if err != nil {
		return nil, unavailable("query active folders", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, unavailable("scan folder", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate folders", err)
	}
	return paths, nil
}

func (s *Store) failAliveCheck(ctx context.Context, path string) (failed int, retired bool, ok bool, err error) {
	err = s.withWriteTx(ctx, "alive check", func(tx *sql.Tx) error {
		var retiredValue int64
		scanErr := tx.QueryRowContext(ctx, `
UPDATE target_folder
SET alive_checks_failed = alive_checks_failed + 1,
    flag_retired = CASE
        WHEN alive_checks_failed + 1 > ? AND flag_bookmark = 0 THEN 1
        ELSE flag_retired
    END
WHERE folder_path = ? AND flag_retired = 0
RETURNING alive_checks_failed, flag_retired
`, maxAliveChecksFailed, path).Scan(&failed, &retiredValue)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return unavailable("fail alive check for "+path, scanErr)
		}
		ok = true
		retired = decodeBool(retiredValue)
		return nil
	})
	return failed, retired, ok, err
}
