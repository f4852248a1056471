package sqlite

import (
	"context"
	"database/sql"
	"time"

	"loadstar/internal/pathutil"
	"loadstar/internal/storage"
)

// RecordMove updates the statistics after fileName was moved into
// folderPath. An unknown folder is created with every flag cleared. The
// last-moved time never moves backwards.
func (s *Store) RecordMove(ctx context.Context, folderPath, fileName string) error {
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return err
	}
	ext, nameLength := storage.Fingerprint(fileName)

	return s.withWriteTx(ctx, "record move", func(tx *sql.Tx) error {
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO target_folder(folder_path, alive_checks_failed, flag_bookmark, flag_explorer_open, flag_private, flag_retired)
VALUES(?, 0, ?, ?, ?, ?)
ON CONFLICT(folder_path) DO NOTHING
`, path, encodeBool(false), encodeBool(false), encodeBool(false), encodeBool(false)); err != nil {
			return unavailable("ensure folder "+path, err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO move_latest(filename_length, file_extension, target_folder, moved_latest_date, moved_times)
VALUES(?, ?, ?, ?, 1)
ON CONFLICT(filename_length, file_extension, target_folder) DO UPDATE SET
        moved_times = moved_times + 1,
        moved_latest_date = MAX(moved_latest_date, excluded.moved_latest_date)
`, nameLength, ext, path, now.UnixNano()); err != nil {
			return unavailable("update move stats "+path, err)
		}

		s.log.Debug("move recorded", "path", path, "extension", ext, "name_length", nameLength)
		return nil
	})
}

// MoveStats returns the statistics rows of one folder ordered by extension
// and name length.
func (s *Store) MoveStats(ctx context.Context, folderPath string) ([]storage.MoveStat, error) {
	path, err := pathutil.Normalize(folderPath)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT file_extension, filename_length, moved_times, moved_latest_date
FROM move_latest WHERE target_folder = ?
ORDER BY file_extension, filename_length
`, path)
	if err != nil {
		return nil, unavailable("query move stats", err)
	}
	defer rows.Close()

	var stats []storage.MoveStat
	for rows.Next() {
		var (
			stat  storage.MoveStat
			moved int64
		)
		if err := rows.Scan(&stat.Extension, &stat.NameLength, &stat.MovedCount, &moved); err != nil {
			return nil, unavailable("scan move stat", err)
		}
		stat.TargetFolder = path
		stat.LastMovedAt = time.Unix(0, moved)
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate move stats", err)
	}
	return stats, nil
}
