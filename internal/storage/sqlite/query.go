package sqlite

import (
	"context"
	"database/sql"
	"iter"
	"strings"
	"time"

	"loadstar/internal/storage"
)

// listFilter selects the folders and statistics rows of one listing.
type listFilter struct {
	bookmarkedOnly bool
	includePrivate bool
	extension      string
	nameLength     int
	byLength       bool
}

func (f listFilter) build() (string, []any) {
	var (
		join  strings.Builder
		where strings.Builder
		args  []any
	)

	// Restricted listings only show folders that have matching rows.
	if f.extension != "" {
		join.WriteString("JOIN move_latest m ON m.target_folder = f.folder_path AND m.file_extension = ?")
		args = append(args, f.extension)
		if f.byLength {
			join.WriteString(" AND m.filename_length = ?")
			args = append(args, f.nameLength)
		}
	} else {
		join.WriteString("LEFT JOIN move_latest m ON m.target_folder = f.folder_path")
	}

	where.WriteString("f.flag_retired = ?")
	args = append(args, encodeBool(false))
	if !f.includePrivate {
		where.WriteString(" AND f.flag_private = ?")
		args = append(args, encodeBool(false))
	}
	if f.bookmarkedOnly {
		where.WriteString(" AND f.flag_bookmark = ?")
		args = append(args, encodeBool(true))
	}

	query := `
SELECT f.folder_path, f.flag_explorer_open,
       COALESCE(SUM(m.moved_times), 0), MAX(m.moved_latest_date)
FROM target_folder f
` + join.String() + `
WHERE ` + where.String() + `
GROUP BY f.folder_path, f.flag_explorer_open
ORDER BY f.folder_path
`
	return query, args
}

// ListBookmarked lists bookmarked folders.
func (s *Store) ListBookmarked(ctx context.Context, includePrivate bool) iter.Seq2[storage.FolderListing, error] {
	return s.list(ctx, listFilter{bookmarkedOnly: true, includePrivate: includePrivate})
}

// ListAll lists every folder regardless of bookmark state.
func (s *Store) ListAll(ctx context.Context, includePrivate bool) iter.Seq2[storage.FolderListing, error] {
	return s.list(ctx, listFilter{includePrivate: includePrivate})
}

// ListByExtension lists folders that received files with the extension,
// aggregating only those moves.
func (s *Store) ListByExtension(ctx context.Context, extension string, includePrivate bool) iter.Seq2[storage.FolderListing, error] {
	return s.list(ctx, listFilter{
		extension:      storage.NormalizeExtension(extension),
		includePrivate: includePrivate,
	})
}

// ListByExtensionAndLength is ListByExtension further restricted to one
// base-name length.
func (s *Store) ListByExtensionAndLength(ctx context.Context, extension string, nameLength int, includePrivate bool) iter.Seq2[storage.FolderListing, error] {
	return s.list(ctx, listFilter{
		extension:      storage.NormalizeExtension(extension),
		nameLength:     nameLength,
		byLength:       true,
		includePrivate: includePrivate,
	})
}

// list streams the rows of one query. Every range over the returned
// sequence runs the query again.
func (s *Store) list(ctx context.Context, filter listFilter) iter.Seq2[storage.FolderListing, error] {
	return func(yield func(storage.FolderListing, error) bool) {
		query, args := filter.build()
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(storage.FolderListing{}, unavailable("query listing", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				listing      storage.FolderListing
				explorerOpen int64
				lastMoved    sql.NullInt64
			)
			if err := rows.Scan(&listing.Path, &explorerOpen, &listing.MovedCount, &lastMoved); err != nil {
				yield(storage.FolderListing{}, unavailable("scan listing", err))
				return
			}
			listing.ExplorerOpen = decodeBool(explorerOpen)
			if lastMoved.Valid {
				listing.LastMovedAt = time.Unix(0, lastMoved.Int64)
			}
			if !yield(listing, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.FolderListing{}, unavailable("iterate listing", err))
		}
	}
}
