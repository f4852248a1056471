package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadstar/internal/storage"
)

// fakeDisk is a directory existence probe controlled by the test.
type fakeDisk struct {
	mu      sync.Mutex
	present map[string]bool
}

func (d *fakeDisk) exists(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[path]
}

func (d *fakeDisk) set(path string, present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present[path] = present
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeDisk) {
	t.Helper()
	disk := &fakeDisk{present: make(map[string]bool)}
	opts = append([]Option{WithProbe(disk.exists)}, opts...)
	store, err := Open(filepath.Join(t.TempDir(), "loadstar.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, disk
}

func collect(t *testing.T, seq func(func(storage.FolderListing, error) bool)) []storage.FolderListing {
	t.Helper()
	listings, err := storage.CollectListings(seq)
	require.NoError(t, err)
	return listings
}

func paths(listings []storage.FolderListing) []string {
	out := make([]string, 0, len(listings))
	for _, l := range listings {
		out = append(out, l.Path)
	}
	return out
}

func TestOpenCreatesVersionedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loadstar.db")
	store, err := Open(path)
	require.NoError(t, err)

	var version int
	require.NoError(t, store.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, schemaVersionCurrent, version)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestOpenRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadstar.db")
	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersionCurrent+1))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, storage.ErrVersionMismatch)
}

func TestOpenRejectsUnversionedLegacyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
CREATE TABLE target_folder (folder_path TEXT PRIMARY KEY, alive_checks_failed INTEGER,
        flag_bookmark BOOLEAN, flag_explorer_open BOOLEAN, flag_private BOOLEAN, flag_retired BOOLEAN);
CREATE TABLE move_latest (filename_length INTEGER, file_extension TEXT, target_folder TEXT,
        moved_latest_date timestamp, moved_times INTEGER, PRIMARY KEY(filename_length, file_extension));
`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, storage.ErrVersionMismatch)
}

func TestOpenPathWithURIMetacharacters(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a?b", "c#d%20.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "a.pdf"))

	var journal string
	require.NoError(t, store.db.QueryRow(`PRAGMA journal_mode`).Scan(&journal))
	assert.Equal(t, "wal", journal)
	var foreignKeys, busyTimeout int
	require.NoError(t, store.db.QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys))
	require.NoError(t, store.db.QueryRow(`PRAGMA busy_timeout`).Scan(&busyTimeout))
	assert.Equal(t, 1, foreignKeys)
	assert.Equal(t, 5000, busyTimeout)
	require.NoError(t, store.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a?b", entries[0].Name())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	stats, err := reopened.MoveStats(ctx, "/data/inbox")
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestBookmarkAddIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	result, err := store.BookmarkAdd(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, storage.Added, result)

	result, err = store.BookmarkAdd(ctx, dir+"/./")
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyPresent, result)

	record, err := store.Folder(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, storage.FolderRecord{Path: dir, Bookmarked: true}, record)
}

func TestBookmarkAddKeepsImplicitFolderFlags(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "a.txt"))
	require.NoError(t, store.FlagSet(ctx, "/data/inbox", storage.FlagPrivate, true))

	result, err := store.BookmarkAdd(ctx, "/data/inbox")
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyPresent, result)

	record, err := store.Folder(ctx, "/data/inbox")
	require.NoError(t, err)
	assert.True(t, record.Bookmarked)
	assert.True(t, record.Private)
}

func TestBookmarkRemove(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/data/docs")
	require.NoError(t, err)
	require.NoError(t, store.BookmarkRemove(ctx, "/data/docs"))

	bookmarked, err := store.FlagGet(ctx, "/data/docs", storage.FlagBookmark)
	require.NoError(t, err)
	assert.False(t, bookmarked)

	require.NoError(t, store.BookmarkRemove(ctx, "/data/unknown"))
	_, err = store.Folder(ctx, "/data/unknown")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlagSetAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/data/docs")
	require.NoError(t, err)

	for _, flag := range []storage.Flag{storage.FlagExplorerOpen, storage.FlagPrivate, storage.FlagRetired} {
		require.NoError(t, store.FlagSet(ctx, "/data/docs", flag, true))
		value, err := store.FlagGet(ctx, "/data/docs", flag)
		require.NoError(t, err)
		assert.True(t, value, flag.String())

		require.NoError(t, store.FlagSet(ctx, "/data/docs", flag, false))
		value, err = store.FlagGet(ctx, "/data/docs", flag)
		require.NoError(t, err)
		assert.False(t, value, flag.String())
	}
}

func TestFlagOperationsOnUnknownFolder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.FlagSet(ctx, "/nowhere", storage.FlagPrivate, true))

	_, err := store.FlagGet(ctx, "/nowhere", storage.FlagPrivate)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Folder(ctx, "/nowhere")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlagOperationsRejectUnknownFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.FlagSet(ctx, "/data", storage.Flag(42), true)
	require.ErrorIs(t, err, storage.ErrInvalidFlagName)

	_, err = store.FlagGet(ctx, "/data", storage.Flag(-1))
	require.ErrorIs(t, err, storage.ErrInvalidFlagName)
}

func TestExplorerOpenToggle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/data/docs")
	require.NoError(t, err)

	open, err := store.ExplorerOpenToggle(ctx, "/data/docs")
	require.NoError(t, err)
	assert.True(t, open)

	open, err = store.ExplorerOpenToggle(ctx, "/data/docs")
	require.NoError(t, err)
	assert.False(t, open)

	_, err = store.ExplorerOpenToggle(ctx, "/data/missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordMoveRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "notes.txt"))

	listings := collect(t, store.ListByExtensionAndLength(ctx, ".txt", 5, false))
	require.Len(t, listings, 1)
	assert.Equal(t, int64(1), listings[0].MovedCount)
	assert.Equal(t, "/data/inbox", listings[0].Path)
	assert.WithinDuration(t, before, listings[0].LastMovedAt, time.Second)
	assert.Len(t, listings[0].LastMovedFormatted(), len(storage.TimestampLayout))
	assert.Equal(t, "no", listings[0].ExplorerOpenYesNo())

	record, err := store.Folder(ctx, "/data/inbox")
	require.NoError(t, err)
	assert.Equal(t, storage.FolderRecord{Path: "/data/inbox"}, record)
}

func TestRecordMoveIncrementsAndRefreshesTimestamp(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	store, _ := newTestStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "a.pdf"))
	clock = clock.Add(90 * time.Minute)
	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "b.pdf"))

	stats, err := store.MoveStats(ctx, "/data/inbox")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].MovedCount)
	assert.True(t, clock.Equal(stats[0].LastMovedAt))
}

func TestRecordMoveKeepsLatestTimestamp(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local),
		time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local),
	}
	calls := 0
	store, _ := newTestStore(t, WithClock(func() time.Time {
		now := times[calls%len(times)]
		calls++
		return now
	}))
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "a.pdf"))
	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "b.pdf"))

	stats, err := store.MoveStats(ctx, "/data/inbox")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].MovedCount)
	assert.True(t, times[0].Equal(stats[0].LastMovedAt), stats[0].LastMovedAt)
}

func TestRecordMoveIsolatesFolders(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/a", "x.txt"))
	require.NoError(t, store.RecordMove(ctx, "/b", "y.txt"))

	for _, folder := range []string{"/a", "/b"} {
		stats, err := store.MoveStats(ctx, folder)
		require.NoError(t, err)
		require.Len(t, stats, 1, folder)
		assert.Equal(t, ".txt", stats[0].Extension)
		assert.Equal(t, 1, stats[0].NameLength)
		assert.Equal(t, int64(1), stats[0].MovedCount, folder)
	}
}

func TestRecordMoveExtensionNormalization(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "README"))
	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "abc.txt"))
	require.NoError(t, store.RecordMove(ctx, "/data/inbox", "ABC.TXT"))

	stats, err := store.MoveStats(ctx, "/data/inbox")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, storage.MoveStat{Extension: storage.NoExtension, NameLength: 6, TargetFolder: "/data/inbox", MovedCount: 1, LastMovedAt: stats[0].LastMovedAt}, stats[0])
	assert.Equal(t, ".txt", stats[1].Extension)
	assert.Equal(t, int64(2), stats[1].MovedCount)

	listings := collect(t, store.ListByExtension(ctx, ".TXT", false))
	require.Len(t, listings, 1)
	assert.Equal(t, int64(2), listings[0].MovedCount)

	listings = collect(t, store.ListByExtension(ctx, storage.NoExtension, false))
	require.Len(t, listings, 1)
	assert.Equal(t, int64(1), listings[0].MovedCount)
}

func TestRecordMoveConcurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const perFolder = 20
	folders := []string{"/c/one", "/c/two", "/c/three"}

	var wg sync.WaitGroup
	errs := make(chan error, perFolder*len(folders))
	for _, folder := range folders {
		for i := 0; i < perFolder; i++ {
			wg.Add(1)
			go func(folder string) {
				defer wg.Done()
				errs <- store.RecordMove(ctx, folder, "same.bin")
			}(folder)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, folder := range folders {
		stats, err := store.MoveStats(ctx, folder)
		require.NoError(t, err)
		require.Len(t, stats, 1)
		assert.Equal(t, int64(perFolder), stats[0].MovedCount, folder)
	}
}

func TestFolderRemoveCascades(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/keep")
	require.NoError(t, err)
	require.NoError(t, store.RecordMove(ctx, "/drop", "a.txt"))
	require.NoError(t, store.RecordMove(ctx, "/drop", "bb.pdf"))
	require.NoError(t, store.RecordMove(ctx, "/keep", "a.txt"))

	require.NoError(t, store.FolderRemove(ctx, "/drop"))

	_, err = store.Folder(ctx, "/drop")
	require.ErrorIs(t, err, storage.ErrNotFound)
	stats, err := store.MoveStats(ctx, "/drop")
	require.NoError(t, err)
	assert.Empty(t, stats)

	stats, err = store.MoveStats(ctx, "/keep")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].MovedCount)

	require.NoError(t, store.FolderRemove(ctx, "/never-known"))
}

func TestLivenessSweepRetiresAfterFiveFailures(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/gone", "a.txt"))

	for i := 1; i <= maxAliveChecksFailed; i++ {
		report, err := store.LivenessSweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/gone"}, report.Failed)
		assert.Empty(t, report.Retired)

		record, err := store.Folder(ctx, "/gone")
		require.NoError(t, err)
		assert.Equal(t, i, record.AliveChecksFailed)
		assert.False(t, record.Retired, "failure %d", i)
	}

	report, err := store.LivenessSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/gone"}, report.Retired)

	record, err := store.Folder(ctx, "/gone")
	require.NoError(t, err)
	assert.True(t, record.Retired)
	assert.Equal(t, maxAliveChecksFailed+1, record.AliveChecksFailed)

	// retired folders are no longer checked
	report, err = store.LivenessSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	record, err = store.Folder(ctx, "/gone")
	require.NoError(t, err)
	assert.Equal(t, maxAliveChecksFailed+1, record.AliveChecksFailed)
}

func TestLivenessSweepNeverRetiresBookmarks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/usb/stick")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := store.LivenessSweep(ctx)
		require.NoError(t, err)
	}

	record, err := store.Folder(ctx, "/usb/stick")
	require.NoError(t, err)
	assert.Equal(t, 10, record.AliveChecksFailed)
	assert.False(t, record.Retired)
}

func TestLivenessSweepLeavesExistingFolders(t *testing.T) {
	store, disk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/flaky", "a.txt"))
	for i := 0; i < 3; i++ {
		_, err := store.LivenessSweep(ctx)
		require.NoError(t, err)
	}

	disk.set("/flaky", true)
	report, err := store.LivenessSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Failed)

	// the counter is not reset by a successful check
	record, err := store.Folder(ctx, "/flaky")
	require.NoError(t, err)
	assert.Equal(t, 3, record.AliveChecksFailed)
	assert.False(t, record.Retired)
}

func TestLivenessSweepWithRealDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadstar.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	existing := t.TempDir()
	missing := filepath.Join(existing, "missing")
	require.NoError(t, store.RecordMove(ctx, existing, "a.txt"))
	require.NoError(t, store.RecordMove(ctx, missing, "a.txt"))

	report, err := store.LivenessSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []string{missing}, report.Failed)
}

func TestLivenessSweepConcurrentDoesNotLoseUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/offline")
	require.NoError(t, err)

	const sweeps = 8
	var wg sync.WaitGroup
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.LivenessSweep(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, err := store.Folder(ctx, "/offline")
	require.NoError(t, err)
	assert.Equal(t, sweeps, record.AliveChecksFailed)
}

func TestListingsFilterRetiredAndPrivate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, "/b/bookmarked")
	require.NoError(t, err)
	_, err = store.BookmarkAdd(ctx, "/b/private")
	require.NoError(t, err)
	require.NoError(t, store.FlagSet(ctx, "/b/private", storage.FlagPrivate, true))
	_, err = store.BookmarkAdd(ctx, "/b/retired")
	require.NoError(t, err)
	require.NoError(t, store.FlagSet(ctx, "/b/retired", storage.FlagRetired, true))
	require.NoError(t, store.RecordMove(ctx, "/m/plain", "doc.pdf"))
	require.NoError(t, store.RecordMove(ctx, "/m/private", "doc.pdf"))
	require.NoError(t, store.FlagSet(ctx, "/m/private", storage.FlagPrivate, true))

	assert.Equal(t, []string{"/b/bookmarked"}, paths(collect(t, store.ListBookmarked(ctx, false))))
	assert.Equal(t, []string{"/b/bookmarked", "/b/private"}, paths(collect(t, store.ListBookmarked(ctx, true))))
	assert.Equal(t, []string{"/b/bookmarked", "/m/plain"}, paths(collect(t, store.ListAll(ctx, false))))
	assert.Equal(t, []string{"/b/bookmarked", "/b/private", "/m/plain", "/m/private"}, paths(collect(t, store.ListAll(ctx, true))))
	assert.Equal(t, []string{"/m/plain"}, paths(collect(t, store.ListByExtension(ctx, ".pdf", false))))
	assert.Equal(t, []string{"/m/plain", "/m/private"}, paths(collect(t, store.ListByExtension(ctx, "pdf", true))))
}

func TestListingAggregates(t *testing.T) {
	clock := time.Date(2024, 1, 2, 3, 4, 5, 600_000_000, time.Local)
	store, _ := newTestStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	require.NoError(t, store.RecordMove(ctx, "/agg", "aaaa.txt"))
	require.NoError(t, store.RecordMove(ctx, "/agg", "bbbb.txt"))
	clock = clock.Add(time.Hour)
	require.NoError(t, store.RecordMove(ctx, "/agg", "cc.txt"))
	clock = clock.Add(time.Hour)
	require.NoError(t, store.RecordMove(ctx, "/agg", "song.mp3"))
	_, err := store.BookmarkAdd(ctx, "/empty")
	require.NoError(t, err)
	_, err = store.ExplorerOpenToggle(ctx, "/empty")
	require.NoError(t, err)

	all := collect(t, store.ListAll(ctx, false))
	require.Len(t, all, 2)
	assert.Equal(t, [4]string{"4", "/agg", "2024-01-02 05:04:05", "no"}, all[0].Tuple())
	assert.Equal(t, [4]string{"0", "/empty", "", "yes"}, all[1].Tuple())

	byExt := collect(t, store.ListByExtension(ctx, ".txt", false))
	require.Len(t, byExt, 1)
	assert.Equal(t, [4]string{"3", "/agg", "2024-01-02 04:04:05", "no"}, byExt[0].Tuple())

	byLen := collect(t, store.ListByExtensionAndLength(ctx, ".txt", 4, false))
	require.Len(t, byLen, 1)
	assert.Equal(t, [4]string{"2", "/agg", "2024-01-02 03:04:05", "no"}, byLen[0].Tuple())

	assert.Empty(t, collect(t, store.ListByExtensionAndLength(ctx, ".txt", 9, false)))
	assert.Empty(t, collect(t, store.ListByExtension(ctx, ".zip", true)))
}

func TestListingIsRestartableAndStoppable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, folder := range []string{"/r/1", "/r/2", "/r/3"} {
		require.NoError(t, store.RecordMove(ctx, folder, "a.txt"))
	}

	seq := store.ListAll(ctx, false)
	assert.Len(t, collect(t, seq), 3)

	require.NoError(t, store.RecordMove(ctx, "/r/4", "a.txt"))
	assert.Len(t, collect(t, seq), 4)

	seen := 0
	for _, err := range seq {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestOperationsRejectEmptyPath(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.BookmarkAdd(ctx, " ")
	require.Error(t, err)
	require.Error(t, store.RecordMove(ctx, "", "a.txt"))
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.db.Close())

	_, err := store.BookmarkAdd(context.Background(), "/x")
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)

	_, err = storage.CollectListings(store.ListAll(context.Background(), true))
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)
}
