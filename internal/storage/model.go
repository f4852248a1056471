package storage

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when reading a folder that is not tracked.
	ErrNotFound = errors.New("folder not found")
	// ErrInvalidFlagName is returned for flag names outside the known set.
	ErrInvalidFlagName = errors.New("invalid flag name")
	// ErrStorageUnavailable wraps every failure of the underlying database.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrVersionMismatch is returned when opening a database whose schema
	// version is outside the supported range.
	ErrVersionMismatch = errors.New("schema version mismatch")
)

// NoExtension is the extension recorded for files without one.
const NoExtension = "(none)"

// TimestampLayout renders the last-moved time of a listing.
const TimestampLayout = "2006-01-02 15:04:05"

// FolderRecord represents a tracked destination folder.
type FolderRecord struct {
	Path              string `json:"path"`
	AliveChecksFailed int    `json:"aliveChecksFailed"`
	Bookmarked        bool   `json:"bookmarked"`
	ExplorerOpen      bool   `json:"explorerOpen"`
	Private           bool   `json:"private"`
	Retired           bool   `json:"retired"`
}

// MoveStat aggregates moves sharing a (folder, extension, name length) fingerprint.
type MoveStat struct {
	Extension    string    `json:"extension"`
	NameLength   int       `json:"nameLength"`
	TargetFolder string    `json:"targetFolder"`
	MovedCount   int64     `json:"movedCount"`
	LastMovedAt  time.Time `json:"lastMovedAt"`
}

// AddResult reports the outcome of adding a bookmark.
type AddResult int

const (
	// Added means the folder was not known before.
	Added AddResult = iota
	// AlreadyPresent means the folder existed and is now bookmarked.
	AlreadyPresent
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// Flag names one of the boolean attributes of a FolderRecord.
type Flag int

const (
	FlagBookmark Flag = iota
	FlagExplorerOpen
	FlagPrivate
	FlagRetired
)

var flagNames = [...]string{
	FlagBookmark:     "bookmark",
	FlagExplorerOpen: "explorer_open",
	FlagPrivate:      "private",
	FlagRetired:      "retired",
}

// ParseFlag resolves a flag by its short name ("private") or its column
// name ("flag_private").
func ParseFlag(name string) (Flag, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.TrimPrefix(normalized, "flag_")
	for i, candidate := range flagNames {
		if candidate == normalized {
			return Flag(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFlagName, name)
}

// Valid reports whether f is one of the known flags.
func (f Flag) Valid() bool {
	return f >= FlagBookmark && f <= FlagRetired
}

func (f Flag) String() string {
	if !f.Valid() {
		return "Flag(" + strconv.Itoa(int(f)) + ")"
	}
	return flagNames[f]
}

// FolderListing is one row of a query-layer listing.
type FolderListing struct {
	MovedCount   int64
	Path         string
	LastMovedAt  time.Time
	ExplorerOpen bool
}

// LastMovedFormatted renders LastMovedAt without sub-second precision, or
// an empty string when nothing was moved into the folder.
func (l FolderListing) LastMovedFormatted() string {
	if l.LastMovedAt.IsZero() {
		return ""
	}
	return l.LastMovedAt.Local().Format(TimestampLayout)
}

// ExplorerOpenYesNo renders the explorer flag for display.
func (l FolderListing) ExplorerOpenYesNo() string {
	if l.ExplorerOpen {
		return "yes"
	}
	return "no"
}

// Tuple returns the display columns: count, path, last moved, explorer open.
func (l FolderListing) Tuple() [4]string {
	return [4]string{
		strconv.FormatInt(l.MovedCount, 10),
		l.Path,
		l.LastMovedFormatted(),
		l.ExplorerOpenYesNo(),
	}
}

// CollectListings drains a listing sequence into a slice, stopping at the
// first error.
func CollectListings(seq iter.Seq2[FolderListing, error]) ([]FolderListing, error) {
	listings := make([]FolderListing, 0)
	for listing, err := range seq {
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

// SweepReport summarizes one liveness sweep.
type SweepReport struct {
	Checked int      `json:"checked"`
	Failed  []string `json:"failed"`
	Retired []string `json:"retired"`
}

// Fingerprint derives the extension and base-name length used to classify
// a moved file. Only the last path element of fileName is considered.
func Fingerprint(fileName string) (string, int) {
	base := filepath.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}

	// Leading dots belong to the name: ".bashrc" has no extension.
	trimmed := strings.TrimLeft(base, ".")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return NoExtension, utf8.RuneCountInString(base)
	}

	offset := len(base) - len(trimmed)
	name := base[:offset+idx]
	ext := strings.ToLower(base[offset+idx:])
	return ext, utf8.RuneCountInString(name)
}

// NormalizeExtension prepares a user supplied extension for lookups.
func NormalizeExtension(ext string) string {
	normalized := strings.ToLower(strings.TrimSpace(ext))
	if normalized == "" || normalized == NoExtension {
		return NoExtension
	}
	if !strings.HasPrefix(normalized, ".") {
		normalized = "." + normalized
	}
	return normalized
}
