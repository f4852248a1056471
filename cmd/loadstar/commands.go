package main

import (
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"loadstar/internal/storage"
	"loadstar/internal/storage/sqlite"
)

// withStore opens the configured store for the duration of fn.
func withStore(opts *rootOptions, fn func(store *sqlite.Store) error) error {
	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newBookmarkCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookmark",
		Short: "Add or remove folder bookmarks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <folder>",
			Short: "Bookmark a folder",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(opts, func(store *sqlite.Store) error {
					result, err := store.BookmarkAdd(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), result)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <folder>",
			Short: "Remove the bookmark of a folder",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(opts, func(store *sqlite.Store) error {
					return store.BookmarkRemove(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func newFolderCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Inspect or forget tracked folders",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "remove <folder>",
			Short: "Forget a folder and all of its move statistics",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(opts, func(store *sqlite.Store) error {
					return store.FolderRemove(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "show <folder>",
			Short: "Print a folder record and its move statistics",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(opts, func(store *sqlite.Store) error {
					record, err := store.Folder(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					stats, err := store.MoveStats(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"folder": record, "stats": stats})
				})
			},
		},
	)
	return cmd
}

func newFlagCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Read or change folder flags (bookmark, explorer_open, private, retired)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <folder> <flag>",
			Short: "Print a flag value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				flag, err := storage.ParseFlag(args[1])
				if err != nil {
					return err
				}
				return withStore(opts, func(store *sqlite.Store) error {
					value, err := store.FlagGet(cmd.Context(), args[0], flag)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <folder> <flag> <true|false>",
			Short: "Change a flag value",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				flag, err := storage.ParseFlag(args[1])
				if err != nil {
					return err
				}
				value, err := strconv.ParseBool(args[2])
				if err != nil {
					return fmt.Errorf("invalid flag value %q: %w", args[2], err)
				}
				return withStore(opts, func(store *sqlite.Store) error {
					return store.FlagSet(cmd.Context(), args[0], flag, value)
				})
			},
		},
	)
	return cmd
}

func newExplorerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explorer",
		Short: "Manage the explorer-open flag",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "toggle <folder>",
		Short: "Flip the explorer-open flag and print the new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(store *sqlite.Store) error {
				open, err := store.ExplorerOpenToggle(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), open)
				return nil
			})
		},
	})
	return cmd
}

func newMoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move <folder> <file>...",
		Short: "Record that files were moved into a folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(store *sqlite.Store) error {
				for _, file := range args[1:] {
					if err := store.RecordMove(cmd.Context(), args[0], file); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Check that tracked folders still exist and retire vanished ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(store *sqlite.Store) error {
				report, err := store.LivenessSweep(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "checked %d folders, %d missing, %d retired\n",
					report.Checked, len(report.Failed), len(report.Retired))
				for _, path := range report.Retired {
					fmt.Fprintf(out, "retired: %s\n", path)
				}
				return nil
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		ext            string
		nameLength     int
		includePrivate bool
		relative       bool
	)
	cmd := &cobra.Command{
		Use:       "list [all|bookmarked]",
		Short:     "List folders with their move counts",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"all", "bookmarked"},
		RunE: func(cmd *cobra.Command, args []string) error {
			view := "all"
			if len(args) == 1 {
				view = strings.ToLower(args[0])
			}
			byLength := cmd.Flags().Changed("length")
			if byLength && ext == "" {
				return fmt.Errorf("--length requires --ext")
			}

			return withStore(opts, func(store *sqlite.Store) error {
				ctx := cmd.Context()
				var seq iter.Seq2[storage.FolderListing, error]
				switch {
				case byLength:
					seq = store.ListByExtensionAndLength(ctx, ext, nameLength, includePrivate)
				case ext != "":
					seq = store.ListByExtension(ctx, ext, includePrivate)
				case view == "bookmarked":
					seq = store.ListBookmarked(ctx, includePrivate)
				case view == "all":
					seq = store.ListAll(ctx, includePrivate)
				default:
					return fmt.Errorf("unknown view %q", view)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MOVED\tFOLDER\tLAST MOVED\tEXPLORER")
				for listing, err := range seq {
					if err != nil {
						return err
					}
					row := listing.Tuple()
					if relative && !listing.LastMovedAt.IsZero() {
						row[2] = humanize.Time(listing.LastMovedAt)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row[0], row[1], row[2], row[3])
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&ext, "ext", "", "only folders that received files with this extension")
	cmd.Flags().IntVar(&nameLength, "length", 0, "only files whose base name has this length (requires --ext)")
	cmd.Flags().BoolVar(&includePrivate, "private", false, "include private folders")
	cmd.Flags().BoolVar(&relative, "relative", false, "show last moved time relative to now")
	return cmd
}
