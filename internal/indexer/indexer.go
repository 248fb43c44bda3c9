// Package indexer flattens a project tree into relative file paths.
//
// The same traversal serves the local folder and the device: only the
// Lister changes. Entries without an extension are treated as folders and
// descended into; everything else is a file. Every relative path passes
// through the exclusion policy before it is recorded or descended into.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/droidscript/dssync/internal/exclude"
)

// Lister returns the entry names of the folder at rel, a slash-separated
// path below the indexing root ("" is the root itself).
type Lister func(ctx context.Context, rel string) ([]string, error)

// Options tunes IndexFolder.
type Options struct {
	// Logger receives nested listing failures (default: discarded)
	Logger *log.Logger
}

// IndexFolder walks the tree depth-first and returns the relative paths of
// all included files, sorted. A failure to list the root is returned; a
// failure below the root is logged and that subtree is skipped.
func IndexFolder(ctx context.Context, cfg *exclude.Config, list Lister, opts *Options) ([]string, error) {
	var logger *log.Logger
	if opts != nil {
		logger = opts.Logger
	}

	var files []string
	var walk func(rel string) error
	walk = func(rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		names, err := list(ctx, rel)
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == "" || name == "." || name == ".." {
				continue
			}
			child := path.Join(rel, name)
			if exclude.Excluded(cfg, child) {
				continue
			}
			if path.Ext(name) != "" {
				files = append(files, child)
				continue
			}
			if err := walk(child); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if logger != nil {
					logger.Printf("Failed to list %s: %v", child, err)
				}
			}
		}
		return nil
	}

	if err := walk(""); err != nil {
		return nil, fmt.Errorf("failed to index root: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// LocalLister lists folders below root on the local filesystem. Listing a
// path that is a regular file yields no entries, so extensionless files are
// skipped the same way on both sides.
func LocalLister(root string) Lister {
	return func(ctx context.Context, rel string) ([]string, error) {
		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			if rel != "" && isNotDir(err) {
				return nil, nil
			}
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	}
}

func isNotDir(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && errors.Is(pe.Err, syscall.ENOTDIR)
}
