// Package scan walks directories for managed binaries and emits snippets for
// the P/Invoke methods they declare.
package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"parasiteinvoke/internal/generation"
	"parasiteinvoke/internal/metadata"
)

// MethodReader reads the P/Invoke methods of one file. found is false when
// the file is not a readable managed binary.
type MethodReader func(path string, log zerolog.Logger) (methods []metadata.ForeignMethod, found bool)

// Finder scans files and writes snippets to a shared sink.
type Finder struct {
	// Extensions are matched case-insensitively, in order.
	Extensions []string
	Recurse    bool
	// Method restricts output to methods with this entry point. Empty lists all.
	Method  string
	Workers int

	Synthesizer *generation.Synthesizer
	Sink        *generation.Sink
	Read        MethodReader
	Log         zerolog.Logger
}

// Collect lists candidate files under root: subdirectories first when
// recursing, then the files of each extension sorted by name.
func (finder *Finder) Collect(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		finder.Log.Debug().Str("dir", root).Err(err).Msg("Skipping unreadable directory.")
		return nil
	}

	var files []string
	if finder.Recurse {
		for _, entry := range entries {
			if entry.IsDir() {
				files = append(files, finder.Collect(filepath.Join(root, entry.Name()))...)
			}
		}
	}

	for _, extension := range finder.Extensions {
		var matched []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), extension) {
				continue
			}
			matched = append(matched, filepath.Join(root, entry.Name()))
		}
		sort.Strings(matched)
		files = append(files, matched...)
	}

	return files
}

// Run scans root and emits snippets. Only sink failures and cancellation are
// returned; unreadable files are skipped without output.
func (finder *Finder) Run(ctx context.Context, root string) error {
	files := finder.Collect(root)
	finder.Log.Debug().Str("root", root).Int("files", len(files)).Msg("Collected candidate files.")

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(finder.Workers, 1))

	for _, file := range files {
		if groupCtx.Err() != nil {
			break
		}

		file := file
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return finder.scanFile(file)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

func (finder *Finder) scanFile(path string) error {
	methods, found := finder.Read(path, finder.Log)
	if !found {
		return nil
	}

	finder.Log.Debug().Str("file", path).Int("methods", len(methods)).Msg("Read managed binary.")

	if finder.Method == "" {
		return finder.Synthesizer.EmitFile(path, methods, finder.Sink)
	}

	for _, method := range methods {
		if method.EntryPoint != finder.Method {
			continue
		}
		if err := finder.Synthesizer.EmitMatch(path, method, finder.Sink); err != nil {
			return err
		}
	}

	return nil
}
