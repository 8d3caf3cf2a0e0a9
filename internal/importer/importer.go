// Package importer turns documents on disk into corpus records. It
// scans directories for supported file formats, extracts their plain
// text, asks the LLM to draft QA records from it, appends the drafts to
// the corpus, and reconciles the index once at the end of the run.
package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"answerdesk/internal/corpus"
	"answerdesk/internal/llm"
	"answerdesk/internal/parser"
)

// maxFileSize caps the documents read into memory. Larger files are
// skipped with a warning.
const maxFileSize = 50 << 20 // 50 MB

// Reconciler refreshes the index after the corpus grows. index.Service
// satisfies it.
type Reconciler interface {
	Refresh(ctx context.Context) error
}

// Result summarizes one import run.
type Result struct {
	FilesScanned int
	FilesParsed  int
	FilesFailed  int
	RecordsAdded int
}

// Importer drafts corpus records from documents.
type Importer struct {
	corpus *corpus.Store
	llm    llm.Service
	index  Reconciler
}

// New wires the importer. idx may be nil when the caller reconciles
// itself.
func New(cs *corpus.Store, ls llm.Service, idx Reconciler) *Importer {
	return &Importer{corpus: cs, llm: ls, index: idx}
}

// Run imports every supported document under the given paths
// (directories are walked recursively) and reconciles the index once at
// the end. Per-file failures are logged and skipped; Run fails when a
// path cannot be scanned, when nothing was imported at all, or when the
// final reconciliation fails.
func (im *Importer) Run(ctx context.Context, paths []string) (*Result, error) {
	files, err := collectFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no supported documents found under %v", paths)
	}

	res := &Result{FilesScanned: len(files)}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, err := im.importFile(ctx, file)
		if err != nil {
			res.FilesFailed++
			log.Printf("Warning: import %s: %v", file, err)
			continue
		}
		res.FilesParsed++
		res.RecordsAdded += added
		log.Printf("[import] %s: %d records", file, added)
	}

	if res.FilesParsed == 0 {
		return res, fmt.Errorf("all %d documents failed to import", res.FilesScanned)
	}

	if res.RecordsAdded > 0 && im.index != nil {
		if err := im.index.Refresh(ctx); err != nil {
			return res, fmt.Errorf("reconcile after import: %w", err)
		}
	}
	return res, nil
}

// importFile extracts one document, drafts records from its text and
// appends them to the corpus in a single batch.
func (im *Importer) importFile(ctx context.Context, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() > maxFileSize {
		return 0, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	text, err := parser.Extract(data, path)
	if err != nil {
		return 0, err
	}

	drafts, err := im.llm.DraftRecords(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("draft records: %w", err)
	}
	if len(drafts) == 0 {
		return 0, fmt.Errorf("model drafted no usable records")
	}

	if _, err := im.corpus.AddAll(drafts); err != nil {
		return 0, fmt.Errorf("append to corpus: %w", err)
	}
	return len(drafts), nil
}

// collectFiles expands the given paths into a sorted list of supported
// document files. Directories are walked recursively; explicitly named
// files must be of a supported format.
func collectFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	addFile := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}

		if !info.IsDir() {
			if !parser.SupportedExt(filepath.Ext(path)) {
				return nil, fmt.Errorf("unsupported file format: %s", path)
			}
			addFile(path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if parser.SupportedExt(filepath.Ext(p)) {
				addFile(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
	}

	sort.Strings(files)
	return files, nil
}
