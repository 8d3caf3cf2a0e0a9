// Package backup archives and restores the data directory.
//
// A backup is a tar.gz holding the corpus, the vector cache, the
// reconcile ledger and digest, the configuration, and a consistent
// SQLite snapshot taken with VACUUM INTO. A manifest.json describing
// every archived file (name, size, MD5) is embedded in the archive and
// written alongside it.
//
// The live database file and its WAL sidecars are never copied
// directly; the snapshot replaces them. Lock files and in-progress
// temp files are skipped.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"answerdesk/internal/lockfile"
)

// DBSnapshotName is the archive entry holding the SQLite snapshot. On
// restore it lands in the data dir under this name, ready to open.
const DBSnapshotName = "answerdesk.db"

// ManifestName is the archive entry describing the backup's contents.
const ManifestName = "manifest.json"

// Extraction limits for Restore.
const (
	maxEntrySize   = 2 << 30
	maxRestoreSize = 10 << 30
	maxEntryCount  = 100000
)

// ManifestFile describes one archived file.
type ManifestFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	MD5  string `json:"md5"`
}

// Manifest records when a backup was taken and what it contains.
type Manifest struct {
	CreatedAt string         `json:"created_at"`
	Hostname  string         `json:"hostname"`
	DataDir   string         `json:"data_dir"`
	Files     []ManifestFile `json:"files"`
}

// Options configures a backup run.
type Options struct {
	DataDir   string // data directory to archive (default "./data")
	OutputDir string // where the archive is written (default ".")
	DBPath    string // live SQLite file, excluded from the file walk (default <DataDir>/answerdesk.db)
}

// Result reports what a backup wrote.
type Result struct {
	ArchivePath  string
	ManifestPath string
	FilesWritten int
	BytesWritten int64
}

// tarSource is one file queued for archiving: where it lives on disk
// and the name it takes inside the archive.
type tarSource struct {
	path string
	name string
}

// withDefaults fills unset Options fields with the conventional layout
// used by the serve command.
func withDefaults(o Options) Options {
	if o.DataDir == "" {
		o.DataDir = "./data"
	}
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
	if o.DBPath == "" {
		o.DBPath = filepath.Join(o.DataDir, DBSnapshotName)
	}
	return o
}

// Run archives the data directory. A nil db skips the SQLite snapshot,
// for installations that have never started the server.
func Run(db *sql.DB, opts Options) (*Result, error) {
	opts = withDefaults(opts)

	sources, err := collectSources(opts.DataDir, filepath.Base(opts.DBPath))
	if err != nil {
		return nil, err
	}

	if db != nil {
		snapDir, err := os.MkdirTemp("", "answerdesk-backup-*")
		if err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
		defer os.RemoveAll(snapDir)

		snapPath, err := snapshotDB(db, snapDir)
		if err != nil {
			return nil, err
		}
		sources = append(sources, tarSource{path: snapPath, name: DBSnapshotName})
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	now := time.Now()
	host := hostLabel()
	base := fmt.Sprintf("answerdesk_%s_%s", host, now.Format("20060102-150405"))
	res := &Result{
		ArchivePath:  filepath.Join(opts.OutputDir, base+".tar.gz"),
		ManifestPath: filepath.Join(opts.OutputDir, base+".manifest.json"),
	}

	manifest := &Manifest{
		CreatedAt: now.Format(time.RFC3339),
		Hostname:  host,
		DataDir:   opts.DataDir,
	}
	manifestData, err := writeArchive(res.ArchivePath, sources, manifest)
	if err != nil {
		return nil, err
	}
	for _, f := range manifest.Files {
		res.BytesWritten += f.Size
	}
	res.FilesWritten = len(manifest.Files)

	if err := os.WriteFile(res.ManifestPath, manifestData, 0644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return res, nil
}

// collectSources lists the data-dir files to archive, applying the
// skip rules.
func collectSources(dataDir, dbBase string) ([]tarSource, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}
	var sources []tarSource
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || skipEntry(name, dbBase) {
			continue
		}
		sources = append(sources, tarSource{path: filepath.Join(dataDir, name), name: name})
	}
	return sources, nil
}

// skipEntry reports whether a data-dir entry stays out of the archive:
// the live database and its -wal/-shm sidecars (the snapshot stands in
// for them), lock files, atomic-write temp files, archives from earlier
// backups, and a manifest left behind by an earlier restore.
func skipEntry(name, dbBase string) bool {
	switch {
	case name == dbBase, strings.HasPrefix(name, dbBase+"-"):
		return true
	case name == lockfile.LockFileName, name == ManifestName:
		return true
	}
	return strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".tar.gz") ||
		strings.HasSuffix(name, ".manifest.json")
}

// hostLabel names the machine for archive filenames and the manifest.
func hostLabel() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}

// snapshotDB writes a consistent copy of the database with VACUUM INTO,
// which needs no WAL checkpoint and produces a compacted file.
func snapshotDB(db *sql.DB, dir string) (string, error) {
	path := filepath.Join(dir, DBSnapshotName)
	quoted := strings.ReplaceAll(path, "'", "''")
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	return path, nil
}

// writeArchive streams every source into a new tar.gz at path, fills
// manifest.Files along the way, embeds the completed manifest as the
// final entry, and returns the manifest JSON for the sidecar file.
func writeArchive(path string, sources []tarSource, manifest *Manifest) ([]byte, error) {
	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	for _, src := range sources {
		size, digest, err := addFileToTar(tw, src.path, src.name)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", src.name, err)
		}
		manifest.Files = append(manifest.Files, ManifestFile{Name: src.name, Size: size, MD5: digest})
	}
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Name < manifest.Files[j].Name
	})

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := addBytesToTar(tw, data, ManifestName); err != nil {
		return nil, fmt.Errorf("embed manifest: %w", err)
	}

	for _, fin := range []func() error{tw.Close, gw.Close, out.Close} {
		if err := fin(); err != nil {
			return nil, fmt.Errorf("finalize archive: %w", err)
		}
	}
	return data, nil
}

// Restore extracts a backup archive into the target data directory,
// overwriting files already there. The caller must hold the data-dir
// lock so a running server cannot race the extraction.
func Restore(archivePath, targetDir string) (int, error) {
	if targetDir == "" {
		targetDir = "./data"
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return 0, fmt.Errorf("create data directory: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("decompress archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	extracted := 0
	var written int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return extracted, nil
		}
		if err != nil {
			return extracted, fmt.Errorf("read archive: %w", err)
		}
		if err := checkEntry(header, targetDir); err != nil {
			return extracted, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			dest := filepath.Join(targetDir, filepath.FromSlash(header.Name))
			if err := os.MkdirAll(dest, 0755); err != nil {
				return extracted, fmt.Errorf("create %s: %w", dest, err)
			}
		case tar.TypeReg:
			n, err := writeEntry(tr, header, targetDir)
			if err != nil {
				return extracted, err
			}
			extracted++
			written += n
			if extracted > maxEntryCount {
				return extracted, fmt.Errorf("archive exceeds file count limit")
			}
			if written > maxRestoreSize {
				return extracted, fmt.Errorf("archive exceeds extraction limit")
			}
		}
	}
}

// checkEntry rejects link entries and names that would land outside
// the target directory.
func checkEntry(header *tar.Header, targetDir string) error {
	switch header.Typeflag {
	case tar.TypeSymlink, tar.TypeLink:
		return fmt.Errorf("archive entry is a link, refusing: %s", header.Name)
	}
	dest := filepath.Join(targetDir, filepath.FromSlash(header.Name))
	root := filepath.Clean(targetDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(dest), root) {
		return fmt.Errorf("archive entry escapes data directory: %s", header.Name)
	}
	return nil
}

// writeEntry extracts one regular file and reports its size.
func writeEntry(tr *tar.Reader, header *tar.Header, targetDir string) (int64, error) {
	if header.Size > maxEntrySize {
		return 0, fmt.Errorf("archive entry too large: %s (%d bytes)", header.Name, header.Size)
	}
	dest := filepath.Join(targetDir, filepath.FromSlash(header.Name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", header.Name, err)
	}

	mode := os.FileMode(header.Mode) & 0755
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(out, io.LimitReader(tr, header.Size+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dest, err)
	}
	return n, nil
}

// ReadManifest loads a manifest written alongside an archive.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func addFileToTar(tw *tar.Writer, absPath, archiveName string) (int64, string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", err
	}
	header := &tar.Header{
		Name:    archiveName,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return 0, "", err
	}

	sum := md5.New()
	n, err := io.Copy(tw, io.TeeReader(f, sum))
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(sum.Sum(nil)), nil
}

func addBytesToTar(tw *tar.Writer, data []byte, archiveName string) error {
	err := tw.WriteHeader(&tar.Header{
		Name:    archiveName,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	})
	if err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}
