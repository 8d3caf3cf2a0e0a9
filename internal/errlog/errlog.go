// Package errlog writes error-level messages to a dedicated rotating log
// file, kept apart from the operational stdout log so operators can tail
// failures without the noise. The preferred location is
// /var/log/answerdesk/error.log; when that directory is not writable the
// logger falls back to logs/error.log relative to the working directory.
// Files past the rotation threshold are gzip-archived next to the active
// log, and only the newest archives are retained.
package errlog

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	systemLogDir   = "/var/log/answerdesk"
	fallbackLogDir = "logs"
	logFileName    = "error.log"
	archivePattern = "error-*.log.gz"

	// maxFileSize is the default rotation threshold (100 MB).
	maxFileSize = 100 << 20
	// maxBackups is the number of compressed archives to keep.
	maxBackups = 5
)

// appendFlags opens the active log for appending, creating it as needed.
const appendFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

var (
	global *errorLogger
	mu     sync.Mutex // guards global across Init/Close
)

// errorLogger is the rotating file writer behind the package functions.
type errorLogger struct {
	mu         sync.Mutex
	file       *os.File
	dir        string
	path       string
	size       int64
	closed     bool
	maxRotSize int64
}

// Init starts the logger in the first writable candidate directory. Calling
// it while a logger is already running is a no-op; after a failed Init it
// can be called again to retry.
func Init() error {
	return initIn(candidateLogDirs()...)
}

// InitAt starts the logger in a specific directory, bypassing the default
// directory selection.
func InitAt(dir string) error {
	return initIn(dir)
}

func initIn(dirs ...string) error {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		return nil
	}
	var firstErr error
	for _, dir := range dirs {
		l, err := newLogger(dir)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		global = l
		return nil
	}
	return firstErr
}

// candidateLogDirs returns log directories in preference order.
func candidateLogDirs() []string {
	if runtime.GOOS == "windows" {
		return []string{fallbackLogDir}
	}
	return []string{systemLogDir, fallbackLogDir}
}

func newLogger(dir string) (*errorLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create error log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, appendFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open error log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat error log file: %w", err)
	}
	return &errorLogger{
		dir:        dir,
		path:       path,
		file:       f,
		size:       info.Size(),
		maxRotSize: maxFileSize,
	}, nil
}

// Logf appends one formatted message to the error log. Calls before a
// successful Init are dropped.
func Logf(format string, args ...interface{}) {
	mu.Lock()
	l := global
	mu.Unlock()

	if l != nil {
		l.logf(format, args...)
	}
}

// Close flushes and shuts the log file. Called once at process exit.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		global.close()
		global = nil
	}
}

func (l *errorLogger) logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || l.closed {
		return
	}

	line := time.Now().Format("2006/01/02 15:04:05") + " [ERROR] " + fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	n, err := io.WriteString(l.file, line)
	if err != nil {
		return
	}
	l.size += int64(n)
	if l.size >= l.maxRotSize {
		l.rotate()
	}
}

// rotate archives the current log and starts a fresh one. Caller holds l.mu.
func (l *errorLogger) rotate() {
	l.file.Sync()
	l.file.Close()
	l.file = nil

	stamp := time.Now().Format("20060102-150405")
	archive := filepath.Join(l.dir, "error-"+stamp+".log.gz")

	// The original is truncated whether or not the compression worked.
	compressFile(l.path, archive)
	os.Truncate(l.path, 0)
	l.pruneArchives()

	f, err := os.OpenFile(l.path, appendFlags, 0644)
	if err != nil {
		// Logger stays dead until the next Init.
		return
	}
	l.file = f
	l.size = 0
}

// pruneArchives drops the oldest archives past maxBackups. Caller holds l.mu.
func (l *errorLogger) pruneArchives() {
	archives, err := filepath.Glob(filepath.Join(l.dir, archivePattern))
	if err != nil || len(archives) <= maxBackups {
		return
	}
	// Timestamps in the names make lexicographic order chronological.
	sort.Strings(archives)
	for _, path := range archives[:len(archives)-maxBackups] {
		os.Remove(path)
	}
}

func (l *errorLogger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if f := l.file; f != nil {
		f.Sync()
		f.Close()
		l.file = nil
	}
}

// compressFile gzips src into dst, removing dst on any failure.
func compressFile(src, dst string) error {
	plain, err := os.Open(src)
	if err != nil {
		return err
	}
	defer plain.Close()

	arch, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	gw, err := gzip.NewWriterLevel(arch, gzip.BestSpeed)
	if err != nil {
		arch.Close()
		os.Remove(dst)
		return err
	}

	_, copyErr := io.Copy(gw, plain)
	// The gzip footer is flushed by Close; both closes must succeed for the
	// archive to be readable.
	if err := gw.Close(); copyErr == nil {
		copyErr = err
	}
	if err := arch.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		os.Remove(dst)
		return copyErr
	}
	return nil
}

// --- Exported helpers for the log management API ---

// GetLogDir returns the directory the active logger writes to, or the
// preferred default when the logger is not running.
func GetLogDir() string {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return global.dir
	}
	return candidateLogDirs()[0]
}

// GetLogPath returns the path of the active error log file.
func GetLogPath() string {
	return filepath.Join(GetLogDir(), logFileName)
}

// GetRotationSizeMB reports the rotation threshold in megabytes.
func GetRotationSizeMB() int {
	mu.Lock()
	defer mu.Unlock()

	threshold := int64(maxFileSize)
	if global != nil {
		threshold = global.maxRotSize
	}
	return int(threshold >> 20)
}

// SetRotationSizeMB updates the rotation threshold. Values below 1 clamp to 1 MB.
func SetRotationSizeMB(sizeMB int) {
	if sizeMB < 1 {
		sizeMB = 1
	}
	mu.Lock()
	defer mu.Unlock()

	if global == nil {
		return
	}
	global.mu.Lock()
	global.maxRotSize = int64(sizeMB) << 20
	global.mu.Unlock()
}

// RecentLines returns up to n trailing lines of the current error log in
// chronological order. A missing or empty log yields no lines.
func RecentLines(n int) ([]string, error) {
	f, err := os.Open(GetLogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if n <= 0 {
		n = 50
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// Read only a trailing window; plenty for any sane n without scanning
	// a multi-megabyte file.
	const window = 256 * 1024
	off := info.Size() - window
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, err
	}

	lines := make([]string, 0, n)
	for _, line := range strings.Split(strings.Trim(string(buf), "\n"), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// ListArchives returns the names of compressed log archives, oldest first.
func ListArchives() ([]string, error) {
	archives, err := filepath.Glob(filepath.Join(GetLogDir(), archivePattern))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(archives))
	for _, path := range archives {
		names = append(names, filepath.Base(path))
	}
	sort.Strings(names)
	return names, nil
}
