package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"answerdesk/internal/backup"
	"answerdesk/internal/config"
	"answerdesk/internal/db"
	"answerdesk/internal/errlog"
	"answerdesk/internal/importer"
	"answerdesk/internal/lockfile"
	"answerdesk/internal/router"
	"answerdesk/internal/vectorstore"
	"answerdesk/internal/watcher"
)

// dataDir holds the corpus, the index artifacts, the config file and the
// SQLite database. Relative to the working directory, like the config paths
// it defaults.
const dataDir = "./data"

func main() {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	if err := errlog.Init(); err != nil {
		log.Printf("Warning: error log unavailable: %v", err)
	}

	// 1. Initialize ConfigManager and load config
	cm, err := config.NewConfigManager(filepath.Join(dataDir, "config.json"))
	if err != nil {
		log.Fatalf("Config manager unavailable: %v", err)
	}
	if err := cm.Load(); err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	cfg := cm.Get()

	// 2. Initialize database
	database, err := db.InitDB(filepath.Join(dataDir, "answerdesk.db"))
	if err != nil {
		log.Fatalf("Database init failed: %v", err)
	}
	defer database.Close()

	// 3. Create service instances
	svcs, err := buildServices(cm, database)
	if err != nil {
		log.Fatalf("Failed to build services: %v", err)
	}

	// Check for CLI subcommands
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "serve":
			// fall through to the server below
		case "import":
			runImport(os.Args[2:], svcs)
			return
		case "reindex":
			runReindex(svcs)
			return
		case "backup":
			runBackup(os.Args[2:], database)
			return
		case "restore":
			runRestore(os.Args[2:])
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Printf("unknown command: %s\n\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}

	// One process per data directory. Importer and restore take the same
	// lock, so they cannot run underneath a live server.
	lock := lockfile.New(dataDir)
	if err := lock.Acquire(); err != nil {
		log.Fatalf("%v", err)
	}
	defer lock.Release()

	log.Printf("[SIMD] vector acceleration: %s", vectorstore.Capability())

	// 4. First reconciliation. A failure is not fatal: the admin may need
	// the config API to fix an unreachable embedding endpoint, and the next
	// search retries the initialization.
	initCtx, cancelInit := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := svcs.index.Initialize(initCtx); err != nil {
		log.Printf("Warning: initial index reconciliation failed: %v", err)
		errlog.Logf("[Index] initial reconciliation failed: %v", err)
	} else {
		st := svcs.index.Status()
		log.Printf("[Index] ready: %d records, %d chunks", st.Records, st.Chunks)
	}
	cancelInit()

	// 5. Register HTTP API handlers
	mux := http.NewServeMux()
	stopRouter := router.Register(mux, svcs.app)
	defer stopRouter()

	// 6. Watch the corpus file for out-of-band edits
	if cfg.Index.WatchCorpus {
		w := watcher.New(cfg.Index.CorpusPath, svcs.index, 0)
		if err := w.Start(); err != nil {
			log.Printf("Warning: corpus watcher not started: %v", err)
		} else {
			defer w.Stop()
		}
	}

	// 7. Start HTTP server with graceful shutdown
	server := newHTTPServer(cfg.Server.Port, mux)
	go hourlyCleanup(svcs)
	go shutdownOnSignal(server)

	serve(server, cfg.Server.SSLCert, cfg.Server.SSLKey)
	log.Println("Server stopped")
}

// newHTTPServer wires the mux behind conservative timeouts. The long write
// timeout covers answers that wait on the upstream LLM.
func newHTTPServer(port int, mux http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// hourlyCleanup evicts expired admin and chat sessions and prunes stale
// login attempts for as long as the process runs.
func hourlyCleanup(svcs *services) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if n, err := svcs.sessions.CleanExpired(); err == nil && n > 0 {
			log.Printf("Cleaned %d expired sessions", n)
		}
		if n, err := svcs.chat.CleanExpired(); err == nil && n > 0 {
			log.Printf("Cleaned %d expired chat sessions", n)
		}
		svcs.app.PruneLoginAttempts()
	}
}

// shutdownOnSignal drains the server when the process receives SIGINT or
// SIGTERM, giving in-flight requests ten seconds to finish.
func shutdownOnSignal(server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("Received signal %v, shutting down gracefully...", sig)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
}

// serve blocks on the listener, with TLS when a certificate is configured.
func serve(server *http.Server, cert, key string) {
	var err error
	if cert != "" && key != "" {
		fmt.Printf("AnswerDesk starting on https://%s\n", server.Addr)
		err = server.ListenAndServeTLS(cert, key)
	} else {
		fmt.Printf("AnswerDesk starting on http://%s\n", server.Addr)
		err = server.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}

// printUsage prints CLI usage information.
func printUsage() {
	fmt.Println(`Usage:
  answerdesk [serve]                              start the HTTP service (default port 8080)
  answerdesk import <path> [...]                  draft corpus records from documents
  answerdesk reindex                              rebuild the vector index from scratch
  answerdesk backup [--output <dir>]              archive the data directory
  answerdesk restore [--target <dir>] <archive>   restore from a backup archive
  answerdesk help                                 show this help

import:
  Scans the given files and directories (recursively) for supported
  documents, extracts their text, drafts question/answer records with the
  configured LLM and appends them to the corpus. The index is reconciled
  once at the end of the run.

  Supported formats: .pdf .doc .docx .xls .xlsx .pptx .md .markdown .html .htm

  Examples:
    answerdesk import ./docs
    answerdesk import ./docs ./manuals /path/to/file.pdf

reindex:
  Deletes the vector cache, the fingerprint ledger and the corpus digest,
  then re-embeds every corpus record. Use after changing the embedding
  model or its dimensions.

backup:
  Archives the data directory as tar.gz: corpus, vector cache, ledger,
  corpus digest, config and a consistent SQLite snapshot, plus a manifest
  with per-file MD5 checksums.

  Archive name: answerdesk_<hostname>_<date-time>.tar.gz

  Options:
    --output <dir>   output directory (default current directory)

restore:
  Unpacks a backup archive into the data directory. Refuses to run while
  a server or importer holds the data directory lock.

  Options:
    --target <dir>   restore target directory (default ./data)`)
}

// fatalUsage prints an error with a usage hint and exits non-zero.
func fatalUsage(msg, usage string) {
	fmt.Println("error: " + msg)
	if usage != "" {
		fmt.Println(usage)
	}
	os.Exit(1)
}

// acquireLock takes the single-process lock for dir or exits.
func acquireLock(dir string) *lockfile.Lock {
	lock := lockfile.New(dir)
	if err := lock.Acquire(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return lock
}

// runImport drafts corpus records from the documents under the given paths.
func runImport(args []string, svcs *services) {
	if len(args) == 0 {
		fatalUsage("import needs at least one file or directory", "usage: answerdesk import <path> [...]")
	}

	lock := acquireLock(dataDir)
	defer lock.Release()

	im := importer.New(svcs.corpus, svcs.llm, svcs.index)
	res, err := im.Run(context.Background(), args)
	if err != nil {
		fmt.Printf("import failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("import finished:\n")
	fmt.Printf("  files scanned: %d\n", res.FilesScanned)
	fmt.Printf("  files parsed:  %d (%d failed)\n", res.FilesParsed, res.FilesFailed)
	fmt.Printf("  records added: %d\n", res.RecordsAdded)
}

// runReindex rebuilds every index artifact from the corpus.
func runReindex(svcs *services) {
	lock := acquireLock(dataDir)
	defer lock.Release()

	fmt.Println("rebuilding index from scratch...")
	if err := svcs.index.Reindex(context.Background()); err != nil {
		fmt.Printf("reindex failed: %v\n", err)
		os.Exit(1)
	}
	st := svcs.index.Status()
	fmt.Printf("reindex finished: %d records, %d chunks, %d dimensions\n", st.Records, st.Chunks, st.Dimensions)
}

// runBackup archives the data directory.
func runBackup(args []string, database *sql.DB) {
	const usage = "usage: answerdesk backup [--output <dir>]"
	opts := backup.Options{DataDir: dataDir}

	for len(args) > 0 {
		arg := args[0]
		args = args[1:]
		switch arg {
		case "--output", "-o":
			if len(args) == 0 {
				fatalUsage("--output needs a directory", usage)
			}
			opts.OutputDir, args = args[0], args[1:]
		default:
			fatalUsage("unknown argument: "+arg, usage)
		}
	}

	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			fatalUsage("cannot create output directory: "+err.Error(), "")
		}
	}

	result, err := backup.Run(database, opts)
	if err != nil {
		fmt.Printf("backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backup finished:\n")
	fmt.Printf("  archive:  %s\n", result.ArchivePath)
	fmt.Printf("  manifest: %s\n", result.ManifestPath)
	fmt.Printf("  files: %d, size: %.2f MB\n", result.FilesWritten, float64(result.BytesWritten)/(1024*1024))
}

// runRestore restores data from a backup archive.
func runRestore(args []string) {
	const usage = "usage: answerdesk restore [--target <dir>] <archive>"
	targetDir := dataDir
	var archivePath string

	for len(args) > 0 {
		arg := args[0]
		args = args[1:]
		switch {
		case arg == "--target" || arg == "-t":
			if len(args) == 0 {
				fatalUsage("--target needs a directory", usage)
			}
			targetDir, args = args[0], args[1:]
		case archivePath != "":
			fatalUsage("unknown argument: "+arg, usage)
		default:
			archivePath = arg
		}
	}
	if archivePath == "" {
		fatalUsage("restore needs a backup archive path", usage)
	}

	// Refuse while a server or importer holds the target directory.
	lock := acquireLock(targetDir)
	defer lock.Release()

	fmt.Printf("restoring %s into %s ...\n", archivePath, targetDir)
	n, err := backup.Restore(archivePath, targetDir)
	if err != nil {
		fmt.Printf("restore failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("restored %d files\n", n)
}
