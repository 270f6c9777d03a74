// Package daemon runs the background replay process: it owns the store, the
// engine, and the UDS control socket, and drives drain passes from its
// triggers (startup, file events, the periodic ticker, and explicit flush
// requests).
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsdeck/offline/internal/engine"
	"github.com/opsdeck/offline/internal/events"
	"github.com/opsdeck/offline/internal/lock"
	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/notify"
	"github.com/opsdeck/offline/internal/registry"
	"github.com/opsdeck/offline/internal/remote"
	"github.com/opsdeck/offline/internal/store"
	"github.com/opsdeck/offline/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// OnlineSentinel is a file inside the data dir whose creation or touch signals
// that connectivity is back and an immediate drain should run. UI layers that
// track reachability write it; the daemon only watches it.
const OnlineSentinel = "online"

// Daemon is the main offline replay daemon process.
type Daemon struct {
	offlineDir string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store    *store.Store
	registry *registry.Registry
	bus      *events.Bus
	engine   *engine.Engine

	debounce   time.Duration
	debounceMu sync.Mutex
	debounceT  *time.Timer

	drainActive  atomic.Int32
	lastDrainEnd atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance.
func New(offlineDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(offlineDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(offlineDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(offlineDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)

	st, err := store.Open(offlineDir, cfg.Limits)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	bus := events.NewBus(100)

	var notifier engine.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.Send

		// A discard means user data was judged unrecoverable; that always
		// warrants a notification, not just a log line.
		bus.Subscribe(events.EventDiscarded, func(ev events.Event) {
			summary := ev.Meta.Summary
			if summary == "" {
				summary = ev.MutationType
			}
			_ = notify.Send("Change could not be applied",
				fmt.Sprintf("%q was rejected: %s", summary, ev.Message))
		})
	}

	eng, err := engine.New(engine.Options{
		Store:          st,
		Registry:       reg,
		Bus:            bus,
		Logger:         logger,
		LogLevel:       cfg.Logging.Level,
		StuckThreshold: cfg.Sync.StuckThreshold,
		Notifier:       notifier,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	// The daemon is headless: its handlers come from the configured endpoint
	// map rather than in-process feature modules.
	if cfg.Remote.BaseURL != "" {
		remote.New(cfg.Remote).RegisterAll(eng)
	}

	scanInterval := cfg.Sync.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 30
	}
	debounceSec := cfg.Sync.DebounceSec
	if debounceSec <= 0 {
		debounceSec = 0.5
	}

	socketPath := filepath.Join(offlineDir, uds.DefaultSocketName)

	d := &Daemon{
		offlineDir: offlineDir,
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(offlineDir, "locks", "daemon.lock")),
		server:     uds.NewServer(socketPath),
		ticker:     time.NewTicker(time.Duration(scanInterval) * time.Second),
		store:      st,
		registry:   reg,
		bus:        bus,
		engine:     eng,
		debounce:   time.Duration(debounceSec * float64(time.Second)),
		ctx:        ctx,
		cancel:     cancel,
	}

	d.server.SetLogf(func(format string, args ...any) {
		d.log(LogLevelWarn, format, args...)
	})

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d queued=%d", os.Getpid(), d.store.Len())

	// Step 2: Init fsnotify watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Watch the data dir root (for the online sentinel) and queue/ (for
	// out-of-band queue writes).
	queueDir := filepath.Join(d.offlineDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", queueDir, err)
	}
	for _, dir := range []string{d.offlineDir, queueDir} {
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	// Step 3: Register UDS handlers
	d.registerHandlers()

	// Step 4: Start UDS server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.offlineDir, uds.DefaultSocketName))

	// Step 5: Start background loops
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	// Step 6: Initial drain for anything that survived a restart
	d.flushAsync("startup")
	d.log(LogLevelInfo, "daemon ready")

	// Step 7: Wait for signals
	d.waitSignals()

	return nil
}

// fsnotifyLoop processes filesystem change events.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	sentinel := filepath.Join(d.offlineDir, OnlineSentinel)
	queueDir := filepath.Join(d.offlineDir, "queue")

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			if event.Name == sentinel {
				// Connectivity regained: drain now, no debounce
				d.flushAsync("online signal")
				continue
			}
			if filepath.Dir(event.Name) == queueDir {
				if d.ownQueueWrite() {
					d.log(LogLevelDebug, "ignoring own queue write file=%s", event.Name)
					continue
				}
				d.scheduleFlush()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop triggers periodic drains at configured intervals.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic drain triggered")
			d.flushAsync("ticker")
		}
	}
}

// scheduleFlush coalesces bursts of file events into one drain.
func (d *Daemon) scheduleFlush() {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if d.debounceT != nil {
		d.debounceT.Stop()
	}
	d.debounceT = time.AfterFunc(d.debounce, func() {
		d.flushAsync("file event")
	})
}

// flushAsync starts a drain pass in the background. Overlapping triggers
// coalesce inside the engine.
func (d *Daemon) flushAsync(reason string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drainActive.Add(1)
		err := d.engine.Flush(d.ctx)
		d.drainActive.Add(-1)
		d.lastDrainEnd.Store(time.Now().UnixNano())
		if err != nil {
			d.log(LogLevelError, "drain (%s): %v", reason, err)
		}
	}()
}

// ownQueueWrite reports whether a queue file event came from the store's own
// persistence during a drain. Those must not schedule another drain: a retry
// verdict rewrites the queue file, and reacting to that write would turn one
// failed attempt into an endless retry loop with no external trigger.
func (d *Daemon) ownQueueWrite() bool {
	if d.drainActive.Load() > 0 {
		return true
	}
	last := d.lastDrainEnd.Load()
	return last > 0 && time.Since(time.Unix(0, last)) < d.debounce
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		d.debounceMu.Lock()
		if d.debounceT != nil {
			d.debounceT.Stop()
		}
		d.debounceMu.Unlock()

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 10
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped queued=%d", d.store.Len())
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	socketPath := filepath.Join(d.offlineDir, uds.DefaultSocketName)
	os.Remove(socketPath)
	d.fileLock.Unlock()
	d.bus.Close()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
