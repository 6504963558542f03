package tlscore

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"emberkv/internal/logging"
)

// CertWatcher auto-rotates the active certificate when its files
// change on disk — the common case where an external tool (certbot, a
// cert-manager sidecar) rewrites them in place. Grounded on the
// teacher's fsnotify-based internal/cert/manager.go, adapted for this
// package's single-goroutine discipline: Core has no mutexes, so the
// watcher goroutine never calls Renew directly — it hands the reload
// off through a channel that the reactor goroutine drains, e.g. via a
// ScheduleRecurring tick or a dedicated Arm'd wake fd in cmd/emberkv.
//
// Renew itself has no idea whether it was invoked by this watcher or
// by the operator's renew-cert CLI command; this component is purely
// additive.
type CertWatcher struct {
	watcher           *fsnotify.Watcher
	certPath, keyPath string
	logger            *slog.Logger

	// Reloads delivers (certPEM, keyPEM) pairs read off disk after a
	// change is observed. The reactor goroutine should select on this
	// channel and call Core.Renew with the result plus the current
	// client list.
	Reloads chan ReloadedMaterial
}

// ReloadedMaterial is one file-triggered reload's raw PEM bytes.
type ReloadedMaterial struct {
	CertPEM, KeyPEM []byte
	CertPath, KeyPath string
}

// NewCertWatcher starts watching certPath and keyPath for writes.
func NewCertWatcher(certPath, keyPath string, logger *slog.Logger) (*CertWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(certPath); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(keyPath); err != nil {
		w.Close()
		return nil, err
	}
	return &CertWatcher{
		watcher:  w,
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logging.Scoped(logger, "certwatch"),
		Reloads:  make(chan ReloadedMaterial, 1),
	}, nil
}

// Run processes fsnotify events until stop is closed. It should run in
// its own goroutine; it only ever reads files and sends on Reloads, so
// it never touches Core state directly.
func (w *CertWatcher) Run(stop <-chan struct{}) {
	defer w.watcher.Close()
	for {
		select {
		case <-stop:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("cert watcher error", "err", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The path was replaced (e.g. renamed over, as renew-cert
				// does), which ends the watch on the old file; watch the
				// file that now sits at the path and reload it.
				if err := w.watcher.Add(ev.Name); err != nil {
					w.logger.Warn("cert watcher: re-watch replaced file", "path", ev.Name, "err", err)
					continue
				}
			} else if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		}
	}
}

func (w *CertWatcher) reload() {
	certPEM, err := os.ReadFile(w.certPath)
	if err != nil {
		w.logger.Warn("reload certificate: read cert file", "err", err)
		return
	}
	keyPEM, err := os.ReadFile(w.keyPath)
	if err != nil {
		w.logger.Warn("reload certificate: read key file", "err", err)
		return
	}

	select {
	case w.Reloads <- ReloadedMaterial{CertPEM: certPEM, KeyPEM: keyPEM, CertPath: w.certPath, KeyPath: w.keyPath}:
	default:
		w.logger.Warn("dropped certificate reload, previous reload not yet consumed")
	}
}

// Close stops the underlying fsnotify watcher.
func (w *CertWatcher) Close() error {
	return w.watcher.Close()
}
