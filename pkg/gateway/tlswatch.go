package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// tlsWatcher serves a live tls.Config that swaps its certificate (and,
// when configured, client CA pool) in place when the cert/key files on
// disk change, without dropping sessions already in progress — each
// open session keeps referencing the *tls.Config it negotiated with,
// and only new handshakes observe the update.
type tlsWatcher struct {
	certPath string
	keyPath  string
	caPath   string
	log      logr.Logger

	current atomic.Pointer[tls.Config]
}

func newTLSWatcher(certPath, keyPath, caPath string, log logr.Logger) (*tlsWatcher, error) {
	w := &tlsWatcher{certPath: certPath, keyPath: keyPath, caPath: caPath, log: log}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Config returns the tls.Config in effect right now. The returned value is
// a GetConfigForClient-backed shim so that even a tls.Config captured once
// by net/tls before a rotation still observes subsequent updates.
func (w *tlsWatcher) Config() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return w.current.Load(), nil
		},
	}
}

func (w *tlsWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		return fmt.Errorf("load TLS key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if w.caPath != "" {
		caBytes, err := os.ReadFile(w.caPath)
		if err != nil {
			return fmt.Errorf("read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return fmt.Errorf("no certificates parsed from client CA bundle %s", w.caPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	w.current.Store(cfg)
	return nil
}

// Watch starts an fsnotify watch over the cert, key, and (if set) CA
// bundle's parent directories, reloading on any write or rename event —
// directories rather than the files themselves, because most certificate
// managers (cert-manager, kubelet projected volumes) rotate by atomic
// symlink swap, which fsnotify only observes at the directory level.
func (w *tlsWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs := map[string]struct{}{
		filepath.Dir(w.certPath): {},
		filepath.Dir(w.keyPath):  {},
	}
	if w.caPath != "" {
		dirs[filepath.Dir(w.caPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.reload(); err != nil {
					w.log.Error(err, "failed to reload TLS material", "event", event.Name)
					continue
				}
				w.log.Info("reloaded TLS material", "event", event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Error(err, "fsnotify watch error")
			}
		}
	}()

	return nil
}
