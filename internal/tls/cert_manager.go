package tls

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ServerKeyPairPaths returns the conventional location of a service's
// certificate chain and PKCS#8 private key: {root}/{identity}/rsa/end.cert
// and {root}/{identity}/rsa/end.key.
func ServerKeyPairPaths(root, identity string) (certFile, keyFile string) {
	dir := filepath.Join(root, identity, "rsa")
	return filepath.Join(dir, "end.cert"), filepath.Join(dir, "end.key")
}

// KeyPairManager loads and caches a server certificate/key pair and reloads
// it when either file changes on disk, so long-running servers pick up
// rotated certificates without a restart.
type KeyPairManager struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.RWMutex
	current *tls.Certificate
	watcher *fsnotify.Watcher
	closed  bool
}

// NewKeyPairManager loads the key pair once and starts watching both files.
func NewKeyPairManager(certFile, keyFile string, logger *slog.Logger) (*KeyPairManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &KeyPairManager{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
	}

	cert, err := m.load()
	if err != nil {
		return nil, err
	}
	m.current = cert

	if err := m.startWatching(); err != nil {
		// Watching is an optimization; the initial load succeeded, so keep
		// serving the loaded pair and log the degraded state.
		m.logger.Warn("certificate file watching unavailable", "error", err)
	}

	return m, nil
}

// GetCertificate returns the current key pair. The signature matches
// tls.Config.GetCertificate.
func (m *KeyPairManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

// Reload re-reads the key pair from disk, keeping the previous pair when the
// new one fails to load or validate.
func (m *KeyPairManager) Reload() error {
	cert, err := m.load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = cert
	m.mu.Unlock()

	m.logger.Info("server key pair reloaded", "cert_file", m.certFile)
	return nil
}

func (m *KeyPairManager) load() (*tls.Certificate, error) {
	if _, err := os.Stat(m.certFile); err != nil {
		return nil, NewKeyPairLoadError(m.certFile, m.keyFile, err)
	}

	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, NewKeyPairLoadError(m.certFile, m.keyFile, err)
	}

	if len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			now := time.Now()
			if now.After(leaf.NotAfter) {
				return nil, NewTransportError(ErrorTypeCertificateLoad, "server certificate has expired").
					WithContext("cert_file", m.certFile).
					WithContext("not_after", leaf.NotAfter)
			}
			if now.Before(leaf.NotBefore) {
				return nil, NewTransportError(ErrorTypeCertificateLoad, "server certificate is not yet valid").
					WithContext("cert_file", m.certFile).
					WithContext("not_before", leaf.NotBefore)
			}
			m.logger.Debug("server key pair loaded",
				"cert_file", m.certFile,
				"subject", leaf.Subject.String(),
				"not_after", leaf.NotAfter)
		}
	}

	return &cert, nil
}

func (m *KeyPairManager) startWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory rather than the files: rotation tooling typically
	// replaces files via rename, which drops per-file watches.
	if err := watcher.Add(filepath.Dir(m.certFile)); err != nil {
		watcher.Close()
		return err
	}

	m.watcher = watcher
	go m.watchLoop()
	return nil
}

func (m *KeyPairManager) watchLoop() {
	var reloadTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != m.certFile && name != m.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: rotation writes cert and key close together.
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(250*time.Millisecond, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("server key pair reload failed, keeping previous pair",
						"cert_file", m.certFile, "error", err)
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("certificate watcher error", "error", err)
		}
	}
}

// Close stops file watching.
func (m *KeyPairManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
