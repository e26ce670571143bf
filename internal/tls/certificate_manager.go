package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// CertificateReloader serves the local certificate to handshakes in both
// directions and swaps it when the files on disk change. A replacement
// that fails to load, or that is unusable while the current one is
// usable, is ignored.
type CertificateReloader struct {
	certFile   string
	keyFile    string
	domainName string
	logger     *slog.Logger
	metrics    *TLSMetricsCollector
	inspector  *CertificateInspector
	debounce   time.Duration

	mu     sync.RWMutex
	cert   *tls.Certificate
	usable bool

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCertificateReloader loads the pair once. metrics may be nil.
func NewCertificateReloader(certFile, keyFile, domainName string, logger *slog.Logger, metrics *TLSMetricsCollector) (*CertificateReloader, error) {
	if certFile == "" || keyFile == "" {
		return nil, NewConfigMissingError("cert_file/key_file")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertificateReloader{
		certFile:   filepath.Clean(certFile),
		keyFile:    filepath.Clean(keyFile),
		domainName: domainName,
		logger:     logger.With("component", "tls_reloader"),
		metrics:    metrics,
		inspector:  NewCertificateInspector(),
		debounce:   defaultReloadDebounce,
	}
	cert, report, err := r.load()
	if err != nil {
		return nil, err
	}
	r.cert = cert
	r.usable = report.Usable()
	return r, nil
}

// Certificate returns the certificate currently served.
func (r *CertificateReloader) Certificate() *tls.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert
}

// GetCertificate is installed as tls.Config.GetCertificate.
func (r *CertificateReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.Certificate(), nil
}

// GetClientCertificate is installed as tls.Config.GetClientCertificate.
func (r *CertificateReloader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return r.Certificate(), nil
}

// Attach makes server and client configurations read the certificate
// through r. Either may be nil.
func (r *CertificateReloader) Attach(server, client *tls.Config) {
	if server != nil {
		server.Certificates = nil
		server.GetCertificate = r.GetCertificate
	}
	if client != nil {
		client.Certificates = nil
		client.GetClientCertificate = r.GetClientCertificate
	}
}

// Reload re-reads the files now.
func (r *CertificateReloader) Reload() error {
	ctx := context.Background()
	cert, report, err := r.load()
	if err != nil {
		r.recordReload(ctx, false)
		return err
	}

	r.mu.Lock()
	if r.usable && !report.Usable() {
		r.mu.Unlock()
		r.recordReload(ctx, false)
		return fmt.Errorf("replacement certificate rejected: %v", report.Errors)
	}
	r.cert = cert
	r.usable = report.Usable()
	r.mu.Unlock()

	r.recordReload(ctx, true)
	r.logger.Info("certificate reloaded",
		"subject", report.Subject,
		"not_after", report.NotAfter,
		"warnings", len(report.Warnings))
	return nil
}

func (r *CertificateReloader) load() (*tls.Certificate, *CertificateReport, error) {
	certPEM, err := os.ReadFile(r.certFile)
	if err != nil {
		return nil, nil, NewCertificateLoadError(r.certFile, r.keyFile, err)
	}
	keyPEM, err := os.ReadFile(r.keyFile)
	if err != nil {
		return nil, nil, NewCertificateLoadError(r.certFile, r.keyFile, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, NewCertificateLoadError(r.certFile, r.keyFile, err)
	}
	report, err := r.inspector.InspectCertificateData(certPEM, r.domainName)
	if err != nil {
		return nil, nil, NewCertificateLoadError(r.certFile, r.keyFile, err)
	}
	report.File = r.certFile
	return &cert, report, nil
}

func (r *CertificateReloader) recordReload(ctx context.Context, success bool) {
	if r.metrics != nil {
		r.metrics.RecordCertificateReload(ctx, success)
	}
}

// Watch reloads on changes to either file until Close.
func (r *CertificateReloader) Watch() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return errors.New("certificate reloader already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Renewal tools replace files by rename, so directories are watched.
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.watcher = watcher
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.watchLoop(ctx, watcher, r.done)

	r.logger.Info("watching certificate files", "cert_file", r.certFile, "key_file", r.keyFile)
	return nil
}

func (r *CertificateReloader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != r.certFile && name != r.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(r.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := r.Reload(); err != nil {
					r.logger.Warn("certificate reload failed, keeping previous certificate", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("certificate watcher error", "error", err)
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (r *CertificateReloader) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher == nil {
		return nil
	}
	r.cancel()
	err := r.watcher.Close()
	<-r.done
	r.watcher = nil
	return err
}
