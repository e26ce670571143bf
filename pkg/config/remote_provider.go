package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-s2s/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// RemoteServerProvider publishes the remote-server list held in a YAML (or
// JSON) file and republishes it whenever the file changes.
type RemoteServerProvider struct {
	path        string
	debounce    time.Duration
	logger      *slog.Logger
	mu          sync.RWMutex
	current     domain.RemoteServerSet
	subscribers []chan domain.RemoteServerSet
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRemoteServerProvider loads path and starts watching it. The initial
// load must succeed; later parse failures keep the last good list.
func NewRemoteServerProvider(path string, logger *slog.Logger) (*RemoteServerProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &RemoteServerProvider{
		path:     absPath,
		debounce: defaultDebounce,
		logger:   logger.With("component", "remote_server_provider", "path", absPath),
		done:     make(chan struct{}),
	}

	set, err := p.read()
	if err != nil {
		return nil, err
	}
	p.current = set

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last successfully loaded list.
func (p *RemoteServerProvider) Current() domain.RemoteServerSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives every reloaded list. Slow
// consumers miss intermediate versions but always see the latest.
func (p *RemoteServerProvider) Subscribe() <-chan domain.RemoteServerSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.RemoteServerSet, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *RemoteServerProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *RemoteServerProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

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
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				p.reload()
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watcher error", "error", err)
		}
	}
}

func (p *RemoteServerProvider) reload() {
	set, err := p.read()
	if err != nil {
		p.logger.Warn("remote server reload failed, keeping previous list", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = set
	for _, ch := range p.subscribers {
		// Replace a stale pending value so the newest list wins.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- set:
		default:
		}
	}
	p.logger.Info("remote server list reloaded", "servers", len(set.Servers))
}

func (p *RemoteServerProvider) read() (domain.RemoteServerSet, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return domain.RemoteServerSet{}, fmt.Errorf("read remote server file: %w", err)
	}

	var set domain.RemoteServerSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		if jsonErr := json.Unmarshal(data, &set); jsonErr != nil {
			return domain.RemoteServerSet{}, fmt.Errorf("failed to parse remote server file: %w", err)
		}
	}
	if err := ValidateRemoteServerSet(set); err != nil {
		return domain.RemoteServerSet{}, err
	}
	return set, nil
}
