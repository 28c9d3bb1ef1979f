package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const seedDebounce = 100 * time.Millisecond

// SeedProvider watches a seed file and publishes every version that parses.
type SeedProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	seed        *Seed
	subscribers []chan *Seed
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewSeedProvider loads path and starts watching its directory; editors
// often replace files by renaming a temporary one over them.
func NewSeedProvider(path string, logger *slog.Logger) (*SeedProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &SeedProvider{path: absPath, logger: logger}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the last seed that parsed.
func (p *SeedProvider) Current() *Seed {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seed
}

// Subscribe returns a channel receiving each reloaded seed. Slow readers
// miss intermediate versions.
func (p *SeedProvider) Subscribe() <-chan *Seed {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Seed, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops watching and closes the subscriber channels.
func (p *SeedProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *SeedProvider) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
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
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(seedDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.load(); err != nil {
					p.logger.Warn("seed reload failed", "path", p.path, "error", err)
					return
				}
				p.publish()
				p.logger.Info("seed reloaded", "path", p.path)
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("seed watcher error", "error", err)
		}
	}
}

func (p *SeedProvider) load() error {
	seed, err := LoadSeed(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.seed = seed
	p.mu.Unlock()
	return nil
}

func (p *SeedProvider) publish() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p.seed:
		default:
		}
	}
}
