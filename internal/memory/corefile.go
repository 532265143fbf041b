package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CoreMemoryMaxChars caps the core working memory injected into prompts.
const CoreMemoryMaxChars = 4000

const defaultCoreMemory = `# Core Working Memory

Notes kept in mind on every request. Edit freely; changes are picked up
live without restarting the daemon.
`

// CoreMemory is the small human-editable text block injected into every
// system prompt. The backing file is watched and edits apply live.
type CoreMemory struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	content string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// EnsureFile creates path with the default template when missing. Safe to
// call repeatedly; existing content is never touched.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat core memory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultCoreMemory), 0o644); err != nil {
		return fmt.Errorf("write core memory: %w", err)
	}
	return nil
}

// OpenCoreMemory ensures the file exists, loads it, and starts watching
// for edits. Watching the parent directory survives editors that replace
// the file by rename.
func OpenCoreMemory(path string, logger *slog.Logger) (*CoreMemory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := EnsureFile(path); err != nil {
		return nil, err
	}

	c := &CoreMemory{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch core memory: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch state dir: %w", err)
	}
	c.watcher = watcher

	c.wg.Add(1)
	go c.watchLoop()

	return c, nil
}

// Content returns the current core memory text, capped.
func (c *CoreMemory) Content() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.content
}

// Path returns the backing file location.
func (c *CoreMemory) Path() string {
	return c.path
}

// Update rewrites the file and the in-memory copy.
func (c *CoreMemory) Update(content string) error {
	content = capContent(content)
	if err := os.WriteFile(c.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write core memory: %w", err)
	}
	c.mu.Lock()
	c.content = content
	c.mu.Unlock()
	return nil
}

func (c *CoreMemory) Close() error {
	close(c.done)
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.wg.Wait()
	return err
}

func (c *CoreMemory) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read core memory: %w", err)
	}
	c.mu.Lock()
	c.content = capContent(string(data))
	c.mu.Unlock()
	return nil
}

func (c *CoreMemory) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(c.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if err := c.reload(); err != nil {
					c.logger.Warn("corememory.reload_failed", "error", err)
					continue
				}
				c.logger.Info("corememory.reloaded", "path", c.path)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("corememory.watch_error", "error", err)
		case <-c.done:
			return
		}
	}
}

func capContent(content string) string {
	if len(content) <= CoreMemoryMaxChars {
		return content
	}
	return content[:CoreMemoryMaxChars]
}
