package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// IdentityMap resolves (source, handle) to a canonical person id. The map
// is maintained outside the core and consumed here as authoritative.
// Lookups read an immutable snapshot swapped atomically on reload, so the
// hot path takes no lock.
type IdentityMap struct {
	snapshot atomic.Pointer[identitySnapshot]

	mu      sync.Mutex
	path    string
	log     *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

type identitySnapshot struct {
	byHandle map[string]string
	people   []string
}

// identityFile is the on-disk YAML shape:
//
//	people:
//	  - id: alice
//	    handles:
//	      - source: github
//	        handle: alice-gh
type identityFile struct {
	People []struct {
		ID      string `yaml:"id"`
		Handles []struct {
			Source string `yaml:"source"`
			Handle string `yaml:"handle"`
		} `yaml:"handles"`
	} `yaml:"people"`
}

func handleKey(source, handle string) string {
	return source + "\x00" + handle
}

// NewIdentityMap creates an empty map. Resolve returns ok=false for every
// lookup until Load succeeds.
func NewIdentityMap(log *zap.Logger) *IdentityMap {
	if log == nil {
		log = zap.NewNop()
	}
	m := &IdentityMap{log: log}
	m.snapshot.Store(&identitySnapshot{byHandle: map[string]string{}})
	return m
}

// Load reads the YAML file at path and swaps in a fresh snapshot.
func (m *IdentityMap) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read identity map: %w", err)
	}
	var file identityFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse identity map: %w", err)
	}

	snap := &identitySnapshot{byHandle: make(map[string]string)}
	for _, p := range file.People {
		if p.ID == "" {
			continue
		}
		snap.people = append(snap.people, p.ID)
		for _, h := range p.Handles {
			if h.Source == "" || h.Handle == "" {
				continue
			}
			snap.byHandle[handleKey(h.Source, h.Handle)] = p.ID
		}
	}

	m.mu.Lock()
	m.path = path
	m.mu.Unlock()
	m.snapshot.Store(snap)
	m.log.Debug("identity map loaded",
		zap.String("path", path),
		zap.Int("people", len(snap.people)),
		zap.Int("handles", len(snap.byHandle)))
	return nil
}

// Resolve maps a platform-local handle to a canonical person id. ok=false
// means the handle is unmapped; the item stays usable but author-based
// rules must skip it.
func (m *IdentityMap) Resolve(source, handle string) (string, bool) {
	if handle == "" {
		return "", false
	}
	snap := m.snapshot.Load()
	id, ok := snap.byHandle[handleKey(source, handle)]
	return id, ok
}

// People returns the canonical person ids known to the map.
func (m *IdentityMap) People() []string {
	snap := m.snapshot.Load()
	out := make([]string, len(snap.people))
	copy(out, snap.people)
	return out
}

// Watch starts a background reload of the identity file on change. Edits
// are debounced so editors that write in bursts trigger one reload. Call
// Stop to shut the watcher down.
func (m *IdentityMap) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.path == "" {
		return fmt.Errorf("identity map: Watch before Load")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("identity map watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename
	// and a file watch dies with the old inode.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("identity map watch %s: %w", filepath.Dir(m.path), err)
	}

	m.watcher = w
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.running = true
	go m.run()
	return nil
}

// Stop shuts down the watcher and waits for the event loop to exit.
func (m *IdentityMap) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	if err := m.watcher.Close(); err != nil {
		m.log.Warn("identity map watcher close", zap.Error(err))
	}
}

func (m *IdentityMap) run() {
	defer close(m.doneCh)

	const debounce = 250 * time.Millisecond
	var pending time.Time
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	target := filepath.Clean(m.path)
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("identity map watcher", zap.Error(err))
		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < debounce {
				continue
			}
			pending = time.Time{}
			if err := m.Load(target); err != nil {
				// Keep serving the previous snapshot on a bad write.
				m.log.Warn("identity map reload failed", zap.Error(err))
			} else {
				m.log.Info("identity map reloaded", zap.String("path", target))
			}
		}
	}
}
