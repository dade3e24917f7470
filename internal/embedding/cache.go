package embedding

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"corr/internal/evidence"
)

// Cache stores embedding vectors addressed by evidence fingerprint and model
// identity. Entries live in memory and, when a directory is configured, as
// little-endian float32 blobs on disk so repeated runs over the same window
// embed nothing twice. An item edited at the source changes its fingerprint
// and therefore misses, which is the invalidation strategy: stale vectors are
// never overwritten, only orphaned.
type Cache struct {
	dir string

	mu  sync.RWMutex
	mem map[string][]float32
}

// NewCache creates a cache rooted at dir. An empty dir keeps the cache
// memory-only.
func NewCache(dir string) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &Cache{
		dir: dir,
		mem: make(map[string][]float32),
	}, nil
}

// ModelID derives the stable 64-bit identity of a provider name. Embeddings
// from different models never satisfy each other's lookups.
func ModelID(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// Key returns the logical cache key for an item under a model.
func Key(fp evidence.Fingerprint, modelID uint64) string {
	return fmt.Sprintf("%016x:%016x", uint64(fp), modelID)
}

// Get returns the cached vector for the item under the model, if present.
// The returned slice is the caller's to keep.
func (c *Cache) Get(fp evidence.Fingerprint, modelID uint64) ([]float32, bool) {
	key := Key(fp, modelID)

	c.mu.RLock()
	vec, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return append([]float32(nil), vec...), true
	}
	if c.dir == "" {
		return nil, false
	}

	data, err := os.ReadFile(c.blobPath(key))
	if err != nil {
		return nil, false
	}
	vec, err = decodeVector(data)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()
	return append([]float32(nil), vec...), true
}

// Put stores a vector for the item under the model. Disk persistence is
// best-effort in the sense that an error leaves the in-memory entry intact,
// but the error is still reported so callers can log it.
func (c *Cache) Put(fp evidence.Fingerprint, modelID uint64, vec []float32) error {
	key := Key(fp, modelID)
	stored := append([]float32(nil), vec...)

	c.mu.Lock()
	c.mem[key] = stored
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	return c.writeBlob(key, stored)
}

// Len reports the number of vectors currently held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}

// blobPath maps a logical key to a file path. The colon is replaced because
// it is not portable in file names.
func (c *Cache) blobPath(key string) string {
	return filepath.Join(c.dir, strings.ReplaceAll(key, ":", "-")+".vec")
}

// writeBlob persists via a temp file and rename so a crashed run never
// leaves a truncated blob behind.
func (c *Cache) writeBlob(key string, vec []float32) error {
	tmp, err := os.CreateTemp(c.dir, "vec-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(encodeVector(vec)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.blobPath(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob: %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
