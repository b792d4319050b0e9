package cache

import (
	"fmt"
	"os"
	"sync"

	"github.com/veloframe/velo/internal/hash"
)

// FileHasher computes source hashes with a two-tier lookup: a stat-based
// metadata key (path, mtime, size) memoizes the content hash so unchanged
// files are never re-read.
type FileHasher struct {
	mu   sync.RWMutex
	memo map[string]string
}

// NewFileHasher creates an empty file hasher.
func NewFileHasher() *FileHasher {
	return &FileHasher{memo: make(map[string]string)}
}

// Hash returns the content hash of the file at path.
func (h *FileHasher) Hash(path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s:%d:%d", path, stat.ModTime().UnixNano(), stat.Size())

	h.mu.RLock()
	cached, ok := h.memo[key]
	h.mu.RUnlock()
	if ok {
		return cached, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := hash.Bytes(content)

	h.mu.Lock()
	h.memo[key] = sum
	h.mu.Unlock()
	return sum, nil
}

// HashAndRead returns both the content hash and the raw bytes, sharing the
// single read with the memo.
func (h *FileHasher) HashAndRead(path string) (string, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	sum := hash.Bytes(content)

	if stat, err := os.Stat(path); err == nil {
		key := fmt.Sprintf("%s:%d:%d", path, stat.ModTime().UnixNano(), stat.Size())
		h.mu.Lock()
		h.memo[key] = sum
		h.mu.Unlock()
	}
	return sum, content, nil
}
