package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"southwinds.dev/cloak/internal/misc"
)

// FileSystemStore persists key versions as JSON files under a base directory:
//
//	basePath/
//	├── key_000001.json
//	├── key_000002.json
//	└── ...
//
// When a passphrase is configured, key material is encrypted at rest with
// PBKDF2 + ChaCha20-Poly1305 before it touches the disk.
type FileSystemStore struct {
	basePath   string
	passphrase string
	mu         sync.RWMutex
}

// FileSystemConfig holds configuration for the file system backend.
type FileSystemConfig struct {
	Path       string `json:"path"`
	Passphrase string `json:"passphrase,omitempty"`
}

// NewFileSystemStore creates a file-backed key store rooted at config.Path.
func NewFileSystemStore(config FileSystemConfig) (*FileSystemStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for filesystem store")
	}

	if err := os.MkdirAll(config.Path, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	return &FileSystemStore{
		basePath:   config.Path,
		passphrase: config.Passphrase,
	}, nil
}

func (fs *FileSystemStore) keyPath(version uint32) string {
	return filepath.Join(fs.basePath, fmt.Sprintf("key_%06d.json", version))
}

func (fs *FileSystemStore) SaveKey(meta KeyMetadata, keyData []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	recordJSON, err := encodeKeyRecord(meta, keyData, fs.passphrase)
	if err != nil {
		return err
	}

	// Write to a temp file then rename for an atomic replace
	path := fs.keyPath(meta.Version)
	tmpPath := path + ".tmp"
	if err = os.WriteFile(tmpPath, recordJSON, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit key file: %w", err)
	}

	return nil
}

func (fs *FileSystemStore) LoadKey(version uint32) (KeyMetadata, []byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	recordJSON, err := os.ReadFile(fs.keyPath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return KeyMetadata{}, nil, NotFoundError{Version: version}
		}
		return KeyMetadata{}, nil, fmt.Errorf("failed to read key file: %w", err)
	}

	meta, data, err := decodeKeyRecord(recordJSON, fs.passphrase)
	if err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("key version %d: %w", version, err)
	}
	return meta, data, nil
}

func (fs *FileSystemStore) DeleteKey(version uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.Remove(fs.keyPath(version))
	if os.IsNotExist(err) {
		return NotFoundError{Version: version}
	}
	if err != nil {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) ListKeys() ([]KeyMetadata, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key store directory: %w", err)
	}

	var list []KeyMetadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "key_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		recordJSON, err := os.ReadFile(filepath.Join(fs.basePath, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", name, err)
		}

		meta, err := decodeKeyRecordMetadata(recordJSON)
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", name, err)
		}
		list = append(list, meta)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("key store directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("key store path %s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}
