package persist

import (
	"sort"
	"sync"
)

// MemoryStore is the in-process default key store. Key material never leaves
// process memory; it is lost when the process exits.
type MemoryStore struct {
	mu   sync.RWMutex
	meta map[uint32]KeyMetadata
	keys map[uint32][]byte
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta: make(map[uint32]KeyMetadata),
		keys: make(map[uint32][]byte),
	}
}

func (ms *MemoryStore) SaveKey(meta KeyMetadata, keyData []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	// Copy so callers cannot mutate stored key material afterwards
	data := make([]byte, len(keyData))
	copy(data, keyData)

	ms.meta[meta.Version] = meta
	ms.keys[meta.Version] = data
	return nil
}

func (ms *MemoryStore) LoadKey(version uint32) (KeyMetadata, []byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	meta, exists := ms.meta[version]
	if !exists {
		return KeyMetadata{}, nil, NotFoundError{Version: version}
	}

	data := make([]byte, len(ms.keys[version]))
	copy(data, ms.keys[version])
	return meta, data, nil
}

func (ms *MemoryStore) DeleteKey(version uint32) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.meta[version]; !exists {
		return NotFoundError{Version: version}
	}

	// Wipe before dropping the reference
	for i := range ms.keys[version] {
		ms.keys[version][i] = 0
	}
	delete(ms.keys, version)
	delete(ms.meta, version)
	return nil
}

func (ms *MemoryStore) ListKeys() ([]KeyMetadata, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	list := make([]KeyMetadata, 0, len(ms.meta))
	for _, meta := range ms.meta {
		list = append(list, meta)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

func (ms *MemoryStore) Ping() error {
	return nil
}

func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for version := range ms.keys {
		for i := range ms.keys[version] {
			ms.keys[version][i] = 0
		}
	}
	ms.keys = make(map[uint32][]byte)
	ms.meta = make(map[uint32]KeyMetadata)
	return nil
}

func (ms *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}
