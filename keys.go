package cloak

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/cloak/audit"
	"southwinds.dev/cloak/internal/crypto"
	"southwinds.dev/cloak/internal/misc"
	"southwinds.dev/cloak/persist"
)

// KDFName identifies a supported key derivation function.
type KDFName string

const (
	KDFPBKDF2 KDFName = "pbkdf2"
	KDFScrypt KDFName = "scrypt"
	KDFArgon2 KDFName = "argon2id"
)

// defaultKDFSalt is used when the caller configures no salt. Changing it
// invalidates every key derived without an explicit salt.
const defaultKDFSalt = "southwinds.dev/cloak.v1"

// KDFConfig selects and parameterises the key derivation function used to
// mint versioned keys and nonce-derived codec keys. Derivation is
// deterministic: identical inputs always produce identical key bytes.
type KDFConfig struct {
	Name KDFName

	// Salt for the derivation. Empty means the package default salt.
	Salt []byte

	// Iterations applies to pbkdf2 only. Zero means the package default.
	Iterations int
}

// DefaultKDFConfig returns the default derivation setup:
// PBKDF2-HMAC-SHA-256 with the package salt and iteration count.
func DefaultKDFConfig() KDFConfig {
	return KDFConfig{
		Name:       KDFPBKDF2,
		Salt:       []byte(defaultKDFSalt),
		Iterations: misc.PBKDF2Iterations,
	}
}

// Validate rejects unsupported KDF names. Called at construction time so an
// unknown name never surfaces mid-derivation.
func (c KDFConfig) Validate() error {
	switch c.Name {
	case KDFPBKDF2, KDFScrypt, KDFArgon2, "":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKDF, c.Name)
	}
}

func (c KDFConfig) derive(password []byte, keyLen int) ([]byte, error) {
	salt := c.Salt
	if len(salt) == 0 {
		salt = []byte(defaultKDFSalt)
	}
	switch c.Name {
	case KDFScrypt:
		return crypto.DeriveScrypt(password, salt, keyLen)
	case KDFArgon2:
		return crypto.DeriveArgon2(password, salt, keyLen), nil
	case KDFPBKDF2, "":
		return crypto.DerivePBKDF2(password, salt, c.Iterations, keyLen), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKDF, c.Name)
	}
}

// deriveNonceKey derives a key for a detached encryption codec from the
// nonce alone.
func (c KDFConfig) deriveNonceKey(nonce int64, keyLen int) ([]byte, error) {
	return c.derive(strconv.AppendInt(nil, nonce, 10), keyLen)
}

// VersionedKey is one retained key together with its metadata. Key holds a
// copy of the key bytes; callers that are done with it should wipe it.
type VersionedKey struct {
	Version   uint32
	Key       []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
	Active    bool
}

// KeyManagerOptions configures a KeyManager. The zero value is usable: keys
// live in memory, rotation is off and derivation uses the default KDF.
type KeyManagerOptions struct {
	// RotationEnabled turns on time-driven rotation checks. When off,
	// RotateIfNeeded only ever mints the first key.
	RotationEnabled bool

	// RotationInterval is the age at which the current key is replaced.
	// Zero means 30 days.
	RotationInterval time.Duration

	// MaxOldKeys bounds how many superseded keys stay decodable alongside
	// the current one. Zero means 3. Older versions are pruned oldest-first.
	MaxOldKeys int

	// KeyLifetime, when non-zero, stamps every minted key with an expiry.
	// An expired current key is rotation-due regardless of interval.
	KeyLifetime time.Duration

	// KDF parameterises key derivation. Zero value means DefaultKDFConfig.
	KDF KDFConfig

	// Store persists key material across restarts. Nil means an in-memory
	// store.
	Store persist.Store

	// Audit receives key lifecycle events. Nil disables auditing.
	Audit audit.Logger

	// Clock drives rotation-due checks. Nil means the system clock.
	Clock Clock
}

// KeyManager owns the versioned key chain: it mints keys with monotonically
// increasing versions, keeps at most one active, retains a bounded window of
// superseded versions for decoding, and prunes beyond it oldest-first.
//
// Key bytes at rest live in memguard enclaves and in the configured persist
// store; accessors hand out copies. All mutating operations hold an exclusive
// lock, so rotation, generation and pruning are atomic with respect to
// concurrent readers.
type KeyManager struct {
	mu       sync.RWMutex
	opts     KeyManagerOptions
	enclaves map[uint32]*memguard.Enclave
	meta     map[uint32]persist.KeyMetadata
	current  uint32
	next     uint32
}

// NewKeyManager creates a key manager and loads any keys already present in
// the configured store, resuming the version sequence after the highest one.
func NewKeyManager(opts KeyManagerOptions) (*KeyManager, error) {
	if err := opts.KDF.Validate(); err != nil {
		return nil, err
	}
	if opts.KDF.Name == "" {
		opts.KDF = DefaultKDFConfig()
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = 30 * 24 * time.Hour
	}
	if opts.MaxOldKeys <= 0 {
		opts.MaxOldKeys = 3
	}
	if opts.Store == nil {
		opts.Store = persist.NewMemoryStore()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = NewSystemScheduler()
	}

	m := &KeyManager{
		opts:     opts,
		enclaves: make(map[uint32]*memguard.Enclave),
		meta:     make(map[uint32]persist.KeyMetadata),
		next:     1,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load restores the key chain from the persist store.
func (m *KeyManager) load() error {
	metas, err := m.opts.Store.ListKeys()
	if err != nil {
		return fmt.Errorf("failed to list persisted keys: %w", err)
	}

	for _, meta := range metas {
		loaded, keyData, err := m.opts.Store.LoadKey(meta.Version)
		if err != nil {
			return fmt.Errorf("failed to load key version %d: %w", meta.Version, err)
		}
		m.enclaves[loaded.Version] = memguard.NewEnclave(keyData)
		m.meta[loaded.Version] = loaded

		if loaded.Version >= m.next {
			m.next = loaded.Version + 1
		}
		if loaded.Active && loaded.Version > m.current {
			m.current = loaded.Version
		}
	}
	return nil
}

// CurrentKey returns a copy of the active, non-expired key with the highest
// version. The second return is false when no such key exists.
func (m *KeyManager) CurrentKey() (VersionedKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == 0 {
		return VersionedKey{}, false
	}
	meta := m.meta[m.current]
	if !meta.Active {
		return VersionedKey{}, false
	}
	if meta.ExpiresAt != nil && !m.opts.Clock.Now().Before(*meta.ExpiresAt) {
		return VersionedKey{}, false
	}
	return m.keyLocked(meta)
}

// KeyByVersion returns a copy of a retained key by version, active or not.
// Pruned and unknown versions return false.
func (m *KeyManager) KeyByVersion(version uint32) (VersionedKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.meta[version]
	if !ok {
		return VersionedKey{}, false
	}
	return m.keyLocked(meta)
}

func (m *KeyManager) keyLocked(meta persist.KeyMetadata) (VersionedKey, bool) {
	enclave, ok := m.enclaves[meta.Version]
	if !ok {
		return VersionedKey{}, false
	}
	buf, err := enclave.Open()
	if err != nil {
		return VersionedKey{}, false
	}
	defer buf.Destroy()

	key := make([]byte, len(buf.Bytes()))
	copy(key, buf.Bytes())
	return VersionedKey{
		Version:   meta.Version,
		Key:       key,
		CreatedAt: meta.CreatedAt,
		ExpiresAt: meta.ExpiresAt,
		Active:    meta.Active,
	}, true
}

// GenerateNewKey mints the next key version, derived from (nonce, version)
// via the configured KDF, activates it, deactivates the predecessor and
// prunes versions that fall outside the retention window. The returned copy
// belongs to the caller.
func (m *KeyManager) GenerateNewKey(nonce int64, keySizeBits int) (VersionedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateLocked(nonce, keySizeBits)
}

func (m *KeyManager) generateLocked(nonce int64, keySizeBits int) (VersionedKey, error) {
	if keySizeBits <= 0 {
		keySizeBits = misc.DefaultKeySizeBits
	}

	version := m.next
	password := []byte(fmt.Sprintf("%d:%d", nonce, version))
	key, err := m.opts.KDF.derive(password, keySizeBits/8)
	if err != nil {
		m.logAudit("key_generate", false, version, err)
		return VersionedKey{}, err
	}
	if crypto.IsWeakKey(key) {
		memguard.WipeBytes(key)
		m.logAudit("key_generate", false, version, nil)
		return VersionedKey{}, fmt.Errorf("derived key material for version %d failed the strength check", version)
	}

	now := m.opts.Clock.Now()
	var expires *time.Time
	if m.opts.KeyLifetime > 0 {
		t := now.Add(m.opts.KeyLifetime)
		expires = &t
	}
	meta := persist.KeyMetadata{
		Version:   version,
		CreatedAt: now,
		ExpiresAt: expires,
		Active:    true,
	}

	if err = m.opts.Store.SaveKey(meta, key); err != nil {
		memguard.WipeBytes(key)
		m.logAudit("key_generate", false, version, err)
		return VersionedKey{}, fmt.Errorf("failed to persist key version %d: %w", version, err)
	}

	if m.current != 0 {
		if err = m.deactivateLocked(m.current); err != nil {
			// Remove the just-saved record so the store never keeps two
			// active versions.
			if delErr := m.opts.Store.DeleteKey(version); delErr != nil && !persist.IsNotFound(delErr) {
				err = fmt.Errorf("%w (rollback of version %d also failed: %v)", err, version, delErr)
			}
			memguard.WipeBytes(key)
			m.logAudit("key_generate", false, version, err)
			return VersionedKey{}, err
		}
	}

	result := VersionedKey{
		Version:   version,
		Key:       append([]byte(nil), key...),
		CreatedAt: now,
		ExpiresAt: expires,
		Active:    true,
	}
	// NewEnclave wipes the source slice.
	m.enclaves[version] = memguard.NewEnclave(key)
	m.meta[version] = meta
	m.current = version
	m.next = version + 1

	m.pruneLocked()
	m.logAudit("key_generate", true, version, nil)
	return result, nil
}

// deactivateLocked clears the active flag of a retained version, in memory
// and in the store.
func (m *KeyManager) deactivateLocked(version uint32) error {
	meta, ok := m.meta[version]
	if !ok {
		return nil
	}
	meta.Active = false

	vk, found := m.keyLocked(meta)
	if !found {
		return fmt.Errorf("%w: version %d", ErrKeyVersionNotFound, version)
	}
	defer memguard.WipeBytes(vk.Key)

	if err := m.opts.Store.SaveKey(meta, vk.Key); err != nil {
		return fmt.Errorf("failed to deactivate key version %d: %w", version, err)
	}
	m.meta[version] = meta
	return nil
}

// pruneLocked evicts the oldest versions until at most MaxOldKeys superseded
// keys remain next to the current one.
func (m *KeyManager) pruneLocked() {
	limit := m.opts.MaxOldKeys + 1
	for len(m.meta) > limit {
		oldest := uint32(0)
		for v := range m.meta {
			if oldest == 0 || v < oldest {
				oldest = v
			}
		}
		delete(m.meta, oldest)
		delete(m.enclaves, oldest)
		if err := m.opts.Store.DeleteKey(oldest); err != nil && !persist.IsNotFound(err) {
			m.logAudit("key_prune", false, oldest, err)
			continue
		}
		m.logAudit("key_prune", true, oldest, nil)
	}
}

// RotateIfNeeded mints a new key when none exists yet (first activation) or
// when rotation is enabled and the current key is older than the rotation
// interval or past its own expiry. Returns whether a rotation happened.
// Calling it twice in a row performs at most one rotation.
func (m *KeyManager) RotateIfNeeded(nonce int64, keySizeBits int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == 0 {
		vk, err := m.generateLocked(nonce, keySizeBits)
		if err != nil {
			return false, err
		}
		memguard.WipeBytes(vk.Key)
		return true, nil
	}

	if !m.opts.RotationEnabled {
		return false, nil
	}

	meta := m.meta[m.current]
	now := m.opts.Clock.Now()
	due := now.Sub(meta.CreatedAt) >= m.opts.RotationInterval
	if !due && meta.ExpiresAt != nil && !now.Before(*meta.ExpiresAt) {
		due = true
	}
	if !due {
		return false, nil
	}

	vk, err := m.generateLocked(nonce, keySizeBits)
	if err != nil {
		return false, err
	}
	memguard.WipeBytes(vk.Key)
	return true, nil
}

// ActiveKeyVersion returns the current key version, or zero when none exists.
func (m *KeyManager) ActiveKeyVersion() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ListKeys returns metadata for all retained versions, ascending. Key bytes
// are not included.
func (m *KeyManager) ListKeys() []persist.KeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metas := make([]persist.KeyMetadata, 0, len(m.meta))
	for _, meta := range m.meta {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Version < metas[j].Version })
	return metas
}

// Close drops the in-memory key material and closes the persist store.
// Persisted keys survive; a new manager over the same store resumes the
// version sequence.
func (m *KeyManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enclaves = make(map[uint32]*memguard.Enclave)
	m.meta = make(map[uint32]persist.KeyMetadata)
	m.current = 0
	return m.opts.Store.Close()
}

func (m *KeyManager) logAudit(action string, success bool, version uint32, opErr error) {
	metadata := map[string]interface{}{
		"key_version": version,
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	_ = m.opts.Audit.Log(action, success, metadata)
}
