package persist

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testMeta(version uint32, active bool) KeyMetadata {
	return KeyMetadata{
		Version:   version,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(version) * time.Hour),
		Active:    active,
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()

	keyData := []byte("0123456789abcdef0123456789abcdef")

	if err := store.SaveKey(testMeta(1, false), keyData); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	if err := store.SaveKey(testMeta(3, true), keyData); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	if err := store.SaveKey(testMeta(2, false), keyData); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	meta, loaded, err := store.LoadKey(2)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	if meta.Version != 2 {
		t.Errorf("Loaded version %d, want 2", meta.Version)
	}
	if !bytes.Equal(loaded, keyData) {
		t.Error("Loaded key bytes differ from saved ones")
	}

	// ListKeys is ascending regardless of save order.
	list, err := store.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListKeys returned %d entries, want 3", len(list))
	}
	for i, want := range []uint32{1, 2, 3} {
		if list[i].Version != want {
			t.Errorf("ListKeys[%d].Version = %d, want %d", i, list[i].Version, want)
		}
	}

	// Save overwrites an existing version.
	updated := testMeta(3, false)
	if err = store.SaveKey(updated, keyData); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	meta, _, err = store.LoadKey(3)
	if err != nil {
		t.Fatalf("LoadKey after overwrite failed: %v", err)
	}
	if meta.Active {
		t.Error("Overwritten metadata still active")
	}

	if err = store.DeleteKey(1); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if _, _, err = store.LoadKey(1); !IsNotFound(err) {
		t.Errorf("LoadKey of deleted version: expected not-found, got %v", err)
	}
	if err = store.DeleteKey(1); !IsNotFound(err) {
		t.Errorf("Double delete: expected not-found, got %v", err)
	}
	if _, _, err = store.LoadKey(99); !IsNotFound(err) {
		t.Errorf("LoadKey of unknown version: expected not-found, got %v", err)
	}

	if err = store.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	exerciseStore(t, store)
	if store.GetType() != string(StoreTypeMemory) {
		t.Errorf("GetType = %s", store.GetType())
	}
}

func TestMemoryStoreCopiesKeyData(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	keyData := []byte("mutable-key-material-0123456789a")
	if err := store.SaveKey(testMeta(1, true), keyData); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	keyData[0] = 'X'

	_, loaded, err := store.LoadKey(1)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	if loaded[0] == 'X' {
		t.Error("Store aliased the caller's key slice")
	}

	loaded[1] = 'Y'
	_, again, err := store.LoadKey(1)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	if again[1] == 'Y' {
		t.Error("Store handed out an aliased copy")
	}
}

func TestFileSystemStore(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "cloak_fs_store_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	store, err := NewFileSystemStore(FileSystemConfig{Path: tempDir})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestFileSystemStoreEncryptsAtRest(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "cloak_fs_enc_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	store, err := NewFileSystemStore(FileSystemConfig{
		Path:       tempDir,
		Passphrase: "at-rest-passphrase",
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	keyData := []byte("plaintext-key-material-789abcdef")
	if err = store.SaveKey(testMeta(1, true), keyData); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	// The raw file must not contain the key bytes.
	raw, err := os.ReadFile(filepath.Join(tempDir, "key_000001.json"))
	if err != nil {
		t.Fatalf("Failed to read key file: %v", err)
	}
	var record struct {
		KeyData   string `json:"key_data"`
		Encrypted bool   `json:"encrypted"`
	}
	if err = json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("Failed to parse key file: %v", err)
	}
	if !record.Encrypted {
		t.Error("Key file not marked encrypted")
	}
	if bytes.Contains(raw, keyData) {
		t.Error("Key file contains plaintext key material")
	}

	_, loaded, err := store.LoadKey(1)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	if !bytes.Equal(loaded, keyData) {
		t.Error("Decrypted key differs from the original")
	}

	// A store without the passphrase refuses to hand out the key.
	bare, err := NewFileSystemStore(FileSystemConfig{Path: tempDir})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, _, err = bare.LoadKey(1); err == nil {
		t.Error("Encrypted key loaded without a passphrase")
	}
}

func TestFileSystemStoreChecksumValidation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "cloak_fs_checksum_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	store, err := NewFileSystemStore(FileSystemConfig{Path: tempDir})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err = store.SaveKey(testMeta(1, true), []byte("abcdefghijklmnopqrstuvwxyz012345")); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	// Corrupt the stored key material behind the store's back.
	path := filepath.Join(tempDir, "key_000001.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read key file: %v", err)
	}
	var record map[string]interface{}
	if err = json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("Failed to parse key file: %v", err)
	}
	record["key_data"] = "Y29ycnVwdGVkLWtleS1tYXRlcmlhbA=="
	corrupted, _ := json.Marshal(record)
	if err = os.WriteFile(path, corrupted, 0600); err != nil {
		t.Fatalf("Failed to write corrupted file: %v", err)
	}

	if _, _, err = store.LoadKey(1); err == nil {
		t.Error("Corrupted key file loaded without a checksum error")
	}
}

func TestKeyRecordEncryptsAtRest(t *testing.T) {
	keyData := []byte("raw-key-material-0123456789abcde")

	recordJSON, err := encodeKeyRecord(testMeta(7, true), keyData, "bucket-passphrase")
	if err != nil {
		t.Fatalf("encodeKeyRecord failed: %v", err)
	}
	if bytes.Contains(recordJSON, keyData) {
		t.Error("Encoded record contains plaintext key material")
	}
	if bytes.Contains(recordJSON, []byte(base64.StdEncoding.EncodeToString(keyData))) {
		t.Error("Encoded record contains base64 of the plaintext key material")
	}

	meta, decoded, err := decodeKeyRecord(recordJSON, "bucket-passphrase")
	if err != nil {
		t.Fatalf("decodeKeyRecord failed: %v", err)
	}
	if meta.Version != 7 {
		t.Errorf("Decoded version %d, want 7", meta.Version)
	}
	if !bytes.Equal(decoded, keyData) {
		t.Error("Round trip changed the key material")
	}

	if _, _, err = decodeKeyRecord(recordJSON, ""); err == nil {
		t.Error("Encrypted record decoded without a passphrase")
	}
	if _, _, err = decodeKeyRecord(recordJSON, "wrong"); err == nil {
		t.Error("Encrypted record decoded with the wrong passphrase")
	}

	// Without a passphrase the record is stored plain, flagged as such.
	plainJSON, err := encodeKeyRecord(testMeta(8, false), keyData, "")
	if err != nil {
		t.Fatalf("encodeKeyRecord failed: %v", err)
	}
	_, decoded, err = decodeKeyRecord(plainJSON, "")
	if err != nil {
		t.Fatalf("decodeKeyRecord failed: %v", err)
	}
	if !bytes.Equal(decoded, keyData) {
		t.Error("Plain round trip changed the key material")
	}
}

func TestNewStoreFactory(t *testing.T) {
	store, err := NewStore(StoreConfig{})
	if err != nil {
		t.Fatalf("Default store config failed: %v", err)
	}
	if store.GetType() != string(StoreTypeMemory) {
		t.Errorf("Default store type = %s, want memory", store.GetType())
	}

	tempDir, err := os.MkdirTemp("", "cloak_factory_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	store, err = NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"path": tempDir},
	})
	if err != nil {
		t.Fatalf("Filesystem store config failed: %v", err)
	}
	if store.GetType() != string(StoreTypeFileSystem) {
		t.Errorf("Store type = %s, want filesystem", store.GetType())
	}

	if _, err = NewStore(StoreConfig{Type: "etcd"}); err == nil {
		t.Error("Unknown store type accepted")
	}
	if _, err = NewStore(StoreConfig{Type: StoreTypeFileSystem}); err == nil {
		t.Error("Filesystem store without a path accepted")
	}
}
