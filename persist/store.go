package persist

import (
	"fmt"
	"time"
)

// KeyMetadata describes one stored key version without exposing key material.
type KeyMetadata struct {
	// Version is the monotonically increasing key version, starting at 1.
	Version uint32 `json:"version"`

	// CreatedAt records when the key version was minted (UTC).
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt optionally bounds the key's usable lifetime.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Active indicates whether this version is the one used for new encode
	// operations. At most one stored version is active at a time.
	Active bool `json:"active"`
}

// Store defines the interface for persisting versioned key material.
// Key bytes passed to this interface are assumed to be encrypted (or otherwise
// protected) by the caller when the backend is not trusted; the in-memory
// backend is the in-process default. Hardware-backed or remote key services
// satisfy the same shape.
type Store interface {

	// SaveKey stores key material for a version together with its metadata,
	// overwriting any existing record for the same version.
	SaveKey(meta KeyMetadata, keyData []byte) error

	// LoadKey retrieves the metadata and key material for a version.
	// Returns a NotFoundError if the version is not present.
	LoadKey(version uint32) (KeyMetadata, []byte, error)

	// DeleteKey removes a key version. Deleting an absent version is an error.
	DeleteKey(version uint32) error

	// ListKeys returns metadata for every stored version, ordered by
	// ascending version number.
	ListKeys() ([]KeyMetadata, error)

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// NotFoundError indicates the requested key version is not in the store.
type NotFoundError struct {
	Version uint32
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("key version %d not found", e.Version)
}

// IsNotFound reports whether err indicates a missing key version.
func IsNotFound(err error) bool {
	_, ok := err.(NotFoundError)
	return ok
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"path": "/data/keys"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen storage
	// backend. The actual keys and values depend on the backend in use; for
	// StoreTypeS3 this includes keys like "bucket" and "endpoint".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeMemory keeps keys in process memory only. This is the default
	// and the only backend with no at-rest footprint.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeFileSystem persists keys to the local file system.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 persists keys to an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)
