package persist

import (
	"encoding/json"
	"fmt"
)

// NewStore creates a key store from a StoreConfig.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		var fsConfig FileSystemConfig
		if err := decodeConfig(config.Config, &fsConfig); err != nil {
			return nil, fmt.Errorf("invalid filesystem store config: %w", err)
		}
		return NewFileSystemStore(fsConfig)

	case StoreTypeS3:
		var s3Config S3Config
		if err := decodeConfig(config.Config, &s3Config); err != nil {
			return nil, fmt.Errorf("invalid s3 store config: %w", err)
		}
		return NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}

// decodeConfig converts a generic config map into a backend-specific struct
func decodeConfig(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}
