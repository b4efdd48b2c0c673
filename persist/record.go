package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"southwinds.dev/cloak/internal/crypto"
)

// keyRecord is the serialized record shape shared by the filesystem and S3
// backends. When a passphrase is configured the key material is encrypted
// with PBKDF2 + ChaCha20-Poly1305 before it is serialized; the checksum
// covers the bytes as stored, so corruption is detected before decryption.
type keyRecord struct {
	Metadata  KeyMetadata `json:"metadata"`
	KeyData   string      `json:"key_data"` // base64, optionally encrypted
	Encrypted bool        `json:"encrypted"`
	Checksum  string      `json:"checksum"`
}

func encodeKeyRecord(meta KeyMetadata, keyData []byte, passphrase string) ([]byte, error) {
	data := keyData
	encrypted := false
	if passphrase != "" {
		var err error
		data, err = crypto.EncryptWithPassphrase(keyData, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt key material: %w", err)
		}
		encrypted = true
	}

	record := keyRecord{
		Metadata:  meta,
		KeyData:   base64.StdEncoding.EncodeToString(data),
		Encrypted: encrypted,
		Checksum:  crypto.CalculateChecksum(data),
	}

	recordJSON, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key record: %w", err)
	}
	return recordJSON, nil
}

func decodeKeyRecord(recordJSON []byte, passphrase string) (KeyMetadata, []byte, error) {
	var record keyRecord
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("failed to parse key record: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(record.KeyData)
	if err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("failed to decode key material: %w", err)
	}

	if record.Checksum != "" && crypto.CalculateChecksum(data) != record.Checksum {
		return KeyMetadata{}, nil, fmt.Errorf("key record failed checksum validation")
	}

	if record.Encrypted {
		if passphrase == "" {
			return KeyMetadata{}, nil, fmt.Errorf("key material is encrypted but no passphrase is configured")
		}
		data, err = crypto.DecryptWithPassphrase(data, passphrase)
		if err != nil {
			return KeyMetadata{}, nil, fmt.Errorf("failed to decrypt key material: %w", err)
		}
	}

	return record.Metadata, data, nil
}

// decodeKeyRecordMetadata parses the metadata only, leaving the key material
// untouched. Used by list operations, which must work without the passphrase.
func decodeKeyRecordMetadata(recordJSON []byte) (KeyMetadata, error) {
	var record keyRecord
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return KeyMetadata{}, fmt.Errorf("failed to parse key record: %w", err)
	}
	return record.Metadata, nil
}
