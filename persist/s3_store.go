package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/cloak/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Config holds connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	Passphrase      string `json:"passphrase,omitempty"`
}

// S3Store implements the Store interface against an S3-compatible object store.
//
// Object layout:
//
//	bucket/
//	└── [keyPrefix/]keys/
//	    ├── key_000001.json
//	    ├── key_000002.json
//	    └── ...
//
// Each object carries the same JSON record shape as the file system backend.
// When a passphrase is configured, key material is encrypted at rest with
// PBKDF2 + ChaCha20-Poly1305 before it reaches the bucket.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	passphrase string
}

// NewS3Store initializes an S3Store and verifies the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		passphrase: config.Passphrase,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", config.Bucket)
	}

	return store, nil
}

func (s3s *S3Store) objectName(version uint32) string {
	name := fmt.Sprintf("keys/key_%06d.json", version)
	if s3s.keyPrefix != "" {
		return s3s.keyPrefix + "/" + name
	}
	return name
}

func (s3s *S3Store) SaveKey(meta KeyMetadata, keyData []byte) error {
	recordJSON, err := encodeKeyRecord(meta, keyData, s3s.passphrase)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err = s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		s3s.objectName(meta.Version),
		bytes.NewReader(recordJSON),
		int64(len(recordJSON)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("failed to store key version %d: %w", meta.Version, err)
	}

	return nil
}

func (s3s *S3Store) LoadKey(version uint32) (KeyMetadata, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectName(version), minio.GetObjectOptions{})
	if err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("failed to get key version %d: %w", version, err)
	}
	defer object.Close()

	recordJSON, err := io.ReadAll(object)
	if err != nil {
		// Some S3-compatible stores report absence with a non-standard error.
		if minio.ToErrorResponse(err).Code == "NoSuchKey" || misc.IsNotFoundError(err) {
			return KeyMetadata{}, nil, NotFoundError{Version: version}
		}
		return KeyMetadata{}, nil, fmt.Errorf("failed to read key version %d: %w", version, err)
	}

	meta, data, err := decodeKeyRecord(recordJSON, s3s.passphrase)
	if err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("key version %d: %w", version, err)
	}
	return meta, data, nil
}

func (s3s *S3Store) DeleteKey(version uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	// RemoveObject does not fail on absent objects, so check first
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.objectName(version), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" || misc.IsNotFoundError(err) {
			return NotFoundError{Version: version}
		}
		return fmt.Errorf("failed to stat key version %d: %w", version, err)
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.objectName(version), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete key version %d: %w", version, err)
	}
	return nil
}

func (s3s *S3Store) ListKeys() ([]KeyMetadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := "keys/"
	if s3s.keyPrefix != "" {
		prefix = s3s.keyPrefix + "/keys/"
	}

	var list []KeyMetadata
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list keys: %w", object.Err)
		}

		obj, err := s3s.client.GetObject(ctx, s3s.bucketName, object.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get key object %s: %w", object.Key, err)
		}

		recordJSON, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read key object %s: %w", object.Key, err)
		}

		meta, err := decodeKeyRecordMetadata(recordJSON)
		if err != nil {
			return nil, fmt.Errorf("key object %s: %w", object.Key, err)
		}
		list = append(list, meta)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to reach object store: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}
