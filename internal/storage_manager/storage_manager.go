package storage_manager //nolint:revive // var-naming: using underscores for domain clarity

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BackendType represents the type of storage backend.
type BackendType string

const (
	// BackendLocal uses the local filesystem for storage.
	BackendLocal BackendType = "local"
	// BackendS3 uses AWS S3 for storage.
	BackendS3 BackendType = "s3"
)

// Config holds the configuration for the StorageManager.
type Config struct {
	Backend     BackendType
	LocalConfig *LocalConfig
	S3Config    *S3Config
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	BaseDir string
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Bucket string
	Prefix string
	Client *s3.Client
}

// StorageManager hands out namespace-scoped providers over one backend.
type StorageManager struct {
	backend  BackendType
	provider FileProvider
}

// New creates a new StorageManager with the given configuration.
func New(config Config) (*StorageManager, error) {
	var provider FileProvider

	switch config.Backend {
	case BackendLocal:
		if config.LocalConfig == nil || config.LocalConfig.BaseDir == "" {
			return nil, fmt.Errorf("base directory is required for local backend")
		}
		provider = NewLocalFileProvider(config.LocalConfig.BaseDir)

	case BackendS3:
		if config.S3Config == nil || config.S3Config.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for s3 backend")
		}
		if config.S3Config.Client == nil {
			return nil, fmt.Errorf("s3 client is required for s3 backend")
		}
		provider = NewS3FileProvider(config.S3Config.Bucket, config.S3Config.Prefix, NewAWSS3Client(config.S3Config.Client))

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Backend)
	}

	return &StorageManager{backend: config.Backend, provider: provider}, nil
}

// NewWithProvider wraps a custom FileProvider.
func NewWithProvider(backend BackendType, provider FileProvider) *StorageManager {
	return &StorageManager{backend: backend, provider: provider}
}

// GetProvider returns a provider scoped to namespace, e.g. "state".
func (m *StorageManager) GetProvider(namespace string) FileProvider {
	if namespace == "" {
		return m.provider
	}
	return NewPrefixedFileProvider(m.provider, namespace)
}

// Backend returns the configured backend type.
func (m *StorageManager) Backend() BackendType {
	return m.backend
}
