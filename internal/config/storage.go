package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	FileBackendLocal = "local"
	FileBackendS3    = "s3"
)

// StorageConfig selects where sessions and rules are persisted.
type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" yaml:"backend" default:"file"` // "file", "sqlite" or "postgres"

	// File backend
	FileBackend string `env:"STORAGE_FILE_BACKEND" yaml:"file_backend" default:"local"` // "local" or "s3"
	LocalDir    string `env:"STORAGE_LOCAL_DIR" yaml:"local_dir" default:"./data"`
	S3Bucket    string `env:"STORAGE_S3_BUCKET" yaml:"s3_bucket"`
	S3Prefix    string `env:"STORAGE_S3_PREFIX" yaml:"s3_prefix"`
	S3Region    string `env:"STORAGE_S3_REGION" yaml:"s3_region"`

	// SQLite backend
	SQLitePath string `env:"SQLITE_PATH" yaml:"sqlite_path" default:"./data/telefeed.db"`
}

func (s StorageConfig) Validate() error {
	var result error
	switch s.Backend {
	case BackendFile:
		switch s.FileBackend {
		case FileBackendLocal:
			if s.LocalDir == "" {
				result = multierror.Append(result, fmt.Errorf("storage local_dir is required for the local file backend"))
			}
		case FileBackendS3:
			if s.S3Bucket == "" {
				result = multierror.Append(result, fmt.Errorf("storage s3_bucket is required for the s3 file backend"))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("storage file_backend must be local or s3, got %q", s.FileBackend))
		}
	case BackendSQLite:
		if s.SQLitePath == "" {
			result = multierror.Append(result, fmt.Errorf("sqlite_path is required for the sqlite backend"))
		}
	case BackendPostgres:
	default:
		result = multierror.Append(result, fmt.Errorf("storage backend must be one of [file, sqlite, postgres], got %q", s.Backend))
	}
	return result
}
