// Package storage_manager provides the blob storage used by the document store:
// local filesystem or S3, with prefix-scoped views so several components can
// share one backend.
package storage_manager //nolint:revive // var-naming: using underscores for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider defines the interface for file storage operations.
type FileProvider interface {
	// Read reads the entire content of a file
	Read(ctx context.Context, path string) ([]byte, error)

	// Write replaces the content of a file, creating it if needed
	Write(ctx context.Context, path string, data []byte) error

	// Exists checks if a file exists
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes a file; deleting a missing file is not an error
	Delete(ctx context.Context, path string) error

	// List returns the files under a prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrPathEscapes is returned when a path would resolve outside the provider root.
var ErrPathEscapes = errors.New("path escapes storage root")

// LocalFileProvider implements FileProvider for the local filesystem.
// Writes go through a temporary file and a rename so a crash never leaves a
// half-written credential document behind.
type LocalFileProvider struct {
	baseDir string
}

// NewLocalFileProvider creates a new local file provider.
func NewLocalFileProvider(baseDir string) *LocalFileProvider {
	return &LocalFileProvider{
		baseDir: baseDir,
	}
}

func (p *LocalFileProvider) resolve(path string) (string, error) {
	full := filepath.Join(p.baseDir, path)
	rel, err := filepath.Rel(filepath.Clean(p.baseDir), full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrPathEscapes)
	}
	return full, nil
}

// Read reads a file from the local filesystem.
func (p *LocalFileProvider) Read(_ context.Context, path string) ([]byte, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full) //nolint:gosec // G304: path is confined to baseDir by resolve
}

// Write atomically replaces a local file.
func (p *LocalFileProvider) Write(_ context.Context, path string, data []byte) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	return os.Rename(tmpName, full)
}

// Exists checks if a file exists on the local filesystem.
func (p *LocalFileProvider) Exists(_ context.Context, path string) (bool, error) {
	full, err := p.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete removes a file from the local filesystem.
func (p *LocalFileProvider) Delete(_ context.Context, path string) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns files under a prefix, relative to the provider root.
func (p *LocalFileProvider) List(_ context.Context, prefix string) ([]string, error) {
	searchPath, err := p.resolve(prefix)
	if err != nil {
		return nil, err
	}

	result := []string{}
	err = filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(info.Name(), ".tmp") {
			return nil
		}
		if rel, err := filepath.Rel(p.baseDir, path); err == nil {
			result = append(result, filepath.ToSlash(rel))
		}
		return nil
	})
	return result, err
}

// S3FileProvider implements FileProvider for AWS S3.
type S3FileProvider struct {
	bucket   string
	prefix   string
	s3Client S3Client
}

// NewS3FileProvider creates a new S3 file provider.
func NewS3FileProvider(bucket, prefix string, s3Client S3Client) *S3FileProvider {
	return &S3FileProvider{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		s3Client: s3Client,
	}
}

// Read reads an object.
func (p *S3FileProvider) Read(ctx context.Context, path string) ([]byte, error) {
	return p.s3Client.GetObject(ctx, p.bucket, p.key(path))
}

// Write replaces an object. S3 puts are atomic per object.
func (p *S3FileProvider) Write(ctx context.Context, path string, data []byte) error {
	return p.s3Client.PutObject(ctx, p.bucket, p.key(path), data)
}

// Exists returns (false, nil) only when the object is missing; other
// failures are reported.
func (p *S3FileProvider) Exists(ctx context.Context, path string) (bool, error) {
	err := p.s3Client.HeadObject(ctx, p.bucket, p.key(path))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes an object.
func (p *S3FileProvider) Delete(ctx context.Context, path string) error {
	return p.s3Client.DeleteObject(ctx, p.bucket, p.key(path))
}

// List returns object keys under a prefix, relative to the provider prefix.
func (p *S3FileProvider) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.s3Client.ListObjects(ctx, p.bucket, p.key(prefix))
	if err != nil {
		return nil, err
	}

	root := p.key("")
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		rel := strings.TrimPrefix(key, root)
		if rel == "" {
			continue
		}
		result = append(result, rel)
	}
	return result, nil
}

func (p *S3FileProvider) key(path string) string {
	if p.prefix == "" {
		return path
	}
	return p.prefix + "/" + path
}

// PrefixedFileProvider scopes another provider to a namespace.
type PrefixedFileProvider struct {
	provider FileProvider
	prefix   string
}

// NewPrefixedFileProvider creates a new prefixed file provider.
func NewPrefixedFileProvider(provider FileProvider, prefix string) *PrefixedFileProvider {
	return &PrefixedFileProvider{
		provider: provider,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (p *PrefixedFileProvider) Read(ctx context.Context, path string) ([]byte, error) {
	return p.provider.Read(ctx, p.prefixPath(path))
}

func (p *PrefixedFileProvider) Write(ctx context.Context, path string, data []byte) error {
	return p.provider.Write(ctx, p.prefixPath(path), data)
}

func (p *PrefixedFileProvider) Exists(ctx context.Context, path string) (bool, error) {
	return p.provider.Exists(ctx, p.prefixPath(path))
}

func (p *PrefixedFileProvider) Delete(ctx context.Context, path string) error {
	return p.provider.Delete(ctx, p.prefixPath(path))
}

// List strips the namespace from the returned paths.
func (p *PrefixedFileProvider) List(ctx context.Context, prefix string) ([]string, error) {
	files, err := p.provider.List(ctx, p.prefixPath(prefix))
	if err != nil {
		return nil, err
	}

	root := p.prefixPath("")
	result := make([]string, 0, len(files))
	for _, file := range files {
		result = append(result, strings.TrimPrefix(file, root))
	}
	return result, nil
}

func (p *PrefixedFileProvider) prefixPath(path string) string {
	if p.prefix == "" {
		return path
	}
	return p.prefix + "/" + path
}
