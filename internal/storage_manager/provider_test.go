package storage_manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory S3Client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *fakeS3) PutObject(_ context.Context, bucket, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeS3) HeadObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[bucket+"/"+key]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeS3) DeleteObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

func (f *fakeS3) ListObjects(_ context.Context, bucket, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		key := strings.TrimPrefix(k, bucket+"/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func exerciseProvider(t *testing.T, p FileProvider) {
	t.Helper()
	ctx := context.Background()

	exists, err := p.Exists(ctx, "state/doc.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.Write(ctx, "state/doc.json", []byte(`{"a":1}`)))
	require.NoError(t, p.Write(ctx, "state/doc.json", []byte(`{"a":2}`)))
	require.NoError(t, p.Write(ctx, "state/other.json", []byte(`{}`)))

	exists, err = p.Exists(ctx, "state/doc.json")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := p.Read(ctx, "state/doc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	files, err := p.List(ctx, "state")
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{"state/doc.json", "state/other.json"}, files)

	require.NoError(t, p.Delete(ctx, "state/doc.json"))
	require.NoError(t, p.Delete(ctx, "state/doc.json"))
	exists, err = p.Exists(ctx, "state/doc.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalFileProvider(t *testing.T) {
	dir := t.TempDir()
	exerciseProvider(t, NewLocalFileProvider(dir))

	info, err := os.Stat(filepath.Join(dir, "state", "other.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLocalFileProviderRejectsEscapes(t *testing.T) {
	p := NewLocalFileProvider(t.TempDir())

	err := p.Write(context.Background(), "../outside.json", []byte("x"))
	assert.ErrorIs(t, err, ErrPathEscapes)

	_, err = p.Read(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscapes)
}

func TestS3FileProvider(t *testing.T) {
	fake := newFakeS3()
	exerciseProvider(t, NewS3FileProvider("bucket", "telefeed/", fake))

	_, ok := fake.objects["bucket/telefeed/state/other.json"]
	assert.True(t, ok)
}

func TestPrefixedFileProvider(t *testing.T) {
	dir := t.TempDir()
	root := NewLocalFileProvider(dir)
	exerciseProvider(t, NewPrefixedFileProvider(root, "ns"))

	assert.FileExists(t, filepath.Join(dir, "ns", "state", "other.json"))
}

func TestNewStorageManager(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "local", config: Config{Backend: BackendLocal, LocalConfig: &LocalConfig{BaseDir: t.TempDir()}}},
		{name: "local without dir", config: Config{Backend: BackendLocal, LocalConfig: &LocalConfig{}}, wantErr: true},
		{name: "s3 without bucket", config: Config{Backend: BackendS3, S3Config: &S3Config{}}, wantErr: true},
		{name: "s3 without client", config: Config{Backend: BackendS3, S3Config: &S3Config{Bucket: "b"}}, wantErr: true},
		{name: "unknown", config: Config{Backend: "git"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.config.Backend, m.Backend())
			assert.NotNil(t, m.GetProvider("state"))
		})
	}
}
