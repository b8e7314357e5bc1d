package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s3Object(key string, size int64) s3types.Object {
	return s3types.Object{Key: aws.String(key), Size: aws.Int64(size)}
}

// fakeBucket is an in-memory s3API.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte

	listErrs      int
	deleteBatches []int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) put(key, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = []byte(body)
}

func (b *fakeBucket) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErrs > 0 {
		b.listErrs--
		return nil, io.ErrUnexpectedEOF
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key, body := range b.objects {
		if !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, s3Object(key, int64(len(body))))
	}
	return out, nil
}

func (b *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteBatches = append(b.deleteBatches, len(in.Delete.Objects))
	for _, obj := range in.Delete.Objects {
		delete(b.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func writeLocal(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSyncDownMirrorsRemote(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("users/u1/hot/.keep", "")
	bucket.put("users/u1/hot/notes.txt", "hello")
	bucket.put("users/u1/hot/src/main.py", "print('hi')")
	bucket.put("users/u1/hot/junk.tmp", "ignore me")

	dir := t.TempDir()
	writeLocal(t, dir, "stale.txt", "old")

	syncer := NewSyncer(bucket, "test-bucket")
	require.NoError(t, syncer.SyncDown(context.Background(), "users/u1/hot/", dir))

	body, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	body, err = os.ReadFile(filepath.Join(dir, "src", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(body))

	assert.NoFileExists(t, filepath.Join(dir, "stale.txt"), "extraneous local file should be removed")
	assert.NoFileExists(t, filepath.Join(dir, ".keep"), "marker should not sync down")
	assert.NoFileExists(t, filepath.Join(dir, "junk.tmp"), "excluded object should not sync down")
}

func TestSyncDownSkipsUnchangedFiles(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("users/u1/hot/notes.txt", "hello")

	dir := t.TempDir()
	writeLocal(t, dir, "notes.txt", "olleh") // same size, content untouched

	syncer := NewSyncer(bucket, "test-bucket")
	require.NoError(t, syncer.SyncDown(context.Background(), "users/u1/hot/", dir))

	body, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "olleh", string(body), "size match should skip the download")
}

func TestSyncUpMirrorsLocal(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("users/u1/hot/.keep", "")
	bucket.put("users/u1/hot/deleted.txt", "gone locally")

	dir := t.TempDir()
	writeLocal(t, dir, "notes.txt", "hello")
	writeLocal(t, dir, "src/main.py", "print('hi')")
	writeLocal(t, dir, "scratch.swp", "editor dropping")
	writeLocal(t, dir, "__pycache__/main.cpython-312.pyc", "cache")

	syncer := NewSyncer(bucket, "test-bucket")
	require.NoError(t, syncer.SyncUp(context.Background(), dir, "users/u1/hot/"))

	assert.Equal(t, []string{
		"users/u1/hot/.keep",
		"users/u1/hot/notes.txt",
		"users/u1/hot/src/main.py",
	}, bucket.keys(), "stale object deleted, marker kept, exclusions skipped")
}

func TestSyncUpChunksStaleDeletes(t *testing.T) {
	bucket := newFakeBucket()
	for i := 0; i < deleteBatchSize+1; i++ {
		bucket.put(fmt.Sprintf("users/u1/hot/stale/%04d.txt", i), "x")
	}

	syncer := NewSyncer(bucket, "test-bucket")
	require.NoError(t, syncer.SyncUp(context.Background(), t.TempDir(), "users/u1/hot/"))

	assert.Empty(t, bucket.keys(), "every stale object must be deleted")
	assert.Equal(t, []int{deleteBatchSize, 1}, bucket.deleteBatches,
		"deletes must stay within the per-request key limit")
}

func fastBackoff(t *testing.T) {
	t.Helper()
	old := syncBackoffBase
	syncBackoffBase = time.Millisecond
	t.Cleanup(func() { syncBackoffBase = old })
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	fastBackoff(t)
	bucket := newFakeBucket()
	bucket.put("users/u1/hot/notes.txt", "hello")
	bucket.listErrs = 2

	syncer := NewSyncer(bucket, "test-bucket")
	require.NoError(t, syncer.SyncDown(context.Background(), "users/u1/hot/", t.TempDir()))
}

func TestSyncGivesUpAfterBudget(t *testing.T) {
	fastBackoff(t)
	bucket := newFakeBucket()
	bucket.listErrs = syncAttempts

	syncer := NewSyncer(bucket, "test-bucket")
	err := syncer.SyncDown(context.Background(), "users/u1/hot/", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestExcluded(t *testing.T) {
	cases := []struct {
		rel  string
		want bool
	}{
		{"notes.txt", false},
		{"build.tmp", true},
		{"a/b/c.swp", true},
		{"backup~", true},
		{".DS_Store", true},
		{"sub/.DS_Store", true},
		{"__pycache__/mod.pyc", true},
		{"src/__pycache__/mod.pyc", true},
		{"src/__pycache__/", true},
		{"pycache/mod.pyc", false},
		{"tmp/file.txt", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, excluded(tc.rel), "rel=%s", tc.rel)
	}
}
