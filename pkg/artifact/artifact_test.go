package artifact

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/model"
)

func etag(data []byte) *string {
	return aws.String(fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data))))
}

// fakeS3 serves objects from memory, two keys per listing page.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := min(start+2, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k]))), ETag: etag(f.objects[k])})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	f.gets++
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: aws.Int64(int64(len(data))), ETag: etag(data)}, nil
}

// upload saves m as an artifact and stores its files under prefix.
func upload(t *testing.T, m *model.Model, prefix string) *fakeS3 {
	t.Helper()
	f := &fakeS3{objects: make(map[string][]byte)}
	f.publish(t, m, prefix)
	// unrelated objects in and below the prefix are ignored
	f.objects[prefix+"/README.md"] = []byte("notes")
	f.objects[prefix+"/old/model.yaml"] = []byte("stale")
	return f
}

// publish writes m's files under prefix, replacing any earlier version.
func (f *fakeS3) publish(t *testing.T, m *model.Model, prefix string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, model.Save(dir, m))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		f.objects[prefix+"/"+e.Name()] = data
	}
}

func TestFetch_DownloadsAndCaches(t *testing.T) {
	m := model.NewRandom(1, []string{"O", "H"}, 4, []float64{3, 2.5, 2})
	fake := upload(t, m, "models/water")
	src := Source{Bucket: "potentials", Prefix: "models/water/", CacheDir: t.TempDir()}
	f := NewFetcher(fake, nil)

	dir, st, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Downloaded)
	assert.Zero(t, st.Cached)
	assert.Equal(t, filepath.Join(src.CacheDir, "potentials", "models", "water"), dir)

	loaded, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Hash, loaded.Hash)
	assert.Equal(t, m.Cutoffs(), loaded.Cutoffs())

	_, st, err = f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Downloaded, "metadata is always refreshed")
	assert.Equal(t, 3, st.Cached)
	assert.Equal(t, 5, fake.gets)
	_, err = os.Stat(filepath.Join(dir, "README.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestFetch_RepublishedModel(t *testing.T) {
	species, cutoffs := []string{"Hf", "O"}, []float64{3, 2.5}
	a := model.NewRandom(1, species, 4, cutoffs)
	b := model.NewRandom(2, species, 4, cutoffs)
	require.NotEqual(t, a.Hash, b.Hash)

	fake := upload(t, a, "hfo2")
	src := Source{Bucket: "potentials", Prefix: "hfo2", CacheDir: t.TempDir()}
	f := NewFetcher(fake, nil)
	_, _, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)

	fake.publish(t, b, "hfo2")
	dir, st, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Downloaded)
	assert.Zero(t, st.Cached)

	loaded, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, b.Hash, loaded.Hash)
}

func TestFetch_CachedFileWithoutTagIsRefetched(t *testing.T) {
	m := model.NewRandom(3, []string{"Si"}, 3, []float64{3})
	fake := upload(t, m, "si")
	src := Source{Bucket: "b", Prefix: "si", CacheDir: t.TempDir()}
	f := NewFetcher(fake, nil)
	dir, _, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)

	require.NoError(t, os.Remove(etagPath(filepath.Join(dir, model.LayerFileName(0)))))
	_, st, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Downloaded)
	assert.Zero(t, st.Cached)
}

func TestFetch_MissingLayerFile(t *testing.T) {
	m := model.NewRandom(2, []string{"Si"}, 3, []float64{3, 3})
	fake := upload(t, m, "p")
	delete(fake.objects, "p/"+model.LayerFileName(1))

	_, _, err := NewFetcher(fake, nil).Fetch(context.Background(), Source{Bucket: "b", Prefix: "p", CacheDir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConfiguration)
	assert.Contains(t, err.Error(), model.LayerFileName(1))
}

func TestFetch_MissingMetadata(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"p/layer_000.bin": {1, 2, 3}}}
	_, _, err := NewFetcher(fake, nil).Fetch(context.Background(), Source{Bucket: "b", Prefix: "p", CacheDir: t.TempDir()})
	assert.ErrorIs(t, err, fault.ErrConfiguration)
}

func TestSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     Source
		wantErr bool
	}{
		{"valid", Source{Bucket: "b", CacheDir: "/tmp/c"}, false},
		{"with endpoint", Source{Bucket: "b", CacheDir: "/tmp/c", Endpoint: "http://localhost:9000"}, false},
		{"no bucket", Source{CacheDir: "/tmp/c"}, true},
		{"no cache", Source{Bucket: "b"}, true},
		{"bad endpoint", Source{Bucket: "b", CacheDir: "/tmp/c", Endpoint: "::nope"}, true},
		{"half credentials", Source{Bucket: "b", CacheDir: "/tmp/c", AccessKeyID: "AKIA"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
