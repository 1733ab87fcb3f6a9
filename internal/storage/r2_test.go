package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers path-style object requests for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + f.bucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", SQLContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestR2(t *testing.T) (*R2Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "assets", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewR2Storage(R2Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		BucketName:      "assets",
		Endpoint:        srv.URL,
	}, testLogger())
	require.NoError(t, err)
	return s, fake
}

func TestR2Storage_RoundTrip(t *testing.T) {
	s, fake := newTestR2(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, DefaultSchemaKey, strings.NewReader("CREATE TABLE users (id int);"), PutOptions{}))
	assert.Equal(t, "CREATE TABLE users (id int);", string(fake.objects[DefaultSchemaKey]))

	exists, err := s.Exists(ctx, DefaultSchemaKey)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, info, err := s.Get(ctx, DefaultSchemaKey)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE users (id int);", string(body))
	assert.Equal(t, SQLContentType, info.ContentType)

	require.NoError(t, s.Delete(ctx, DefaultSchemaKey))
	exists, err = s.Exists(ctx, DefaultSchemaKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestR2Storage_GetMissing(t *testing.T) {
	s, _ := newTestR2(t)

	_, _, err := s.Get(context.Background(), "schemas/tenant/missing.sql")

	assert.True(t, IsNotFound(err))
}

func TestR2Storage_PutExisting(t *testing.T) {
	s, _ := newTestR2(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, DefaultSchemaKey, strings.NewReader("v1"), PutOptions{}))

	err := s.Put(ctx, DefaultSchemaKey, strings.NewReader("v2"), PutOptions{})

	assert.True(t, IsKeyExists(err))
}

func TestNewR2Storage_RequiresBucket(t *testing.T) {
	_, err := NewR2Storage(R2Config{AccountID: "acct"}, testLogger())
	assert.Error(t, err)
}
