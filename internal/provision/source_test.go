package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/agora/internal/storage"
)

func TestEmbeddedSchema(t *testing.T) {
	script, err := EmbeddedSchema{}.Load(context.Background())

	require.NoError(t, err)
	assert.Contains(t, script, "CREATE TABLE users")
}

func TestFileSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.sql")
	require.NoError(t, os.WriteFile(path, []byte("CREATE TABLE users (id int);"), 0o644))

	script, err := FileSchema(path).Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE users (id int);", script)
	assert.Equal(t, "file:"+path, FileSchema(path).String())
}

func TestObjectSchema(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()}, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, storage.DefaultSchemaKey, strings.NewReader("CREATE TABLE users (id int);"), storage.PutOptions{}))

	script, err := ObjectSchema{Store: store, Key: storage.DefaultSchemaKey}.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE users (id int);", script)

	_, err = ObjectSchema{Store: store, Key: storage.SchemaKey("missing")}.Load(ctx)
	assert.True(t, storage.IsNotFound(err))
}
