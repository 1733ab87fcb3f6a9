package provision

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"github.com/DukeRupert/agora/internal/storage"
)

//go:embed schema/tenant.sql
var embeddedSchema string

// SchemaSource supplies the schema script applied to tenant databases.
type SchemaSource interface {
	Load(ctx context.Context) (string, error)
	String() string
}

// EmbeddedSchema is the schema compiled into the binary.
type EmbeddedSchema struct{}

func (EmbeddedSchema) Load(context.Context) (string, error) { return embeddedSchema, nil }
func (EmbeddedSchema) String() string                       { return "embedded:schema/tenant.sql" }

// EmbeddedScript returns the compiled-in schema script.
func EmbeddedScript() string {
	return embeddedSchema
}

// FileSchema reads the schema from a file on every load.
type FileSchema string

func (f FileSchema) Load(context.Context) (string, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read schema file: %w", err)
	}
	return string(b), nil
}

func (f FileSchema) String() string { return "file:" + string(f) }

// ObjectReader is the part of storage.Storage an ObjectSchema needs.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error)
}

// ObjectSchema reads the schema from object storage on every load, so a
// pushed schema applies to the next tenant without a deploy.
type ObjectSchema struct {
	Store ObjectReader
	Key   string
}

func (o ObjectSchema) Load(ctx context.Context) (string, error) {
	rc, _, err := o.Store.Get(ctx, o.Key)
	if err != nil {
		return "", fmt.Errorf("fetch schema object: %w", err)
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, storage.MaxSchemaSize))
	if err != nil {
		return "", fmt.Errorf("read schema object: %w", err)
	}
	return string(b), nil
}

func (o ObjectSchema) String() string { return "object:" + o.Key }
