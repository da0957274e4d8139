package uploads

import (
	"context"
	"io"
	"time"

	"github.com/OpenNSW/cardflow/internal/uploads/drivers"
)

// ErrNotFound is returned by drivers when no object exists under a key.
var ErrNotFound = drivers.ErrNotFound

// StorageDriver defines how attachment blobs are stored
type StorageDriver interface {
	// Save writes the content under key
	Save(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get returns a ReadCloser to stream the file back and its content type
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Delete removes the file. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GenerateURL returns a public-facing URL
	GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
