package uploads

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrFileTooLarge is returned when an upload exceeds the configured size limit.
var ErrFileTooLarge = errors.New("file exceeds the maximum upload size")

const sniffLen = 512

// UploadService stores attachment blobs and computes their metadata
type UploadService struct {
	Driver   StorageDriver
	MaxBytes int64 // zero disables the limit
}

func NewUploadService(driver StorageDriver, maxBytes int64) *UploadService {
	return &UploadService{Driver: driver, MaxBytes: maxBytes}
}

// Upload streams reader to the driver under a fresh key. The size and SHA-256 checksum are
// computed while streaming; an empty or generic mime type is replaced by a sniffed one.
func (s *UploadService) Upload(ctx context.Context, filename string, reader io.Reader, mime string) (*FileMetadata, error) {
	buffered := bufio.NewReaderSize(reader, sniffLen)
	if mime == "" || mime == "application/octet-stream" {
		head, _ := buffered.Peek(sniffLen)
		mime = http.DetectContentType(head)
	}

	key := uuid.NewString() + strings.ToLower(filepath.Ext(filename))
	hasher := sha256.New()
	counter := &limitedCounter{r: buffered, max: s.MaxBytes}

	if err := s.Driver.Save(ctx, key, io.TeeReader(counter, hasher), mime); err != nil {
		if errors.Is(err, ErrFileTooLarge) || counter.exceeded {
			// The driver may have stored a partial object before the limit tripped.
			s.cleanup(ctx, key)
			return nil, ErrFileTooLarge
		}
		return nil, fmt.Errorf("storage driver failed: %w", err)
	}

	url, err := s.Driver.GenerateURL(ctx, key, 0)
	if err != nil {
		s.cleanup(ctx, key)
		return nil, fmt.Errorf("failed to generate URL: %w", err)
	}

	metadata := &FileMetadata{
		Key:      key,
		Name:     filepath.Base(filename),
		URL:      url,
		Size:     counter.n,
		MimeType: mime,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}

	slog.InfoContext(ctx, "file uploaded", "key", key, "size", metadata.Size)
	return metadata, nil
}

// Download retrieves the file content and its MIME type
func (s *UploadService) Download(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return s.Driver.Get(ctx, key)
}

// Delete removes a stored blob
func (s *UploadService) Delete(ctx context.Context, key string) error {
	return s.Driver.Delete(ctx, key)
}

// URL returns the public URL of a stored blob
func (s *UploadService) URL(ctx context.Context, key string) (string, error) {
	return s.Driver.GenerateURL(ctx, key, 0)
}

func (s *UploadService) cleanup(ctx context.Context, key string) {
	if err := s.Driver.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "failed to cleanup orphaned file", "key", key, "error", err)
	}
}

// limitedCounter counts bytes read and fails once more than max bytes were read.
type limitedCounter struct {
	r        io.Reader
	n        int64
	max      int64
	exceeded bool
}

func (c *limitedCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.max > 0 && c.n > c.max {
		c.exceeded = true
		return n, ErrFileTooLarge
	}
	return n, err
}
