// Package media stores item pictures. Uploads go through the imaging
// pipeline and end up in a Backend, either database blobs or an
// S3-compatible bucket.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/erazemk/najdeno/internal/imaging"
)

// ErrInvalidImage is returned for uploads that are not a usable picture.
var ErrInvalidImage = errors.New("invalid image")

// Backend persists processed images and returns an opaque reference.
type Backend interface {
	Save(ctx context.Context, data []byte, mime string) (string, error)
	Remove(ctx context.Context, ref string) error
}

// Library processes uploads and hands them to a Backend.
type Library struct {
	backend Backend
	opts    imaging.Options
	logger  *slog.Logger
}

// NewLibrary returns a Library writing to backend.
func NewLibrary(backend Backend, opts imaging.Options, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{backend: backend, opts: opts, logger: logger}
}

// Put normalises the upload in r and stores it.
func (l *Library) Put(ctx context.Context, r io.Reader) (string, error) {
	img, err := imaging.Process(r, l.opts)
	if err != nil {
		if errors.Is(err, imaging.ErrUnsupportedFormat) || errors.Is(err, imaging.ErrTooLarge) {
			return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return "", err
	}

	ref, err := l.backend.Save(ctx, img.Data, img.MIME)
	if err != nil {
		return "", fmt.Errorf("saving image: %w", err)
	}
	l.logger.Debug("image stored", "ref", ref, "bytes", len(img.Data), "width", img.Width, "height", img.Height)
	return ref, nil
}

// Delete removes a stored image.
func (l *Library) Delete(ctx context.Context, ref string) error {
	return l.backend.Remove(ctx, ref)
}
