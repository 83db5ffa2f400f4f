package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Storage is the read side of wherever assets live.
type Storage interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Size(ctx context.Context, path string) (int64, error)
}

// FileStorage reads assets from the local filesystem.
type FileStorage struct{}

func (FileStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storageErr(path, err)
	}
	return f, nil
}

func (FileStorage) Size(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, storageErr(path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrAssetUnreadable, path)
	}
	return info.Size(), nil
}

func storageErr(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, path)
	}
	return fmt.Errorf("%w: %s: %w", ErrAssetUnreadable, path, err)
}

// Asset is one loaded source image. Only the header has been decoded.
type Asset struct {
	Path     string
	Width    int
	Height   int
	ByteSize int64
	Format   string // as registered with the image package: png, jpeg, gif, webp, bmp, tiff
}

// MimeType returns the MIME type of the asset's natural encoding.
func (a *Asset) MimeType() string {
	return "image/" + a.Format
}

// Loader opens assets from a Storage. It never caches or mutates the source.
type Loader struct {
	storage Storage
}

func NewLoader(storage Storage) *Loader {
	if storage == nil {
		storage = FileStorage{}
	}
	return &Loader{storage: storage}
}

// Load reads the asset's size and image header.
func (l *Loader) Load(ctx context.Context, path string) (*Asset, error) {
	size, err := l.storage.Size(ctx, path)
	if err != nil {
		return nil, err
	}
	rc, err := l.storage.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	cfg, format, err := image.DecodeConfig(bufio.NewReader(rc))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnreadable, path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s: empty image %dx%d", ErrAssetUnreadable, path, cfg.Width, cfg.Height)
	}
	return &Asset{
		Path:     path,
		Width:    cfg.Width,
		Height:   cfg.Height,
		ByteSize: size,
		Format:   format,
	}, nil
}

// Decode decodes the full raster of a loaded asset.
func (l *Loader) Decode(ctx context.Context, a *Asset) (image.Image, error) {
	rc, err := l.storage.Open(ctx, a.Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, _, err := image.Decode(bufio.NewReader(rc))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnreadable, a.Path, err)
	}
	return img, nil
}

// Open returns the asset's raw bytes as a stream. The caller must close it.
func (l *Loader) Open(ctx context.Context, a *Asset) (io.ReadCloser, error) {
	return l.storage.Open(ctx, a.Path)
}

// ReadAll returns the asset's raw bytes.
func (l *Loader) ReadAll(ctx context.Context, a *Asset) ([]byte, error) {
	rc, err := l.storage.Open(ctx, a.Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnreadable, a.Path, err)
	}
	return data, nil
}
