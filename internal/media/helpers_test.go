package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sendimg/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// noiseImage returns a gray image of incompressible pixels.
func noiseImage(w, h int) *image.Gray {
	rng := rand.New(rand.NewPCG(1, 2))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.UintN(256))
	}
	return img
}

// patternImage returns an NRGBA image whose pixels encode their coordinates.
func patternImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(y >> 8), A: uint8(128 + x%128)})
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) (string, int64) {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, info.Size()
}

// spyTransport records every unit in call order.
type spyTransport struct {
	limit    int64
	limitErr error
	caps     domain.MediaCapabilities
	failOn   map[int]bool // by SequenceIndex
	failAll  bool
	onSend   func(unit domain.DeliveryUnit)

	mu    sync.Mutex
	units []domain.DeliveryUnit
	blobs [][]byte
}

func newSpy(limit int64) *spyTransport {
	return &spyTransport{limit: limit, caps: domain.MediaCapabilities{Stream: true}}
}

func (s *spyTransport) MaxPayloadSize(ctx context.Context) (int64, error) {
	return s.limit, s.limitErr
}

func (s *spyTransport) Capabilities() domain.MediaCapabilities { return s.caps }

func (s *spyTransport) SendMedia(ctx context.Context, unit domain.DeliveryUnit) error {
	var blob []byte
	switch unit.Encoding {
	case domain.EncodingStream:
		b, err := io.ReadAll(unit.Reader)
		if err != nil {
			return err
		}
		blob = b
	case domain.EncodingInline:
		_, b, err := ParseDataURI(unit.Data)
		if err != nil {
			return err
		}
		blob = b
	}
	s.mu.Lock()
	s.units = append(s.units, unit)
	s.blobs = append(s.blobs, blob)
	s.mu.Unlock()

	if s.onSend != nil {
		s.onSend(unit)
	}
	if s.failAll || s.failOn[unit.SequenceIndex] {
		return errors.New("transport rejected unit")
	}
	return nil
}

type failingEncoder struct{}

func (failingEncoder) Encode(w io.Writer, img image.Image) error { return errors.New("disk full") }
func (failingEncoder) MimeType() string                            { return "image/png" }
func (failingEncoder) Ext() string                                 { return ".png" }
