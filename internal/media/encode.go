package media

import (
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
)

// Encoder serializes a strip raster.
type Encoder interface {
	Encode(w io.Writer, img image.Image) error
	MimeType() string
	Ext() string
}

// PNGEncoder is the default, lossless and deterministic strip encoder.
type PNGEncoder struct {
	Compression png.CompressionLevel
}

var pngBuffers = &bufferPool{}

func (e PNGEncoder) Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: e.Compression, BufferPool: pngBuffers}
	return enc.Encode(w, img)
}

func (PNGEncoder) MimeType() string { return "image/png" }
func (PNGEncoder) Ext() string      { return ".png" }

// bufferPool lets concurrent deliveries share png encoder scratch buffers.
type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *bufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

// ParseCompression maps a config string to a png compression level.
func ParseCompression(s string) (png.CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return png.DefaultCompression, nil
	case "none":
		return png.NoCompression, nil
	case "fast", "speed":
		return png.BestSpeed, nil
	case "best", "size":
		return png.BestCompression, nil
	default:
		return png.DefaultCompression, fmt.Errorf("unknown png compression %q", s)
	}
}

// DataURI renders data as a base64 data: URI.
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI is the inverse of DataURI.
func ParseDataURI(uri string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	mimeType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URI is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URI: %w", err)
	}
	return mimeType, data, nil
}
