package media

import (
	"bytes"
	"fmt"
	"image"

	"sendimg/internal/domain"

	xdraw "golang.org/x/image/draw"
)

// Strip is one encoded partition of an asset.
type Strip struct {
	Spec domain.PartitionSpec
	Data []byte
}

// PartitionConfig configures a Partitioner.
type PartitionConfig struct {
	StripHeight int
	// MaxBytes is the largest encoded strip allowed. Oversized strips are
	// halved in height, then in width, until they fit. Zero disables the check.
	MaxBytes int64
	Encoder  Encoder
}

type region struct {
	x, y, w, h int
}

// Partitioner yields the strips of an image one at a time, top to bottom.
// Only the current strip is held in memory. It is not restartable:
//
//	p := NewPartitioner(img, cfg)
//	for p.Next() {
//		strip := p.Strip()
//		...
//	}
//	if err := p.Err(); err != nil { ... }
type Partitioner struct {
	src         image.Image
	width       int
	height      int
	stripHeight int
	maxBytes    int64
	enc         Encoder

	nextRow int
	pending []region // stack, top is emitted next
	index   int
	cur     Strip
	err     error
}

func NewPartitioner(src image.Image, cfg PartitionConfig) *Partitioner {
	if cfg.StripHeight <= 0 {
		cfg.StripHeight = DefaultStripHeight
	}
	if cfg.Encoder == nil {
		cfg.Encoder = PNGEncoder{}
	}
	b := src.Bounds()
	return &Partitioner{
		src:         src,
		width:       b.Dx(),
		height:      b.Dy(),
		stripHeight: cfg.StripHeight,
		maxBytes:    cfg.MaxBytes,
		enc:         cfg.Encoder,
	}
}

// Next renders and encodes the next strip. It returns false when the
// image is exhausted or an error occurred.
func (p *Partitioner) Next() bool {
	p.cur = Strip{}
	if p.err != nil {
		return false
	}
	for {
		r, ok := p.take()
		if !ok {
			return false
		}
		data, err := p.render(r)
		if err != nil {
			p.err = err
			return false
		}
		if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
			if err := p.split(r, len(data)); err != nil {
				p.err = err
				return false
			}
			continue
		}
		p.cur = Strip{
			Spec: domain.PartitionSpec{
				Index:   p.index,
				XOffset: r.x,
				YOffset: r.y,
				Width:   r.w,
				Height:  r.h,
			},
			Data: data,
		}
		p.index++
		return true
	}
}

// Strip returns the strip produced by the last successful Next.
func (p *Partitioner) Strip() Strip { return p.cur }

// Err returns the first error encountered.
func (p *Partitioner) Err() error { return p.err }

// Expected is the number of strips the image is currently known to
// produce, including those already yielded. It equals
// ceil(height/stripHeight) unless an oversized strip had to be split.
func (p *Partitioner) Expected() int {
	rest := p.height - p.nextRow
	return p.index + len(p.pending) + (rest+p.stripHeight-1)/p.stripHeight
}

func (p *Partitioner) take() (region, bool) {
	if n := len(p.pending); n > 0 {
		r := p.pending[n-1]
		p.pending = p.pending[:n-1]
		return r, true
	}
	if p.nextRow >= p.height {
		return region{}, false
	}
	h := min(p.stripHeight, p.height-p.nextRow)
	r := region{x: 0, y: p.nextRow, w: p.width, h: h}
	p.nextRow += h
	return r, true
}

// split replaces r with two halves, top before bottom, left before right.
func (p *Partitioner) split(r region, size int) error {
	var first, second region
	switch {
	case r.h > 1:
		top := (r.h + 1) / 2
		first = region{x: r.x, y: r.y, w: r.w, h: top}
		second = region{x: r.x, y: r.y + top, w: r.w, h: r.h - top}
	case r.w > 1:
		left := (r.w + 1) / 2
		first = region{x: r.x, y: r.y, w: left, h: r.h}
		second = region{x: r.x + left, y: r.y, w: r.w - left, h: r.h}
	default:
		return fmt.Errorf("%w: pixel (%d,%d) encodes to %d bytes, limit %d",
			ErrAssetTooLarge, r.x, r.y, size, p.maxBytes)
	}
	p.pending = append(p.pending, second, first)
	return nil
}

func (p *Partitioner) render(r region) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.enc.Encode(&buf, crop(p.src, r)); err != nil {
		return nil, fmt.Errorf("%w: region %dx%d at (%d,%d): %w", ErrEncodingFailed, r.w, r.h, r.x, r.y, err)
	}
	return buf.Bytes(), nil
}

// crop copies region r of src into a fresh raster anchored at the origin.
// Common decoder outputs are copied row by row without color conversion.
func crop(src image.Image, r region) image.Image {
	b := src.Bounds()
	sr := image.Rect(b.Min.X+r.x, b.Min.Y+r.y, b.Min.X+r.x+r.w, b.Min.Y+r.y+r.h)
	rect := image.Rect(0, 0, r.w, r.h)

	switch s := src.(type) {
	case *image.NRGBA:
		d := image.NewNRGBA(rect)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w*4, r.h)
		return d
	case *image.RGBA:
		d := image.NewRGBA(rect)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w*4, r.h)
		return d
	case *image.NRGBA64:
		d := image.NewNRGBA64(rect)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w*8, r.h)
		return d
	case *image.RGBA64:
		d := image.NewRGBA64(rect)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w*8, r.h)
		return d
	case *image.Gray:
		d := image.NewGray(rect)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w, r.h)
		return d
	case *image.Gray16:
		d := image.NewGray16(rect)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w*2, r.h)
		return d
	case *image.Paletted:
		d := image.NewPaletted(rect, s.Palette)
		copyRows(d.Pix, d.Stride, s.Pix[s.PixOffset(sr.Min.X, sr.Min.Y):], s.Stride, r.w, r.h)
		return d
	}

	d := image.NewNRGBA(rect)
	xdraw.Copy(d, image.Point{}, src, sr, xdraw.Src, nil)
	return d
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride, rowBytes, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}
