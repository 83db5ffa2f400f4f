package domain

import (
	"context"
	"io"
	"strconv"
	"time"
)

// Encoding is the payload strategy of one DeliveryUnit.
type Encoding string

const (
	EncodingReference Encoding = "raw-reference"
	EncodingInline    Encoding = "inline-base64"
	EncodingStream    Encoding = "binary-stream"
)

// MediaCapabilities describes which encodings a transport accepts.
type MediaCapabilities struct {
	Stream bool // accepts streamed file handles
	Inline bool // accepts base64 data URIs
	// LocalReference means the transport runs on the same host and
	// filesystem, so a path may be passed instead of bytes.
	LocalReference bool
}

// MediaTransport is the outbound side of one chat as seen by the delivery pipeline.
type MediaTransport interface {
	// MaxPayloadSize returns the largest payload in bytes the transport
	// accepts for one message. Zero means the limit is unknown.
	MaxPayloadSize(ctx context.Context) (int64, error)
	Capabilities() MediaCapabilities
	SendMedia(ctx context.Context, unit DeliveryUnit) error
}

// PartitionSpec describes one strip of an asset. Strips ordered by Index
// tile the source image with no gap and no overlap.
type PartitionSpec struct {
	Index   int `json:"index"`
	XOffset int `json:"x_offset"`
	YOffset int `json:"y_offset"`
	Width   int `json:"width"`
	Height  int `json:"height"`
}

// DeliveryUnit is one transport-ready payload. Exactly one of Path, Data
// and Reader is set, according to Encoding.
type DeliveryUnit struct {
	Encoding Encoding
	Path     string    // raw-reference
	Data     string    // inline-base64, as a data: URI
	Reader   io.Reader // binary-stream
	Filename string
	MimeType string
	Size     int64

	SequenceIndex int // 1-based
	SequenceTotal int
	Partition     *PartitionSpec // nil for whole-asset delivery
}

// Caption returns a short "2/5" label for multi-part deliveries, or "".
func (u DeliveryUnit) Caption() string {
	if u.SequenceTotal <= 1 {
		return ""
	}
	return strconv.Itoa(u.SequenceIndex) + "/" + strconv.Itoa(u.SequenceTotal)
}

// UnitOutcome records what happened to one unit.
type UnitOutcome struct {
	SequenceIndex int            `json:"sequence_index"`
	SequenceTotal int            `json:"sequence_total"`
	Encoding      Encoding       `json:"encoding"`
	Size          int64          `json:"size"`
	Partition     *PartitionSpec `json:"partition,omitempty"`
	Digest        string         `json:"digest,omitempty"`
	Err           error          `json:"-"`
}

// OK reports whether the unit was acknowledged by the transport.
func (o UnitOutcome) OK() bool { return o.Err == nil }

// DeliveryReport enumerates the per-unit outcomes of one delivery.
type DeliveryReport struct {
	ID          string        `json:"id"`
	AssetPath   string        `json:"asset_path"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	ByteSize    int64         `json:"byte_size"`
	Limit       int64         `json:"limit"`
	LimitKnown  bool          `json:"limit_known"`
	Partitioned bool          `json:"partitioned"`
	StripHeight int           `json:"strip_height,omitempty"`
	Units       []UnitOutcome `json:"units"`
	Canceled    bool          `json:"canceled"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

func (r *DeliveryReport) Succeeded() int {
	n := 0
	for _, u := range r.Units {
		if u.OK() {
			n++
		}
	}
	return n
}

func (r *DeliveryReport) Failed() int {
	return len(r.Units) - r.Succeeded()
}
