package media

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"sendimg/internal/domain"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// SequencerConfig holds the dependencies and tunables of a Sequencer.
type SequencerConfig struct {
	Loader  *Loader
	Gate    GateConfig
	Encoder Encoder
	// StrictSinglePass skips the per-strip size re-check, so strips are
	// cut at the gate's strip height regardless of their encoded size.
	StrictSinglePass bool
	Logger           *slog.Logger
}

// Sequencer delivers one asset over one transport: it loads the asset,
// asks the size gate, and sends either the whole asset or its strips in
// order. It holds no per-delivery state and is safe for concurrent use.
type Sequencer struct {
	loader *Loader
	gate   GateConfig
	enc    Encoder
	strict bool
	logger *slog.Logger
}

func NewSequencer(cfg SequencerConfig) *Sequencer {
	if cfg.Loader == nil {
		cfg.Loader = NewLoader(nil)
	}
	if cfg.Encoder == nil {
		cfg.Encoder = PNGEncoder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sequencer{
		loader: cfg.Loader,
		gate:   cfg.Gate.withDefaults(),
		enc:    cfg.Encoder,
		strict: cfg.StrictSinglePass,
		logger: cfg.Logger,
	}
}

// DeliverOptions overrides sequencer defaults for one call.
type DeliverOptions struct {
	StripHeight int
}

// Deliver sends the asset at path over t.
//
// The returned report is never nil. Load and encode errors abort the
// delivery. Per-unit send failures are recorded in the report and do not
// stop later units; only when every unit fails is ErrDeliveryFailed
// returned. On cancellation no further units are sent and the partial
// report is returned together with the context error.
func (s *Sequencer) Deliver(ctx context.Context, path string, t domain.MediaTransport) (*domain.DeliveryReport, error) {
	return s.DeliverWith(ctx, path, t, DeliverOptions{})
}

func (s *Sequencer) DeliverWith(ctx context.Context, path string, t domain.MediaTransport, opts DeliverOptions) (*domain.DeliveryReport, error) {
	report := &domain.DeliveryReport{
		ID:        uuid.NewString(),
		AssetPath: path,
		StartedAt: time.Now(),
	}
	log := s.logger.With("delivery", report.ID)

	err := s.deliver(ctx, path, t, opts, report, log)
	report.FinishedAt = time.Now()
	if err == nil && len(report.Units) > 0 && report.Succeeded() == 0 {
		err = fmt.Errorf("%w: all %d units failed: %w", ErrDeliveryFailed, len(report.Units), report.Units[0].Err)
	}
	if err != nil {
		log.Warn("delivery failed",
			"state", "failed",
			"path", path,
			"sent", report.Succeeded(),
			"failed", report.Failed(),
			"canceled", report.Canceled,
			"err", err,
		)
		return report, err
	}
	log.Info("delivery completed",
		"state", "completed",
		"path", path,
		"units", len(report.Units),
		"failed", report.Failed(),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

func (s *Sequencer) deliver(ctx context.Context, path string, t domain.MediaTransport, opts DeliverOptions, report *domain.DeliveryReport, log *slog.Logger) error {
	log.Debug("loading asset", "state", "loading", "path", path)
	asset, err := s.loader.Load(ctx, path)
	if err != nil {
		return err
	}
	report.Width, report.Height, report.ByteSize = asset.Width, asset.Height, asset.ByteSize

	limit, err := t.MaxPayloadSize(ctx)
	if err != nil {
		log.Warn("transport limit unknown, using fallback",
			"err", fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
		limit = 0
	}

	gate := s.gate
	if opts.StripHeight > 0 {
		gate.StripHeight = opts.StripHeight
	}
	caps := t.Capabilities()
	gate.InlineOnly = caps.Inline && !caps.Stream
	d := Decide(asset, limit, gate)
	report.Limit, report.LimitKnown = d.Limit, d.LimitKnown
	log.Debug("size gate decided",
		"state", "deciding",
		"bytes", asset.ByteSize,
		"limit", d.Limit,
		"budget", d.Budget,
		"limit_known", d.LimitKnown,
		"whole", d.Whole,
	)

	if d.Whole {
		return s.sendWhole(ctx, asset, t, report, log)
	}
	report.Partitioned = true
	report.StripHeight = d.StripHeight
	return s.sendStrips(ctx, asset, d, t, report, log)
}

func (s *Sequencer) sendWhole(ctx context.Context, asset *Asset, t domain.MediaTransport, report *domain.DeliveryReport, log *slog.Logger) error {
	unit := domain.DeliveryUnit{
		Filename:      filepath.Base(asset.Path),
		MimeType:      asset.MimeType(),
		Size:          asset.ByteSize,
		SequenceIndex: 1,
		SequenceTotal: 1,
	}
	var digest string

	caps := t.Capabilities()
	switch {
	case caps.Stream:
		rc, err := s.loader.Open(ctx, asset)
		if err != nil {
			return err
		}
		defer rc.Close()
		unit.Encoding = domain.EncodingStream
		unit.Reader = rc
	case caps.Inline:
		data, err := s.loader.ReadAll(ctx, asset)
		if err != nil {
			return err
		}
		unit.Encoding = domain.EncodingInline
		unit.Data = DataURI(unit.MimeType, data)
		digest = Digest(data)
	case caps.LocalReference:
		unit.Encoding = domain.EncodingReference
		unit.Path = asset.Path
	default:
		return ErrNoUsableEncoding
	}

	if err := ctx.Err(); err != nil {
		report.Canceled = true
		return err
	}
	log.Debug("sending whole asset", "state", "sending-whole", "encoding", unit.Encoding)
	report.Units = append(report.Units, outcome(unit, digest, t.SendMedia(ctx, unit)))
	return nil
}

func (s *Sequencer) sendStrips(ctx context.Context, asset *Asset, d Decision, t domain.MediaTransport, report *domain.DeliveryReport, log *slog.Logger) error {
	caps := t.Capabilities()
	if !caps.Stream && !caps.Inline {
		return ErrNoUsableEncoding
	}

	img, err := s.loader.Decode(ctx, asset)
	if err != nil {
		return err
	}
	cfg := PartitionConfig{StripHeight: d.StripHeight, MaxBytes: d.Budget, Encoder: s.enc}
	if s.strict {
		cfg.MaxBytes = 0
	}
	p := NewPartitioner(img, cfg)
	stem := strings.TrimSuffix(filepath.Base(asset.Path), filepath.Ext(asset.Path))

	// Adaptive splitting can grow the sequence after the first strip, so
	// every strip is rendered before the first send to caption the final total.
	var rendered []Strip
	if cfg.MaxBytes > 0 {
		for p.Next() {
			if err := ctx.Err(); err != nil {
				report.Canceled = true
				return err
			}
			rendered = append(rendered, p.Strip())
		}
		if err := p.Err(); err != nil {
			return err
		}
		log.Debug("strips rendered", "state", "partitioning", "count", len(rendered))
	}

	for seq := 1; ; seq++ {
		if err := ctx.Err(); err != nil {
			report.Canceled = true
			return err
		}
		var strip Strip
		total := len(rendered)
		if rendered != nil {
			if seq > total {
				break
			}
			strip = rendered[seq-1]
		} else {
			if !p.Next() {
				break
			}
			strip = p.Strip()
			total = p.Expected()
		}
		spec := strip.Spec
		unit := domain.DeliveryUnit{
			Filename:      stripName(stem, report.ID, seq, s.enc.Ext()),
			MimeType:      s.enc.MimeType(),
			Size:          int64(len(strip.Data)),
			SequenceIndex: seq,
			SequenceTotal: total,
			Partition:     &spec,
		}
		if caps.Stream {
			unit.Encoding = domain.EncodingStream
			unit.Reader = bytes.NewReader(strip.Data)
		} else {
			unit.Encoding = domain.EncodingInline
			unit.Data = DataURI(unit.MimeType, strip.Data)
		}

		log.Debug("sending strip",
			"state", "sending-partition",
			"seq", seq,
			"total", unit.SequenceTotal,
			"y", spec.YOffset,
			"height", spec.Height,
			"bytes", unit.Size,
		)
		err := t.SendMedia(ctx, unit)
		if err != nil {
			log.Warn("strip send failed, continuing", "seq", seq, "err", err)
		}
		report.Units = append(report.Units, outcome(unit, Digest(strip.Data), err))
	}
	if err := p.Err(); err != nil {
		return err
	}
	for i := range report.Units {
		report.Units[i].SequenceTotal = len(report.Units)
	}
	return nil
}

// stripName keys strip files by delivery so concurrent sends of the same
// asset never share a name.
func stripName(stem, deliveryID string, seq int, ext string) string {
	if len(deliveryID) > 8 {
		deliveryID = deliveryID[:8]
	}
	if deliveryID == "" {
		return fmt.Sprintf("%s-%02d%s", stem, seq, ext)
	}
	return fmt.Sprintf("%s-%s-%02d%s", stem, deliveryID, seq, ext)
}

func outcome(u domain.DeliveryUnit, digest string, err error) domain.UnitOutcome {
	o := domain.UnitOutcome{
		SequenceIndex: u.SequenceIndex,
		SequenceTotal: u.SequenceTotal,
		Encoding:      u.Encoding,
		Size:          u.Size,
		Partition:     u.Partition,
		Digest:        digest,
	}
	if err != nil {
		o.Err = fmt.Errorf("%w: unit %d/%d: %w", ErrSendFailed, u.SequenceIndex, u.SequenceTotal, err)
	}
	return o
}

// Digest is the hex BLAKE3 hash of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
