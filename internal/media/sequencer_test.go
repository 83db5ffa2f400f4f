package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sendimg/internal/domain"
)

func newTestSequencer(gate GateConfig) *Sequencer {
	return NewSequencer(SequencerConfig{Gate: gate, Logger: testLogger()})
}

// tallAsset writes a noisy 64x1000 PNG, large enough to need partitioning
// under small limits.
func tallAsset(t *testing.T) (string, int64) {
	t.Helper()
	return writePNG(t, t.TempDir(), "tall.png", noiseImage(64, 1000))
}

func TestDeliver_WholeAsset(t *testing.T) {
	path, size := writePNG(t, t.TempDir(), "small.png", patternImage(20, 20))
	spy := newSpy(size + 1)

	report, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spy.units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(spy.units))
	}
	u := spy.units[0]
	if u.SequenceIndex != 1 || u.SequenceTotal != 1 || u.Partition != nil {
		t.Fatalf("expected 1-of-1 whole unit, got %d/%d", u.SequenceIndex, u.SequenceTotal)
	}
	if u.Encoding != domain.EncodingStream {
		t.Fatalf("expected binary-stream, got %s", u.Encoding)
	}
	want, _ := os.ReadFile(path)
	if !bytes.Equal(spy.blobs[0], want) {
		t.Fatal("streamed bytes differ from the file")
	}
	if report.Partitioned || report.Succeeded() != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Width != 20 || report.Height != 20 || report.ByteSize != size {
		t.Fatalf("report dimensions: %dx%d %d bytes", report.Width, report.Height, report.ByteSize)
	}
}

func TestDeliver_UnknownLimitUsesFallback(t *testing.T) {
	path, _ := writePNG(t, t.TempDir(), "photo.png", patternImage(80, 60))
	spy := newSpy(0)

	report, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatal(err)
	}
	if len(spy.units) != 1 {
		t.Fatalf("expected exactly one unit, got %d", len(spy.units))
	}
	if report.LimitKnown || report.Limit != DefaultTransportLimit {
		t.Fatalf("expected 1 MiB fallback, got %d known=%v", report.Limit, report.LimitKnown)
	}
}

func TestDeliver_LimitQueryErrorIsNotFatal(t *testing.T) {
	path, _ := writePNG(t, t.TempDir(), "photo.png", patternImage(10, 10))
	spy := newSpy(0)
	spy.limitErr = errors.New("getFileSizeLimit not supported")

	report, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatalf("limit errors must not abort delivery: %v", err)
	}
	if report.LimitKnown {
		t.Fatal("limit should be unknown")
	}
}

func TestDeliver_InlineFallback(t *testing.T) {
	path, size := writePNG(t, t.TempDir(), "small.png", patternImage(8, 8))
	spy := newSpy(2*size + inlineHeadroom)
	spy.caps = domain.MediaCapabilities{Inline: true}

	report, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatal(err)
	}
	u := spy.units[0]
	if u.Encoding != domain.EncodingInline {
		t.Fatalf("expected inline-base64, got %s", u.Encoding)
	}
	want, _ := os.ReadFile(path)
	if !bytes.Equal(spy.blobs[0], want) {
		t.Fatal("inline payload differs from the file")
	}
	if report.Units[0].Digest != Digest(want) {
		t.Fatal("inline unit should carry the payload digest")
	}
}

func TestDeliver_LocalReference(t *testing.T) {
	path, size := writePNG(t, t.TempDir(), "small.png", patternImage(8, 8))
	spy := newSpy(size)
	spy.caps = domain.MediaCapabilities{LocalReference: true}

	if _, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy); err != nil {
		t.Fatal(err)
	}
	u := spy.units[0]
	if u.Encoding != domain.EncodingReference || u.Path != path {
		t.Fatalf("expected raw-reference to %s, got %s %q", path, u.Encoding, u.Path)
	}
}

func TestDeliver_NoUsableEncoding(t *testing.T) {
	path, size := writePNG(t, t.TempDir(), "small.png", patternImage(8, 8))
	spy := newSpy(size)
	spy.caps = domain.MediaCapabilities{}

	_, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy)
	if !errors.Is(err, ErrNoUsableEncoding) {
		t.Fatalf("expected ErrNoUsableEncoding, got %v", err)
	}
}

func TestDeliver_PartitionedInOrder(t *testing.T) {
	path, size := tallAsset(t)
	spy := newSpy(size - 1)

	report, err := newTestSequencer(GateConfig{StripHeight: 200}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Partitioned || report.StripHeight != 200 {
		t.Fatalf("expected Partition(200), got partitioned=%v strip=%d", report.Partitioned, report.StripHeight)
	}
	if len(spy.units) != 5 {
		t.Fatalf("expected 5 units, got %d", len(spy.units))
	}
	sum := 0
	for i, u := range spy.units {
		if u.SequenceIndex != i+1 {
			t.Fatalf("call %d carried sequence index %d", i, u.SequenceIndex)
		}
		if u.SequenceTotal != 5 {
			t.Fatalf("unit %d: total %d", u.SequenceIndex, u.SequenceTotal)
		}
		if u.Partition == nil || u.Partition.YOffset != sum {
			t.Fatalf("unit %d: unexpected partition %+v", u.SequenceIndex, u.Partition)
		}
		if u.MimeType != "image/png" || filepath.Ext(u.Filename) != ".png" {
			t.Fatalf("unit %d: %s %s", u.SequenceIndex, u.MimeType, u.Filename)
		}
		sum += u.Partition.Height
	}
	if sum != 1000 {
		t.Fatalf("strip heights sum to %d", sum)
	}
}

func TestDeliver_InlineStrips(t *testing.T) {
	path, size := tallAsset(t)
	spy := newSpy(size - 1)
	spy.caps = domain.MediaCapabilities{Inline: true, LocalReference: true}

	if _, err := newTestSequencer(GateConfig{StripHeight: 500}).Deliver(context.Background(), path, spy); err != nil {
		t.Fatal(err)
	}
	for _, u := range spy.units {
		if u.Encoding != domain.EncodingInline {
			t.Fatalf("strips must be sent inline, got %s", u.Encoding)
		}
	}
	if _, err := pngBounds(spy.blobs[0]); err != nil {
		t.Fatalf("inline strip is not a PNG: %v", err)
	}
}

func TestDeliver_FailureIsolation(t *testing.T) {
	path, size := tallAsset(t)
	spy := newSpy(size - 1)
	spy.failOn = map[int]bool{2: true}

	report, err := newTestSequencer(GateConfig{StripHeight: 200}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatalf("partial failure must not abort delivery: %v", err)
	}
	if len(report.Units) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(report.Units))
	}
	if report.Succeeded() != 4 || report.Failed() != 1 {
		t.Fatalf("expected 4 ok / 1 failed, got %d / %d", report.Succeeded(), report.Failed())
	}
	if !errors.Is(report.Units[1].Err, ErrSendFailed) {
		t.Fatalf("unit 2 should record ErrSendFailed, got %v", report.Units[1].Err)
	}
}

func TestDeliver_AllUnitsFail(t *testing.T) {
	path, size := tallAsset(t)
	spy := newSpy(size - 1)
	spy.failAll = true

	report, err := newTestSequencer(GateConfig{StripHeight: 200}).Deliver(context.Background(), path, spy)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if report == nil || report.Failed() != 5 {
		t.Fatalf("report should list all 5 failures: %+v", report)
	}
}

func TestDeliver_WholeUnitFails(t *testing.T) {
	path, size := writePNG(t, t.TempDir(), "small.png", patternImage(8, 8))
	spy := newSpy(size)
	spy.failAll = true

	_, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, spy)
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrDeliveryFailed wrapping ErrSendFailed, got %v", err)
	}
}

func TestDeliver_CancelKeepsPartialReport(t *testing.T) {
	path, size := tallAsset(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spy := newSpy(size - 1)
	spy.onSend = func(u domain.DeliveryUnit) {
		if u.SequenceIndex == 2 {
			cancel()
		}
	}

	report, err := newTestSequencer(GateConfig{StripHeight: 200}).Deliver(ctx, path, spy)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !report.Canceled {
		t.Fatal("report should be marked canceled")
	}
	if len(spy.units) != 2 || len(report.Units) != 2 {
		t.Fatalf("expected sends to stop after unit 2, got %d sends / %d outcomes", len(spy.units), len(report.Units))
	}
}

func TestDeliver_AssetNotFound(t *testing.T) {
	report, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), filepath.Join(t.TempDir(), "missing.png"), newSpy(0))
	if !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
	if report == nil || len(report.Units) != 0 {
		t.Fatal("expected an empty report")
	}
}

func TestDeliver_EncodingFailedAborts(t *testing.T) {
	path, size := tallAsset(t)
	spy := newSpy(size - 1)
	seq := NewSequencer(SequencerConfig{Encoder: failingEncoder{}, Gate: GateConfig{StripHeight: 200}, Logger: testLogger()})

	_, err := seq.Deliver(context.Background(), path, spy)
	if !errors.Is(err, ErrEncodingFailed) {
		t.Fatalf("expected ErrEncodingFailed, got %v", err)
	}
	if len(spy.units) != 0 {
		t.Fatal("nothing should be sent when encoding fails")
	}
}

func TestDeliver_AdaptiveSplitAndStrictMode(t *testing.T) {
	path, _ := tallAsset(t) // ~64 kB
	const limit = 8000

	spy := newSpy(limit)
	if _, err := newTestSequencer(GateConfig{StripHeight: 500}).Deliver(context.Background(), path, spy); err != nil {
		t.Fatal(err)
	}
	for _, u := range spy.units {
		if u.Size > limit {
			t.Fatalf("unit %d is %d bytes, over the %d limit", u.SequenceIndex, u.Size, limit)
		}
	}
	last := spy.units[len(spy.units)-1]
	if last.SequenceTotal != last.SequenceIndex {
		t.Fatalf("last unit should close the sequence: %d/%d", last.SequenceIndex, last.SequenceTotal)
	}

	strictSpy := newSpy(limit)
	strict := NewSequencer(SequencerConfig{Gate: GateConfig{StripHeight: 500}, StrictSinglePass: true, Logger: testLogger()})
	if _, err := strict.Deliver(context.Background(), path, strictSpy); err != nil {
		t.Fatal(err)
	}
	if len(strictSpy.units) != 2 {
		t.Fatalf("strict mode should cut exactly ceil(1000/500)=2 strips, got %d", len(strictSpy.units))
	}
}

func TestDeliverWith_StripHeightOverride(t *testing.T) {
	path, size := tallAsset(t)
	spy := newSpy(size - 1)

	report, err := newTestSequencer(GateConfig{StripHeight: 200}).DeliverWith(context.Background(), path, spy, DeliverOptions{StripHeight: 400})
	if err != nil {
		t.Fatal(err)
	}
	if report.StripHeight != 400 || len(spy.units) != 3 {
		t.Fatalf("expected 3 strips of 400 rows, got %d units (strip %d)", len(spy.units), report.StripHeight)
	}
}

func TestDeliver_AdaptiveSplitCaptionsFinalTotal(t *testing.T) {
	path, _ := tallAsset(t)
	spy := newSpy(8000)

	report, err := newTestSequencer(GateConfig{StripHeight: 500}).Deliver(context.Background(), path, spy)
	if err != nil {
		t.Fatal(err)
	}
	n := len(report.Units)
	if n <= 2 {
		t.Fatalf("expected the 500-row strips to be re-split, got %d units", n)
	}
	for i, o := range report.Units {
		if o.SequenceIndex != i+1 || o.SequenceTotal != n {
			t.Fatalf("outcome %d carries %d/%d, want %d/%d", i, o.SequenceIndex, o.SequenceTotal, i+1, n)
		}
	}
	for i, u := range spy.units {
		if want := fmt.Sprintf("%d/%d", i+1, n); u.Caption() != want {
			t.Fatalf("unit %d captioned %q, want %q", i, u.Caption(), want)
		}
	}
}

func TestDeliver_ConcurrentOnOneSequencer(t *testing.T) {
	path, _ := tallAsset(t)
	seq := newTestSequencer(GateConfig{StripHeight: 500})

	const workers = 8
	spies := make([]*spyTransport, workers)
	reports := make([]*domain.DeliveryReport, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		spies[i] = newSpy(8000)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = seq.Deliver(context.Background(), path, spies[i])
		}()
	}
	wg.Wait()

	want := len(reports[0].Units)
	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		if len(reports[i].Units) != want || reports[i].Failed() != 0 {
			t.Fatalf("delivery %d sent %d units (%d failed), want %d", i, len(reports[i].Units), reports[i].Failed(), want)
		}
		area := 0
		for j, u := range spies[i].units {
			b, err := pngBounds(spies[i].blobs[j])
			if err != nil {
				t.Fatalf("delivery %d unit %d: %v", i, j, err)
			}
			if b.Dx() != u.Partition.Width || b.Dy() != u.Partition.Height {
				t.Fatalf("delivery %d unit %d decodes to %v, partition %+v", i, j, b, *u.Partition)
			}
			area += b.Dx() * b.Dy()
		}
		if area != 64*1000 {
			t.Fatalf("delivery %d covers %d pixels", i, area)
		}
	}
}

func TestDeliver_InlineOnlyBudget(t *testing.T) {
	path, size := tallAsset(t)
	limit := size + 1000

	streamed := newSpy(limit)
	report, err := newTestSequencer(GateConfig{}).Deliver(context.Background(), path, streamed)
	if err != nil {
		t.Fatal(err)
	}
	if report.Partitioned {
		t.Fatal("a streaming transport should take the raw asset whole")
	}

	inline := newSpy(limit)
	inline.caps = domain.MediaCapabilities{Inline: true}
	report, err = newTestSequencer(GateConfig{}).Deliver(context.Background(), path, inline)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Partitioned {
		t.Fatal("base64 growth should push the asset past an inline-only limit")
	}
	for _, u := range inline.units {
		if int64(len(u.Data)) > limit {
			t.Fatalf("unit %d data URI is %d bytes, over the %d limit", u.SequenceIndex, len(u.Data), limit)
		}
	}
}

func TestDeliver_StripNamesPerDelivery(t *testing.T) {
	path, size := tallAsset(t)
	seq := newTestSequencer(GateConfig{StripHeight: 500})

	seen := map[string]bool{}
	for range 2 {
		spy := newSpy(size - 1)
		report, err := seq.Deliver(context.Background(), path, spy)
		if err != nil {
			t.Fatal(err)
		}
		for _, u := range spy.units {
			if !strings.HasPrefix(u.Filename, "tall-"+report.ID[:8]+"-") {
				t.Fatalf("strip %q is not keyed by delivery %s", u.Filename, report.ID)
			}
			if seen[u.Filename] {
				t.Fatalf("strip name %q reused across deliveries", u.Filename)
			}
			seen[u.Filename] = true
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct strip names, got %d", len(seen))
	}
}

func pngBounds(data []byte) (image.Rectangle, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Rectangle{}, err
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}
