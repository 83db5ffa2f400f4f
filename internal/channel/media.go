package channel

import (
	"context"
	"errors"
	"io"
	"strings"

	"sendimg/internal/domain"
)

var errUnsupportedEncoding = errors.New("unsupported encoding")

// transport adapts a per-chat send function to domain.MediaTransport.
type transport struct {
	limit int64
	caps  domain.MediaCapabilities
	send  func(ctx context.Context, unit domain.DeliveryUnit) error
}

func (t *transport) MaxPayloadSize(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.limit < 0 {
		return 0, nil
	}
	return t.limit, nil
}

func (t *transport) Capabilities() domain.MediaCapabilities { return t.caps }

func (t *transport) SendMedia(ctx context.Context, unit domain.DeliveryUnit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.send(ctx, unit)
}

// rewind seeks a stream unit back to its start so it can be uploaded again.
func rewind(r io.Reader) bool {
	s, ok := r.(io.Seeker)
	if !ok {
		return false
	}
	_, err := s.Seek(0, io.SeekStart)
	return err == nil
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// to cut at a newline in the second half of the window, then at a space.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut < maxLen/2 {
			cut = strings.LastIndex(text[:maxLen], " ")
		}
		if cut < maxLen/2 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	return chunks
}
