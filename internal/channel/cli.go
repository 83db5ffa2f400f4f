package channel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sendimg/internal/domain"
	"sendimg/internal/media"

	"github.com/dustin/go-humanize"
)

const cliChatID = "local"

// CLI implements domain.MediaChannel for a terminal session. Images are
// written to OutputDir and announced on the output stream.
type CLI struct {
	bus        domain.MessageBus
	logger     *slog.Logger
	in         io.Reader
	out        io.Writer
	outputDir  string
	maxPayload int64
	spinner    bool

	outMu     sync.Mutex
	thinkMu   sync.Mutex
	thinking  bool
	thinkStop chan struct{}
}

type CLIConfig struct {
	OutputDir       string
	MaxPayloadBytes int64
	// Spinner shows a progress indicator while a request is in flight.
	// Only useful when Out is a terminal.
	Spinner bool
	In      io.Reader
	Out     io.Writer
	Logger  *slog.Logger
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		logger:     cfg.Logger,
		in:         cfg.In,
		out:        cfg.Out,
		outputDir:  cfg.OutputDir,
		maxPayload: cfg.MaxPayloadBytes,
		spinner:    cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until EOF, /quit, or ctx is done.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound(c.Name(), func(msg domain.OutboundMessage) {
		c.stopThinking()
		c.printf("\r\033[K%s\n> ", msg.Content)
	})

	c.printf("sendimg CLI. Type #keyword for an image, /help for commands, /quit to exit.\n> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.printf("> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		c.startThinking()
		c.bus.Publish(domain.InboundMessage{
			Channel:   c.Name(),
			ChatID:    cliChatID,
			SenderID:  "user",
			Content:   line,
			Timestamp: time.Now(),
		})
	}
}

func (c *CLI) Stop() error {
	c.stopThinking()
	return nil
}

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	return c.printf("%s\n", content)
}

// MediaTransport returns a transport that saves every unit under the
// output directory. chatID is ignored; the terminal has one chat.
func (c *CLI) MediaTransport(chatID string) domain.MediaTransport {
	return &transport{
		limit: c.maxPayload,
		caps:  domain.MediaCapabilities{Stream: true, Inline: true, LocalReference: true},
		send:  c.saveUnit,
	}
}

func (c *CLI) saveUnit(ctx context.Context, unit domain.DeliveryUnit) error {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return fmt.Errorf("cli: create output dir: %w", err)
	}
	dst := filepath.Join(c.outputDir, filepath.Base(unit.Filename))

	var src io.Reader
	switch unit.Encoding {
	case domain.EncodingStream:
		src = unit.Reader
	case domain.EncodingInline:
		_, data, err := media.ParseDataURI(unit.Data)
		if err != nil {
			return fmt.Errorf("cli: %w", err)
		}
		src = bytes.NewReader(data)
	case domain.EncodingReference:
		f, err := os.Open(unit.Path)
		if err != nil {
			return fmt.Errorf("cli: %w", err)
		}
		defer f.Close()
		src = f
	default:
		return fmt.Errorf("cli: %w: %s", errUnsupportedEncoding, unit.Encoding)
	}

	n, err := writeFileAtomic(dst, src)
	if err != nil {
		return fmt.Errorf("cli: save %s: %w", unit.Filename, err)
	}

	c.stopThinking()
	label := "image"
	if caption := unit.Caption(); caption != "" {
		label += " " + caption
	}
	return c.printf("\r\033[K[%s] %s (%s)\n", label, dst, humanize.IBytes(uint64(n)))
}

func writeFileAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (c *CLI) printf(format string, args ...any) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.printf("\r%s Working...", frames[i%len(frames)])
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
