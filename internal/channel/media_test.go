package channel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sendimg/internal/domain"

	"github.com/bwmarrin/discordgo"
)

func TestSplitMessage(t *testing.T) {
	if chunks := splitMessage("short message", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks := splitMessage("", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}

	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if got := strings.Join(chunks, " "); strings.Fields(got)[0] != "word" || len(strings.Fields(got)) != 100 {
		t.Errorf("words lost in split: %d", len(strings.Fields(got)))
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitMessage(text, 40)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 30) || chunks[1] != strings.Repeat("b", 30) {
		t.Errorf("unexpected chunks %q", chunks)
	}
}

func TestSplitMessage_NoBreaks(t *testing.T) {
	chunks := splitMessage(strings.Repeat("x", 95), 40)
	if len(chunks) != 3 || len(chunks[2]) != 15 {
		t.Errorf("unexpected chunks: %d", len(chunks))
	}
}

func TestTransport(t *testing.T) {
	var got []int
	tr := &transport{
		limit: -1,
		caps:  domain.MediaCapabilities{Stream: true},
		send: func(ctx context.Context, u domain.DeliveryUnit) error {
			got = append(got, u.SequenceIndex)
			return nil
		},
	}
	if n, err := tr.MaxPayloadSize(context.Background()); n != 0 || err != nil {
		t.Errorf("negative limit should read as unknown, got %d, %v", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.SendMedia(ctx, domain.DeliveryUnit{SequenceIndex: 1}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := tr.SendMedia(ctx, domain.DeliveryUnit{SequenceIndex: 2}); err == nil {
		t.Error("expected context error after cancel")
	}
	if _, err := tr.MaxPayloadSize(ctx); err == nil {
		t.Error("expected context error from MaxPayloadSize")
	}
	if len(got) != 1 {
		t.Errorf("send called %d times, want 1", len(got))
	}
}

func TestRewind(t *testing.T) {
	r := bytes.NewReader([]byte("abc"))
	buf := make([]byte, 3)
	r.Read(buf)
	if !rewind(r) || r.Len() != 3 {
		t.Error("bytes.Reader should rewind")
	}
	if rewind(strings.NewReader("x")) != true {
		t.Error("strings.Reader is a Seeker")
	}
	if rewind(&bytes.Buffer{}) {
		t.Error("bytes.Buffer cannot rewind")
	}
}

func TestCLITransport_AllEncodings(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	c := NewCLI(CLIConfig{OutputDir: filepath.Join(dir, "out"), Out: &out, Logger: testLogger()})
	tr := c.MediaTransport("ignored")

	caps := tr.Capabilities()
	if !caps.Stream || !caps.Inline || !caps.LocalReference {
		t.Fatalf("unexpected capabilities %+v", caps)
	}

	src := filepath.Join(dir, "src.png")
	if err := os.WriteFile(src, []byte("ref-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	units := []domain.DeliveryUnit{
		{Encoding: domain.EncodingStream, Reader: strings.NewReader("stream-bytes"), Filename: "a-01.png", SequenceIndex: 1, SequenceTotal: 3},
		{Encoding: domain.EncodingInline, Data: "data:image/png;base64,aW5saW5l", Filename: "a-02.png", SequenceIndex: 2, SequenceTotal: 3},
		{Encoding: domain.EncodingReference, Path: src, Filename: "a-03.png", SequenceIndex: 3, SequenceTotal: 3},
	}
	for _, u := range units {
		if err := tr.SendMedia(context.Background(), u); err != nil {
			t.Fatalf("unit %d: %v", u.SequenceIndex, err)
		}
	}

	want := map[string]string{"a-01.png": "stream-bytes", "a-02.png": "inline", "a-03.png": "ref-bytes"}
	for name, content := range want {
		data, err := os.ReadFile(filepath.Join(dir, "out", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != content {
			t.Errorf("%s = %q, want %q", name, data, content)
		}
	}
	if !strings.Contains(out.String(), "[image 2/3]") {
		t.Errorf("expected sequence label in output, got %q", out.String())
	}
}

func TestCLITransport_UnknownEncoding(t *testing.T) {
	c := NewCLI(CLIConfig{OutputDir: t.TempDir(), Out: &bytes.Buffer{}, Logger: testLogger()})
	err := c.MediaTransport("").SendMedia(context.Background(), domain.DeliveryUnit{Encoding: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestCLI_REPLPublishes(t *testing.T) {
	bus := &recordingBus{}
	var out bytes.Buffer
	c := NewCLI(CLIConfig{
		In:     strings.NewReader("#cat\n\n/help\n/quit\n#never\n"),
		Out:    &out,
		Logger: testLogger(),
	})
	if err := c.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	msgs := bus.messages()
	if len(msgs) != 2 || msgs[0].Content != "#cat" || msgs[1].Content != "/help" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].Channel != "cli" || msgs[0].ChatID != cliChatID {
		t.Errorf("unexpected routing %+v", msgs[0])
	}

	bus.SendOutbound(domain.OutboundMessage{Channel: "cli", Content: "pong"})
	if !strings.Contains(out.String(), "pong") {
		t.Error("outbound text not printed")
	}
}

func TestTelegramIsAllowed(t *testing.T) {
	tg := NewTelegram(TelegramConfig{AllowFrom: []string{"42", " 7 ", "bogus"}})
	if !tg.isAllowed(42) || !tg.isAllowed(7) || tg.isAllowed(8) {
		t.Error("allow list not applied")
	}
	if !NewTelegram(TelegramConfig{}).isAllowed(1) {
		t.Error("empty allow list should allow everyone")
	}
}

func TestTelegramFile(t *testing.T) {
	if _, err := telegramFile(domain.DeliveryUnit{Encoding: domain.EncodingStream, Reader: strings.NewReader("x"), Filename: "a.png"}); err != nil {
		t.Error(err)
	}
	if _, err := telegramFile(domain.DeliveryUnit{Encoding: domain.EncodingReference, Path: "/tmp/a.png"}); err != nil {
		t.Error(err)
	}
	if _, err := telegramFile(domain.DeliveryUnit{Encoding: domain.EncodingInline}); err == nil {
		t.Error("inline should be rejected")
	}
}

func TestTransportCapabilities(t *testing.T) {
	cases := map[string]struct {
		ch   domain.MediaChannel
		want domain.MediaCapabilities
	}{
		"telegram": {NewTelegram(TelegramConfig{}), domain.MediaCapabilities{Stream: true, LocalReference: true}},
		"discord":  {NewDiscord(DiscordConfig{}), domain.MediaCapabilities{Stream: true}},
		"slack":    {NewSlack(SlackConfig{}), domain.MediaCapabilities{Stream: true}},
		"webhook":  {NewWebhook(WebhookConfig{}), domain.MediaCapabilities{Inline: true}},
	}
	for name, tc := range cases {
		if got := tc.ch.MediaTransport("1").Capabilities(); got != tc.want {
			t.Errorf("%s: capabilities %+v, want %+v", name, got, tc.want)
		}
		if tc.ch.Name() != name {
			t.Errorf("Name() = %q, want %q", tc.ch.Name(), name)
		}
	}
}

func TestDiscordCommandContent(t *testing.T) {
	d := NewDiscord(DiscordConfig{Prefix: "#"})
	if got := d.commandContent(discordCommand("img", "cat")); got != "#cat" {
		t.Errorf("img: got %q", got)
	}
	if got := d.commandContent(discordCommand("ask", "P1", "how much?")); got != "/ask P1 how much?" {
		t.Errorf("ask: got %q", got)
	}
	if got := d.commandContent(discordCommand("help")); got != "/help" {
		t.Errorf("help: got %q", got)
	}
}

func TestStreamTransportsRejectInline(t *testing.T) {
	unit := domain.DeliveryUnit{Encoding: domain.EncodingInline}
	for _, ch := range []domain.MediaChannel{NewDiscord(DiscordConfig{}), NewSlack(SlackConfig{})} {
		if err := ch.MediaTransport("c").SendMedia(context.Background(), unit); err == nil {
			t.Errorf("%s accepted inline unit", ch.Name())
		}
	}
}

func discordCommand(name string, args ...string) discordgo.ApplicationCommandInteractionData {
	data := discordgo.ApplicationCommandInteractionData{Name: name}
	for i, a := range args {
		data.Options = append(data.Options, &discordgo.ApplicationCommandInteractionDataOption{
			Name:  fmt.Sprintf("arg%d", i),
			Type:  discordgo.ApplicationCommandOptionString,
			Value: a,
		})
	}
	return data
}
