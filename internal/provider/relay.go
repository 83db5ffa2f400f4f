package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"sendimg/internal/domain"
)

var (
	ErrUnknownProduct = errors.New("unknown product code")
	ErrPromptMissing  = errors.New("prompt preset missing")
)

// Preset file names inside the prompt directory.
const (
	RolePresetFile     = "role.json"     // {"role": "system", "content": "..."}
	ThinkingPresetFile = "thinking.json" // chain-of-thought steps, same shape
	DefaultPromptFile  = "default.txt"   // optional replacement for short questions
)

const defaultQuestion = "Help a front-line sales representative pitch this product, with plenty of persuasive talking points."

const thinkingFormat = `<thinking_format>Before answering you must think, listing every point below with its basis or what is unclear inside <thinking> tags.
<thinking>%s</thinking>
<assistant_thinking_rules>
- Run the full chain of thought at the start of every reply.
- Remind yourself at the start of each round that it is a new round of thinking.
- Wrap the thinking process in <thinking> tags, one point per line.
</assistant_thinking_rules>
Note:
- Fill in the <thinking> requirements in order, then give the answer.
- List every point; never skip or merge one.
</thinking_format>`

var productCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Relay turns a product code and a user question into a chat completion
// primed with the product's knowledge file and the prompt presets.
type Relay struct {
	provider     domain.Provider
	promptDir    string
	knowledgeDir string
	model        string
	temperature  float64
	maxTokens    int
	minQuestion  int
	logger       *slog.Logger
}

type RelayConfig struct {
	Provider          domain.Provider
	PromptDir         string
	KnowledgeDir      string
	Model             string
	Temperature       float64
	MaxTokens         int
	MinQuestionLength int
	Logger            *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		provider:     cfg.Provider,
		promptDir:    cfg.PromptDir,
		knowledgeDir: cfg.KnowledgeDir,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		minQuestion:  cfg.MinQuestionLength,
		logger:       cfg.Logger,
	}
}

// Exchange is one completed /ask round trip.
type Exchange struct {
	Code      string
	Question  string
	Reply     string
	Model     string
	Usage     domain.Usage
	LatencyMs int64
}

// Ask sends question about the product identified by code and returns the
// reply with any leading thinking block removed. Presets are re-read on
// every call so they can be edited while the bot runs.
func (r *Relay) Ask(ctx context.Context, code, question string) (*Exchange, error) {
	msgs, question, err := r.BuildMessages(code, question)
	if err != nil {
		return nil, err
	}

	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages:    msgs,
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		r.logger.Error("llm request failed", "code", code, "err", err)
		return nil, fmt.Errorf("ask %s: %w", code, err)
	}

	ex := &Exchange{
		Code:      code,
		Question:  question,
		Reply:     StripThinking(resp.Content),
		Model:     r.model,
		Usage:     resp.Usage,
		LatencyMs: resp.LatencyMs,
	}
	r.logger.Info("llm reply",
		"code", code,
		"tokens", resp.Usage.TotalTokens,
		"latency_ms", resp.LatencyMs,
		"finish", resp.FinishReason,
	)
	return ex, nil
}

// BuildMessages assembles the prompt for code. It returns the question
// actually asked, which is the default prompt when the user's is too short.
func (r *Relay) BuildMessages(code, question string) ([]domain.Message, string, error) {
	if !productCodePattern.MatchString(code) {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProduct, code)
	}

	role, err := r.readPreset(RolePresetFile)
	if err != nil {
		return nil, "", err
	}
	thinking, err := r.readPreset(ThinkingPresetFile)
	if err != nil {
		return nil, "", err
	}
	product, err := os.ReadFile(filepath.Join(r.knowledgeDir, code+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownProduct, code)
		}
		return nil, "", fmt.Errorf("read knowledge for %s: %w", code, err)
	}

	question = strings.TrimSpace(question)
	if utf8.RuneCountInString(question) < r.minQuestion {
		question = r.defaultQuestion()
	}

	return []domain.Message{
		{Role: "system", Content: role.Content},
		{Role: "system", Content: "<product_intro>" + string(product) + "</product_intro>"},
		{Role: "system", Content: fmt.Sprintf(thinkingFormat, thinking.Content)},
		{Role: "user", Content: question},
	}, question, nil
}

func (r *Relay) readPreset(name string) (domain.Message, error) {
	path := filepath.Join(r.promptDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %s: %w", ErrPromptMissing, path, err)
	}
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Message{}, fmt.Errorf("parse preset %s: %w", path, err)
	}
	return m, nil
}

func (r *Relay) defaultQuestion() string {
	data, err := os.ReadFile(filepath.Join(r.promptDir, DefaultPromptFile))
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return defaultQuestion
}

// StripThinking removes everything up to and including the first
// </thinking> tag. Text without the tag is returned unchanged.
func StripThinking(s string) string {
	const tag = "</thinking>"
	i := strings.Index(s, tag)
	if i < 0 {
		return s
	}
	return strings.TrimSpace(s[i+len(tag):])
}
