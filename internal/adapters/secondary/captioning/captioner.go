package captioning

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	log "github.com/sirupsen/logrus"

	"incident-detector-service/internal/config"
	ports "incident-detector-service/internal/core/ports/output"
)

const (
	noCaption     = "No caption available"
	captionPrompt = "Describe this photo in one short sentence. Mention any fire, smoke, vehicles, collision damage or injured people you can see."
)

// Captioner describes images with a vision-capable chat completion model.
// It works against OpenAI and compatible backends (vLLM, Ollama).
type Captioner struct {
	client    openai.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewCaptioner creates a captioner from config. A disabled config yields a
// captioner that always returns the fallback text.
func NewCaptioner(cfg *config.CaptionConfig, opts ...option.RequestOption) ports.Captioner {
	if !cfg.Enabled {
		return disabledCaptioner{}
	}

	reqOpts := []option.RequestOption{}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	} else {
		// Local backends do not require authentication.
		reqOpts = append(reqOpts, option.WithAPIKey("dummy"))
	}
	reqOpts = append(reqOpts, opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 50
	}

	return &Captioner{
		client:    openai.NewClient(reqOpts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		timeout:   cfg.Timeout,
	}
}

func (c *Captioner) Caption(ctx context.Context, image []byte) string {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(image), base64.StdEncoding.EncodeToString(image))
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(captionPrompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURI}),
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(c.model),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
		MaxTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		log.WithError(err).Warn("captioning failed")
		return fmt.Sprintf("Captioning failed: %v", err)
	}
	if len(completion.Choices) == 0 {
		return noCaption
	}
	return normalizeCaption(completion.Choices[0].Message.Content)
}

// normalizeCaption trims the text and upper-cases its first letter.
func normalizeCaption(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return noCaption
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

type disabledCaptioner struct{}

func (disabledCaptioner) Caption(context.Context, []byte) string {
	return noCaption
}
