package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/config"
)

const maxAvatarBytes = 8 << 20

// OpenAI generates characters with a chat model and renders their avatars
// with an image model.
type OpenAI struct {
	client      *openai.Client
	httpClient  *http.Client
	model       string
	imageModel  string
	theme       string
	timeout     time.Duration
	maxAttempts uint64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewOpenAI returns a generator using cfg's credentials and models.
func NewOpenAI(cfg config.GeneratorConfig, logger *slog.Logger, tp trace.TracerProvider) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	attempts := uint64(cfg.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(oc),
		httpClient:  &http.Client{Timeout: timeout},
		model:       cfg.Model,
		imageModel:  cfg.ImageModel,
		theme:       cfg.Theme,
		timeout:     timeout,
		maxAttempts: attempts,
		newBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:      logger,
		tracer:      tp.Tracer("github.com/digichar/keeper/internal/generator"),
	}
}

type characterSheet struct {
	Characters []struct {
		Name        string `json:"name"`
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
		Appearance  string `json:"appearance"`
	} `json:"characters"`
}

// Generate asks the chat model for n characters and renders one avatar per
// character.
func (g *OpenAI) Generate(ctx context.Context, n int) ([]Draft, error) {
	ctx, span := g.tracer.Start(ctx, "OpenAI.Generate",
		trace.WithAttributes(attribute.Int("count", n)))
	defer span.End()

	sheet, err := g.characterSheet(ctx, n)
	if err != nil {
		return nil, g.fail(span, err)
	}

	drafts := make([]Draft, 0, n)
	for _, c := range sheet.Characters[:n] {
		avatar, err := g.avatar(ctx, c.Name, c.Appearance)
		if err != nil {
			return nil, g.fail(span, fmt.Errorf("avatar for %q: %w", c.Name, err))
		}
		d := Draft{
			Name:        strings.TrimSpace(c.Name),
			Symbol:      NormalizeSymbol(c.Symbol, c.Name),
			Description: strings.TrimSpace(c.Description),
			Avatar:      avatar,
		}
		if err := validate(d); err != nil {
			return nil, g.fail(span, err)
		}
		drafts = append(drafts, d)
	}

	g.logger.InfoContext(ctx, "characters generated", slog.Int("count", len(drafts)))
	return drafts, nil
}

func (g *OpenAI) characterSheet(ctx context.Context, n int) (*characterSheet, error) {
	prompt := fmt.Sprintf(`Invent %d distinct characters for a collectible auction themed %q.
Reply with JSON: {"characters":[{"name":"","symbol":"","description":"","appearance":""}]}.
symbol is a 3-6 letter token ticker. description is one or two sentences. appearance describes how to draw the character.`, n, g.theme)

	var sheet characterSheet
	err := g.retry(ctx, "chat completion", func(ctx context.Context) error {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "You design characters for an on-chain collectible game."},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty completion")
		}
		sheet = characterSheet{}
		if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &sheet); err != nil {
			return fmt.Errorf("decoding character sheet: %w", err)
		}
		if len(sheet.Characters) < n {
			return fmt.Errorf("asked for %d characters, got %d", n, len(sheet.Characters))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sheet, nil
}

func (g *OpenAI) avatar(ctx context.Context, name, appearance string) ([]byte, error) {
	prompt := fmt.Sprintf("Portrait avatar of %s, %s. Style: %s. Centered, plain background.", name, appearance, g.theme)

	var img []byte
	err := g.retry(ctx, "image", func(ctx context.Context) error {
		resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         prompt,
			Model:          g.imageModel,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("no image returned")
		}
		if b64 := resp.Data[0].B64JSON; b64 != "" {
			img, err = base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("decoding image: %w", err))
			}
			return nil
		}
		if u := resp.Data[0].URL; u != "" {
			img, err = g.download(ctx, u)
			return err
		}
		return fmt.Errorf("image response has neither data nor url")
	})
	return img, err
}

// download fetches an avatar that was returned by URL.
func (g *OpenAI) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading avatar: status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading avatar: %w", err)
	}
	if len(b) > maxAvatarBytes {
		return nil, backoff.Permanent(fmt.Errorf("avatar exceeds %d bytes", maxAvatarBytes))
	}
	return b, nil
}

func (g *OpenAI) retry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), g.maxAttempts-1), ctx)
	return backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		err := op(callCtx)
		if err != nil {
			g.logger.WarnContext(ctx, "generation call failed",
				slog.String("call", what),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		return err
	}, b)
}

func (g *OpenAI) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%w: %w", ErrGeneration, err)
}
