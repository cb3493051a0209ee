package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/krishna9304/osce-central-serve-sub000/internal/config"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/tracing"
)

// GeminiProvider 基于 google genai SDK 的补全服务
type GeminiProvider struct {
	mu     sync.RWMutex
	config config.AIConfig
	client *genai.Client
}

func newGenaiClient(ctx context.Context, cfg config.AIConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

func NewGeminiProvider(ctx context.Context, cfg config.AIConfig) (*GeminiProvider, error) {
	client, err := newGenaiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{config: cfg, client: client}, nil
}

func (p *GeminiProvider) UpdateConfig(cfg config.AIConfig) {
	client, err := newGenaiClient(context.Background(), cfg)
	if err != nil {
		logger.Log.Error("Reload gemini client failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.config = cfg
	p.client = client
	p.mu.Unlock()
}

func (p *GeminiProvider) snapshot() (config.AIConfig, *genai.Client) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config, p.client
}

// toGenai system 消息合并为 SystemInstruction，assistant 映射为 model 角色
func toGenai(messages []AIChatMessage) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	var gc *genai.GenerateContentConfig
	if len(system) > 0 {
		gc = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser),
		}
	}
	return contents, gc
}

func (p *GeminiProvider) ChatStream(ctx context.Context, model string, messages []AIChatMessage) (<-chan string, <-chan error) {
	out := make(chan string)
	errChan := make(chan error, 1)

	cfg, client := p.snapshot()
	if model == "" {
		model = cfg.Model
	}
	contents, gc := toGenai(messages)

	go func() {
		defer close(errChan)
		defer close(out)

		ctx, span := tracing.Tracer.Start(ctx, "gemini.ChatStream")
		span.SetAttributes(attribute.String("ai.model", model))
		defer span.End()

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, gc) {
			if err != nil {
				errChan <- fmt.Errorf("%w: %v", util.ErrProvider, err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case out <- text:
			case <-ctx.Done():
				errChan <- fmt.Errorf("%w: %v", util.ErrProvider, ctx.Err())
				return
			}
		}
	}()

	return out, errChan
}

func (p *GeminiProvider) Complete(ctx context.Context, model string, messages []AIChatMessage) (string, error) {
	cfg, client := p.snapshot()
	if model == "" {
		model = cfg.Model
	}

	ctx, span := tracing.Tracer.Start(ctx, "gemini.Complete")
	span.SetAttributes(attribute.String("ai.model", model))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	contents, gc := toGenai(messages)
	result, err := client.Models.GenerateContent(ctx, model, contents, gc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrProvider, err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response", util.ErrProvider)
	}
	return text, nil
}
