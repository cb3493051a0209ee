package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/krishna9304/osce-central-serve-sub000/internal/config"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/tracing"
)

// CompletionProvider 大模型补全服务。ChatStream 的错误通道在数据通道关闭后可读。
type CompletionProvider interface {
	ChatStream(ctx context.Context, model string, messages []AIChatMessage) (<-chan string, <-chan error)
	Complete(ctx context.Context, model string, messages []AIChatMessage) (string, error)
}

// AIService OpenAI 兼容的 chat/completions 接口
type AIService struct {
	mu     sync.RWMutex
	config config.AIConfig
	client *http.Client
}

func NewAIService(cfg config.AIConfig) *AIService {
	return &AIService{config: cfg, client: &http.Client{Timeout: cfg.Timeout()}}
}

// UpdateConfig 配置热更新时调用
func (s *AIService) UpdateConfig(cfg config.AIConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	s.client = &http.Client{Timeout: cfg.Timeout()}
}

func (s *AIService) snapshot() (config.AIConfig, *http.Client) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, s.client
}

type AIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []AIChatMessage `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
}

type ChatCompletionResponse struct {
	Choices []struct {
		Message AIChatMessage `json:"message"`
		Delta   AIChatMessage `json:"delta"` // 流式响应
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *AIService) newRequest(ctx context.Context, cfg config.AIConfig, body ChatCompletionRequest) (*http.Request, error) {
	if body.Model == "" {
		body.Model = cfg.Model
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimRight(cfg.BaseURL, "/")+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return req, nil
}

func (s *AIService) ChatStream(ctx context.Context, model string, messages []AIChatMessage) (<-chan string, <-chan error) {
	out := make(chan string)
	errChan := make(chan error, 1)

	cfg, client := s.snapshot()

	go func() {
		defer close(errChan)
		defer close(out)

		ctx, span := tracing.Tracer.Start(ctx, "ai.ChatStream")
		span.SetAttributes(attribute.String("ai.model", model))
		defer span.End()

		req, err := s.newRequest(ctx, cfg, ChatCompletionRequest{Model: model, Messages: messages, Stream: true})
		if err != nil {
			errChan <- fmt.Errorf("%w: %v", util.ErrProvider, err)
			return
		}

		// 流式请求的总时长由 ctx 控制，不使用 client 的整体超时
		streamClient := &http.Client{Transport: client.Transport}
		resp, err := streamClient.Do(req)
		if err != nil {
			errChan <- fmt.Errorf("%w: %v", util.ErrProvider, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errChan <- fmt.Errorf("%w: status %d: %s", util.ErrProvider, resp.StatusCode, string(body))
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					errChan <- fmt.Errorf("%w: %v", util.ErrProvider, err)
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var streamResp ChatCompletionResponse
			if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
				continue
			}
			if streamResp.Error != nil {
				errChan <- fmt.Errorf("%w: %s", util.ErrProvider, streamResp.Error.Message)
				return
			}

			if len(streamResp.Choices) > 0 {
				content := streamResp.Choices[0].Delta.Content
				if content != "" {
					select {
					case out <- content:
					case <-ctx.Done():
						errChan <- fmt.Errorf("%w: %v", util.ErrProvider, ctx.Err())
						return
					}
				}
			}
		}
	}()

	return out, errChan
}

func (s *AIService) Complete(ctx context.Context, model string, messages []AIChatMessage) (string, error) {
	cfg, client := s.snapshot()

	ctx, span := tracing.Tracer.Start(ctx, "ai.Complete")
	span.SetAttributes(attribute.String("ai.model", model))
	defer span.End()

	req, err := s.newRequest(ctx, cfg, ChatCompletionRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrProvider, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrProvider, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", util.ErrProvider, resp.StatusCode, string(body))
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrProvider, err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("%w: %s", util.ErrProvider, result.Error.Message)
	}

	if len(result.Choices) > 0 {
		return result.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: no choices returned", util.ErrProvider)
}

// NewCompletionProvider 按配置选择补全服务
func NewCompletionProvider(ctx context.Context, cfg config.AIConfig) (CompletionProvider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiProvider(ctx, cfg)
	default:
		return NewAIService(cfg), nil
	}
}
