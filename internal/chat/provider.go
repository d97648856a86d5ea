package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yuexia/opinio/config"
)

// OpenAIProvider implements LLMProvider against any OpenAI-compatible
// chat completions endpoint (OpenAI, DeepSeek, local gateways).
type OpenAIProvider struct {
	config    config.LLMProvider
	rawModels map[string]config.LLMModel
	client    *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		config:    cfg,
		rawModels: cfg.Models,
		client:    &http.Client{Timeout: timeout},
	}
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

func (p *OpenAIProvider) newRequest(ctx context.Context, model, systemPrompt, userPrompt string, history []Message, stream bool) (*http.Request, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key not configured")
	}

	m, ok := p.rawModels[model]
	if !ok {
		return nil, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	msgs := make([]chatMsg, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, chatMsg{Role: "system", Content: systemPrompt})
	}
	for _, h := range history {
		msgs = append(msgs, chatMsg{Role: string(h.Role), Content: h.Content})
	}
	msgs = append(msgs, chatMsg{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    msgs,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

// Generate performs a blocking completion and returns the full reply.
func (p *OpenAIProvider) Generate(ctx context.Context, model, systemPrompt, userPrompt string, history []Message) (string, error) {
	req, err := p.newRequest(ctx, model, systemPrompt, userPrompt, history, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// ChatStream performs a streaming completion. Fragments arrive on the
// first channel in emission order; the second carries at most one
// error. Both channels are closed when the reply terminates.
func (p *OpenAIProvider) ChatStream(ctx context.Context, model, systemPrompt, userPrompt string, history []Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	req, err := p.newRequest(ctx, model, systemPrompt, userPrompt, history, true)
	if err != nil {
		close(out)
		errc <- err
		close(errc)
		return out, errc
	}

	go func() {
		defer close(out)
		defer close(errc)

		resp, err := p.client.Do(req)
		if err != nil {
			errc <- fmt.Errorf("do: %w", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errc <- fmt.Errorf("LLM status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("stream: %w", err)
		}
	}()

	return out, errc
}
