package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// OpenAIProvider implements Provider against the OpenAI chat
// completions wire format.
type OpenAIProvider struct {
	name   string
	config config.LLMProvider
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(name string, cfg config.LLMProvider) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIProvider{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) apiKey() string {
	if p.config.APIKey != "" {
		return p.config.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (p *OpenAIProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.openai.com/v1"
}

func (p *OpenAIProvider) resolveModel(model string) (config.LLMModel, string, error) {
	m, ok := p.config.Models[model]
	if !ok {
		return config.LLMModel{}, "", fmt.Errorf("model %s not configured for provider %s", model, p.name)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	return m, apiModel, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (p *OpenAIProvider) buildRequest(ctx context.Context, prompt, model string, opts Options, stream bool) (*http.Request, config.LLMModel, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, config.LLMModel{}, fmt.Errorf("%s API key not configured", p.name)
	}
	m, apiModel, err := p.resolveModel(model)
	if err != nil {
		return nil, config.LLMModel{}, err
	}
	temperature := m.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	maxTokens := m.MaxTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       apiModel,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, config.LLMModel{}, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, config.LLMModel{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, m, nil
}

// Generate generates text using the chat completions endpoint.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt, model string, opts Options) (Completion, error) {
	req, _, err := p.buildRequest(ctx, prompt, model, opts, false)
	if err != nil {
		return Completion{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Completion{}, &resilience.HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return Completion{}, fmt.Errorf("no choices in response")
	}
	return Completion{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  int64(out.Usage.PromptTokens),
		OutputTokens: int64(out.Usage.CompletionTokens),
		Model:        model,
	}, nil
}

// GenerateStream streams deltas from the SSE chat completions endpoint.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, prompt, model string, opts Options) (<-chan Delta, error) {
	req, _, err := p.buildRequest(ctx, prompt, model, opts, true)
	if err != nil {
		return nil, err
	}
	// Streams can run well past the default request timeout.
	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &resilience.HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				select {
				case out <- Delta{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- Delta{Text: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- Delta{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		// Stream ended without the explicit end marker.
		select {
		case out <- Delta{Err: fmt.Errorf("stream ended without completion marker")}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// CalculateCost calculates the cost for a given number of tokens.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := p.config.Models[model]
	if !ok {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * m.CostPer1K
	outputCost := float64(outputTokens) / 1000.0 * m.CostPer1KOutput
	return inputCost + outputCost
}
