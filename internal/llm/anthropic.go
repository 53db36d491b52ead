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

// AnthropicProvider implements Provider against the Anthropic messages
// wire format.
type AnthropicProvider struct {
	name   string
	config config.LLMProvider
	client *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(name string, cfg config.LLMProvider) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &AnthropicProvider{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) apiKey() string {
	if p.config.APIKey != "" {
		return p.config.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func (p *AnthropicProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.anthropic.com/v1"
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
}

func (p *AnthropicProvider) buildRequest(ctx context.Context, prompt, model string, opts Options, stream bool) (*http.Request, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key not configured", p.name)
	}
	m, ok := p.config.Models[model]
	if !ok {
		return nil, fmt.Errorf("model %s not configured for provider %s", model, p.name)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	temperature := m.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	maxTokens := m.MaxTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       apiModel,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return req, nil
}

// Generate generates text using the messages endpoint.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt, model string, opts Options) (Completion, error) {
	req, err := p.buildRequest(ctx, prompt, model, opts, false)
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
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("decode: %w", err)
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, fmt.Errorf("no text content in response")
	}
	return Completion{
		Text:         text.String(),
		InputTokens:  int64(out.Usage.InputTokens),
		OutputTokens: int64(out.Usage.OutputTokens),
		Model:        model,
	}, nil
}

// GenerateStream streams deltas from the SSE messages endpoint.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, prompt, model string, opts Options) (<-chan Delta, error) {
	req, err := p.buildRequest(ctx, prompt, model, opts, true)
	if err != nil {
		return nil, err
	}
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
			var event struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text == "" {
					continue
				}
				select {
				case out <- Delta{Text: event.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_stop":
				select {
				case out <- Delta{Done: true}:
				case <-ctx.Done():
				}
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
		select {
		case out <- Delta{Err: fmt.Errorf("stream ended without completion marker")}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// CalculateCost calculates the cost for a given number of tokens.
func (p *AnthropicProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := p.config.Models[model]
	if !ok {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * m.CostPer1K
	outputCost := float64(outputTokens) / 1000.0 * m.CostPer1KOutput
	return inputCost + outputCost
}
