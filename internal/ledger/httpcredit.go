package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// HTTPCreditService talks to the remote billing API. Every call runs
// through the resilient wrapper with a shared "credits" breaker so a
// billing outage fails fast instead of stalling pipeline starts.
type HTTPCreditService struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	registry *resilience.Registry
	retry    resilience.RetryPolicy
	timeout  time.Duration
}

// NewHTTPCreditService creates a client for the billing API at baseURL.
func NewHTTPCreditService(baseURL, apiKey string, registry *resilience.Registry, retry resilience.RetryPolicy, timeout time.Duration) *HTTPCreditService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCreditService{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout + time.Second},
		registry: registry,
		retry:    retry,
		timeout:  timeout,
	}
}

func (s *HTTPCreditService) post(ctx context.Context, path string, payload, out any) error {
	_, err := resilience.Call(ctx, resilience.CallOptions{
		Name:    "credits",
		Timeout: s.timeout,
		Retry:   s.retry,
		Breaker: s.registry.For("credits"),
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.doPost(ctx, path, payload, out)
	})
	return err
}

func (s *HTTPCreditService) doPost(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &resilience.HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (s *HTTPCreditService) CheckLimit(ctx context.Context, userID string, estimatedCost float64) (LimitDecision, error) {
	var decision LimitDecision
	err := s.post(ctx, "/v1/limits/check", map[string]any{
		"user_id":        userID,
		"estimated_cost": estimatedCost,
	}, &decision)
	if err != nil {
		return LimitDecision{}, err
	}
	return decision, nil
}

func (s *HTTPCreditService) FinalizeCredits(ctx context.Context, reservationID string, actualCost float64) error {
	return s.post(ctx, "/v1/reservations/"+reservationID+"/finalize", map[string]any{
		"actual_cost": actualCost,
	}, nil)
}

func (s *HTTPCreditService) CancelReservation(ctx context.Context, reservationID string) error {
	return s.post(ctx, "/v1/reservations/"+reservationID+"/cancel", map[string]any{}, nil)
}
