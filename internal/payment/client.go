package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Client is a Provider implementation over the provider's REST API
// (Stripe-style form-encoded requests, JSON responses). All calls run
// through a circuit breaker so a provider outage fails fast instead of
// piling up blocked requests.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[[]byte]
}

// NewClient constructs a Client for the given API base URL and secret key.
func NewClient(baseURL, apiKey string) *Client {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A declined card or validation failure means the provider is up
		// and answering; only transport and 5xx failures trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var pe *ProviderError
			return errors.As(err, &pe)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		cb:      cb,
	}
}

// apiError mirrors the provider's error envelope.
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends a form-encoded request and returns the response body.
// Provider-side failures (4xx) come back as *ProviderError; they do not
// count as breaker failures since the provider is up and answering.
func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("provider request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read provider response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("provider unavailable: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			var ae apiError
			if jsonErr := json.Unmarshal(data, &ae); jsonErr == nil && ae.Error.Message != "" {
				return nil, &ProviderError{Code: ae.Error.Code, Message: ae.Error.Message}
			}
			return nil, &ProviderError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		return data, nil
	})
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return nil, pe
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{Code: "circuit_open", Message: "payment provider temporarily unavailable"}
		}
		return nil, &ProviderError{Message: err.Error()}
	}
	return body, nil
}

// CreateIntent creates a payment intent for the exact amount given.
// Currency minimums are provider-enforced; a below-minimum amount surfaces
// as a *ProviderError rather than being silently adjusted.
func (c *Client) CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	body, err := c.post(ctx, "/payment_intents", form)
	if err != nil {
		return nil, err
	}
	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}

// ConfirmIntent confirms the intent. The provider treats confirming an
// already-succeeded intent as a read, so the call is idempotent.
func (c *Client) ConfirmIntent(ctx context.Context, intentID string) (*Intent, error) {
	body, err := c.post(ctx, "/payment_intents/"+url.PathEscape(intentID)+"/confirm", url.Values{})
	if err != nil {
		return nil, err
	}
	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}

// CreateRefund refunds part or all of a confirmed intent.
func (c *Client) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", params.IntentID)
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	if params.Reason != "" {
		form.Set("reason", params.Reason)
	}

	body, err := c.post(ctx, "/refunds", form)
	if err != nil {
		return nil, err
	}
	var refund Refund
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, fmt.Errorf("decode refund: %w", err)
	}
	return &refund, nil
}
