package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const maxResponseBody = 4 * 1024

type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	// Breaker tuning: counts roll over every Interval; the breaker trips
	// when at least MinRequests were seen and the failure ratio reaches
	// Threshold; it goes half-open after ResetTimeout.
	Interval     time.Duration
	Threshold    float64
	MinRequests  uint32
	ResetTimeout time.Duration
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

type sendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// NewClient builds the HTTP vendor client. stateGauge may be nil.
func NewClient(cfg ClientConfig, logger *zap.Logger, stateGauge prometheus.Gauge) *Client {
	settings := gobreaker.Settings{
		Name:     "email-vendor",
		Interval: cfg.Interval,
		Timeout:  cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vendor circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if stateGauge != nil {
				stateGauge.Set(gaugeValue(to))
			}
		},
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cb:         gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

func (c *Client) State() string {
	return c.cb.State().String()
}

// Send submits one message. While the circuit is open all calls fail fast
// with a retryable error.
func (c *Client) Send(ctx context.Context, email, message string) (*SendResult, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.doSend(ctx, email, message)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Retryable: true, Err: fmt.Errorf("circuit open: %w", err)}
		}
		return nil, err
	}

	result := res.(*SendResult)
	if result.StatusCode >= 200 && result.StatusCode < 300 {
		return result, nil
	}

	// Non-retryable vendor rejection. The vendor answered, so this does not
	// count against the breaker.
	return nil, &Error{StatusCode: result.StatusCode, Body: result.Body, Retryable: false}
}

// doSend runs inside the breaker. Only transport failures and retryable HTTP
// statuses return an error (and therefore count as breaker failures); any
// other vendor answer means the vendor is healthy.
func (c *Client) doSend(ctx context.Context, email, message string) (*SendResult, error) {
	body, err := json.Marshal(sendRequest{Email: email, Message: message})
	if err != nil {
		return nil, &Error{Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send-email", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := &SendResult{StatusCode: resp.StatusCode, Body: string(respBody)}

	if retryableStatus(resp.StatusCode) {
		return nil, &Error{StatusCode: resp.StatusCode, Body: result.Body, Retryable: true}
	}
	return result, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
