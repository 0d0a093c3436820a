package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 2
	maxErrorBody      = 2048
)

// transport is the JSON-over-HTTP client shared by the providers. It retries
// rate limits, server errors and connection failures with exponential backoff.
type transport struct {
	provider   string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

func newTransport(cfg ProviderConfig, logger *zap.Logger) *transport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	retries := defaultMaxRetries
	if v, err := strconv.Atoi(cfg.Extra["max_retries"]); err == nil && v >= 0 {
		retries = v
	}
	return &transport{
		provider:   cfg.ID,
		client:     &http.Client{Timeout: timeout},
		maxRetries: retries,
		backoff:    500 * time.Millisecond,
		logger:     logger,
	}
}

// do sends method url with an optional JSON body and decodes a JSON reply
// into out when out is non-nil.
func (t *transport) do(ctx context.Context, method, url string, header http.Header, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	delay := t.backoff
	for attempt := 0; ; attempt++ {
		err := t.once(ctx, method, url, header, body, out)
		if err == nil || attempt >= t.maxRetries || !retryable(err) {
			return err
		}
		t.logger.Debug("provider call failed, retrying",
			zap.String("provider", t.provider),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}

func (t *transport) once(ctx context.Context, method, url string, header http.Header, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Provider: t.provider, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// Connection failures surface as *url.Error, which has Timeout.
	var ue interface{ Timeout() bool }
	return errors.As(err, &ue)
}
