// Package speech wraps the external recognizer and synthesizer HTTP services.
// Both adapters run behind a circuit breaker and the realtime retry policy; a
// call that cannot finish inside the stage budget is worth nothing to the
// pipeline.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/retry"
)

const maxErrorBody = 256

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	retry   retry.BackoffConfig
}

func newClient(baseURL, apiKey string, timeout time.Duration) *client {
	return &client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		retry:   retry.RealtimeConfig(),
	}
}

func (c *client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// postMultipart sends fields plus a single file part and decodes the JSON
// reply into out. The multipart body is rebuilt on every attempt; a reader
// handed to the transport cannot be rewound.
func (c *client) postMultipart(ctx context.Context, path string, fields map[string]string, fileField, fileName string, file []byte, out any) error {
	var failBody []byte
	err := retry.WithBackoffHTTP(ctx, c.retry, func() (int, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for name, value := range fields {
			if err := mw.WriteField(name, value); err != nil {
				return 0, fmt.Errorf("write field %s: %w", name, err)
			}
		}
		part, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			return 0, fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(file); err != nil {
			return 0, fmt.Errorf("write file part: %w", err)
		}
		if err := mw.Close(); err != nil {
			return 0, fmt.Errorf("close multipart body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read reply: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Completed exchange: report the status without an error so
			// retryability is decided from the code alone.
			failBody = body
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode reply: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil && len(failBody) > 0 {
		return fmt.Errorf("%w: %s", err, truncateBody(failBody))
	}
	return err
}

// postJSON sends body as JSON and returns the raw reply bytes together with
// the Content-Type the service declared.
func (c *client) postJSON(ctx context.Context, path string, body any) ([]byte, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}

	var (
		reply       []byte
		contentType string
		failBody    []byte
	)
	err = retry.WithBackoffHTTP(ctx, c.retry, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read reply: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			failBody = data
			return resp.StatusCode, nil
		}
		reply = data
		contentType = resp.Header.Get("Content-Type")
		return resp.StatusCode, nil
	})
	if err != nil {
		if len(failBody) > 0 {
			return nil, "", fmt.Errorf("%w: %s", err, truncateBody(failBody))
		}
		return nil, "", err
	}
	return reply, contentType, nil
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
