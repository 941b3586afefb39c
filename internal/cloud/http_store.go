package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPStore uploads objects with PUT {baseURL}/objects/{key}.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPStore(baseURL, token string, logger *slog.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		logger: logger,
	}
}

type putResponse struct {
	URL string `json:"url"`
}

func (s *HTTPStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	target := s.baseURL + "/objects/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Clipper-Request-Id", uuid.NewString())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range metadata {
		req.Header.Set("X-Meta-"+k, v)
	}

	s.logger.Info("uploading object",
		"url", target,
		"key", key,
		"content_type", contentType,
		"size_bytes", size,
	)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result putResponse
	if err := json.Unmarshal(respBody, &result); err != nil || result.URL == "" {
		// Stores that answer without a body are addressed by the PUT URL.
		return target, nil
	}
	s.logger.Info("object upload succeeded", "key", key, "url", result.URL)
	return result.URL, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
