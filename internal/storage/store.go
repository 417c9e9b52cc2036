// Package storage copies rendered assets from the render cloud's bucket into
// our own object storage over its REST API.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type HTTPStore struct {
	baseURL string
	bucket  string
	apiKey  string
	client  *http.Client
}

func NewHTTPStore(baseURL, bucket, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Relocate streams the asset at sourceURL into our bucket under objectKey and
// returns the public URL of the copy.
func (s *HTTPStore) Relocate(ctx context.Context, sourceURL, objectKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download asset: unexpected status %d", resp.StatusCode)
	}

	uploadURL := fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, objectKey)
	upload, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, resp.Body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	upload.Header.Set("Authorization", "Bearer "+s.apiKey)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		upload.Header.Set("Content-Type", ct)
	}
	if resp.ContentLength > 0 {
		upload.ContentLength = resp.ContentLength
	}

	uploadResp, err := s.client.Do(upload)
	if err != nil {
		return "", fmt.Errorf("upload asset: %w", err)
	}
	defer uploadResp.Body.Close()
	if uploadResp.StatusCode < 200 || uploadResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(uploadResp.Body, 512))
		return "", fmt.Errorf("upload asset: status %d: %s", uploadResp.StatusCode, strings.TrimSpace(string(body)))
	}

	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, s.bucket, objectKey), nil
}
