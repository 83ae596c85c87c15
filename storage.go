package chatcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StorageClient implements ObjectStorage on the backend's object store.
type StorageClient struct{ c *Client }

// Upload stores data at path inside the configured bucket. Existing objects
// are not overwritten.
func (s *StorageClient) Upload(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) error {
	u := s.c.baseURL + "/storage/v1/object/" + s.c.bucket + "/" + escapePath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	req.Header.Set("Cache-Control", "max-age=3600")
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		req.Header.Set("x-metadata", base64.StdEncoding.EncodeToString(raw))
	}
	s.c.setAuthHeaders(req)

	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, body)
	}
	return nil
}

// SignURL returns an absolute URL granting read access to path for ttl.
func (s *StorageClient) SignURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	body := map[string]int{"expiresIn": int(ttl / time.Second)}
	data, err := s.c.doRequest(ctx, http.MethodPost, "/storage/v1/object/sign/"+s.c.bucket+"/"+escapePath(path), body, nil, nil)
	if err != nil {
		return "", err
	}
	var res struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("failed to decode signed url: %w", err)
	}
	if res.SignedURL == "" {
		return "", fmt.Errorf("storage returned no signed url for %s", path)
	}
	if strings.HasPrefix(res.SignedURL, "http") {
		return res.SignedURL, nil
	}
	return s.c.baseURL + "/storage/v1" + res.SignedURL, nil
}

// Remove deletes stored objects.
func (s *StorageClient) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := s.c.doRequest(ctx, http.MethodDelete, "/storage/v1/object/"+s.c.bucket, map[string][]string{"prefixes": paths}, nil, nil)
	return err
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
