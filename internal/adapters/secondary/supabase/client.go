package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"incident-detector-service/internal/config"
	"incident-detector-service/internal/core/domain"
	ports "incident-detector-service/internal/core/ports/output"
)

// listLimit is the page size of the list endpoint.
const listLimit = 1000

type storageClient struct {
	baseURL  string
	key      string
	bucket   string
	pageSize int
	client   *http.Client
}

// NewStorageClient creates a RemoteObjectStore backed by Supabase Storage.
func NewStorageClient(cfg *config.SupabaseConfig, timeout time.Duration) ports.RemoteObjectStore {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &storageClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		key:      cfg.Key,
		bucket:   cfg.ModelBucket,
		pageSize: listLimit,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Supabase Storage API structures
type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type objectEntry struct {
	Name      string  `json:"name"`
	UpdatedAt *string `json:"updated_at"`
}

type apiError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// ListMetadata pages through the folder until a short page comes back.
func (c *storageClient) ListMetadata(ctx context.Context, folder string) ([]domain.ObjectInfo, error) {
	var objects []domain.ObjectInfo
	for offset := 0; ; offset += c.pageSize {
		entries, err := c.listPage(ctx, folder, offset)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			// Folder placeholders carry no timestamps.
			if e.UpdatedAt == nil || *e.UpdatedAt == "" {
				continue
			}
			updatedAt, err := time.Parse(time.RFC3339Nano, *e.UpdatedAt)
			if err != nil {
				return nil, fmt.Errorf("parse updated_at of %s: %w", e.Name, err)
			}
			objects = append(objects, domain.ObjectInfo{Name: e.Name, UpdatedAt: updatedAt.UTC()})
		}

		if len(entries) < c.pageSize {
			return objects, nil
		}
	}
}

func (c *storageClient) listPage(ctx context.Context, folder string, offset int) ([]objectEntry, error) {
	body, err := json.Marshal(listRequest{Prefix: folder, Limit: c.pageSize, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("encode list request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/storage/v1/object/list/%s", c.baseURL, url.PathEscape(c.bucket))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", c.bucket, folder, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s/%s: %s", c.bucket, folder, readAPIError(resp))
	}

	var entries []objectEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return entries, nil
}

func (c *storageClient) Fetch(ctx context.Context, path string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, url.PathEscape(c.bucket), escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("download %s: %w", path, domain.ErrObjectNotFound)
	case resp.StatusCode == http.StatusBadRequest && isNotFoundBody(resp):
		// Storage reports missing objects as 400 with a not_found payload.
		return nil, fmt.Errorf("download %s: %w", path, domain.ErrObjectNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download %s: %s", path, readAPIError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (c *storageClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func isNotFoundBody(resp *http.Response) bool {
	var e apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err != nil {
		return false
	}
	return e.StatusCode == "404" || strings.EqualFold(e.Error, "not_found")
}

func readAPIError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
