// Package remote talks to the image service's inventory endpoint: paged
// metadata listings plus the binary fetch for each item.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vonshlovens/picarchive/internal/store"
)

// AuthError reports a 401/403 from the inventory API. The caller gets one
// re-authentication opportunity before the run ends.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected by remote API (status %d)", e.StatusCode)
}

// DownloadError reports one item's failed binary fetch. It never aborts the
// rest of the page.
type DownloadError struct {
	ID  string
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.ID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Item is one inventory entry as returned by the API.
type Item struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	Prompt         *string        `json:"prompt"`
	Tags           []string       `json:"tags"`
	CreatedAt      store.UnixTime `json:"created_at"`
	Width          *int           `json:"width"`
	Height         *int           `json:"height"`
	ConversationID *string        `json:"conversation_id"`
	MessageID      *string        `json:"message_id"`
}

// Page is one inventory response. An empty Cursor signals end-of-stream.
type Page struct {
	Items  []Item `json:"items"`
	Cursor string `json:"cursor"`
}

// Client fetches inventory pages and image payloads with caller-supplied
// auth headers.
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
}

// NewClient creates a client for baseURL (which already carries its query
// string; pagination appends an after parameter).
func NewClient(baseURL string, headers map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		headers: headers,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetHeaders replaces the auth headers, e.g. after re-authentication.
func (c *Client) SetHeaders(headers map[string]string) {
	c.headers = headers
}

// FetchPage retrieves the inventory page after cursor. An empty cursor
// fetches the first page.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	pageURL := c.baseURL
	if cursor != "" {
		sep := "&"
		if !strings.Contains(pageURL, "?") {
			sep = "?"
		}
		pageURL += sep + "after=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build page request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inventory page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inventory fetch returned status %d", resp.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode inventory page: %w", err)
	}
	return &page, nil
}

// Download fetches an item's binary payload. The returned extension is
// inferred from the response Content-Type, defaulting to .jpg.
func (c *Client) Download(ctx context.Context, item Item) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return nil, "", &DownloadError{ID: item.ID, URL: item.URL, Err: err}
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &DownloadError{ID: item.ID, URL: item.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &DownloadError{ID: item.ID, URL: item.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &DownloadError{ID: item.ID, URL: item.URL, Err: err}
	}

	return data, ExtensionForContentType(resp.Header.Get("Content-Type")), nil
}

func (c *Client) applyHeaders(req *http.Request) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

var contentTypeExts = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ExtensionForContentType maps a Content-Type header to a file extension.
// Undeclared or unrecognized types default to .jpg.
func ExtensionForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".jpg"
	}
	if ext, ok := contentTypeExts[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}
