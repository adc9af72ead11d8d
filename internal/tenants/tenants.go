// Package tenants supplies the tenants eligible for scheduled dispatch.
package tenants

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
)

// DefaultPageSize is used when a caller passes a non-positive limit.
const DefaultPageSize = 100

// MaxPages bounds Walk against a source that never stops returning cursors.
const MaxPages = 10000

// Page is one slice of eligible tenants. An empty NextCursor ends the walk.
type Page struct {
	TenantIDs  []string `json:"tenants"`
	NextCursor string   `json:"next_cursor"`
}

// Source pages through eligible tenants.
type Source interface {
	Page(ctx context.Context, cursor string, limit int) (Page, error)
}

// Static serves a fixed list. The cursor is the decimal offset.
type Static []string

func (s Static) Page(_ context.Context, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}
	if offset >= len(s) {
		return Page{}, nil
	}
	end := min(offset+limit, len(s))
	p := Page{TenantIDs: append([]string(nil), s[offset:end]...)}
	if end < len(s) {
		p.NextCursor = strconv.Itoa(end)
	}
	return p, nil
}

// HTTPSource asks a remote service: GET {URL}?cursor=&limit= returning a
// Page as JSON.
type HTTPSource struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPSource(rawURL, token string) *HTTPSource {
	return &HTTPSource{
		URL:    rawURL,
		Token:  token,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPSource) Page(ctx context.Context, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return Page{}, fmt.Errorf("parse tenants url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("build tenants request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch tenants: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, fmt.Errorf("fetch tenants: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var p Page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Page{}, fmt.Errorf("decode tenants page: %w", err)
	}
	return p, nil
}

// ErrCursorCycle means a source handed back a cursor it had already returned.
var ErrCursorCycle = errors.New("tenant source repeated a cursor")

// Walk calls fn with every page of src in order and stops after the first
// page without a NextCursor. It fails when src repeats a cursor or keeps
// paging past MaxPages, so a misbehaving source cannot loop forever.
func Walk(ctx context.Context, src Source, pageSize int, fn func(Page) error) error {
	seen := map[string]struct{}{"": {}}
	cursor := ""
	for range MaxPages {
		p, err := src.Page(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if p.NextCursor == "" {
			return nil
		}
		if _, dup := seen[p.NextCursor]; dup {
			return fmt.Errorf("%w: %q", ErrCursorCycle, p.NextCursor)
		}
		seen[p.NextCursor] = struct{}{}
		cursor = p.NextCursor
	}
	return fmt.Errorf("tenant source exceeded %d pages", MaxPages)
}
