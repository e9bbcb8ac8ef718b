// Package platform is the thin HTTP client for the remote table and
// calendar platform. It implements the narrow interfaces the engine
// consumes; everything else about the remote API stays out of scope.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jkaninda/kazi/internal/action"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/snapshot"
)

// Client talks to the remote platform API.
type Client struct {
	baseURL     string
	tenantToken string
	httpClient  *http.Client
	logger      *slog.Logger
	schemas     *schemaCache
}

// Option configures the platform client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a platform client from config.
func NewClient(cfg config.PlatformConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     cfg.BaseURL,
		tenantToken: cfg.TenantToken,
		httpClient:  &http.Client{Timeout: cfg.Timeout()},
		logger:      logger,
	}
	c.schemas = newSchemaCache(c, cfg.SchemaCacheTTL())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type recordResponse struct {
	Record struct {
		RecordID string         `json:"record_id"`
		Fields   map[string]any `json:"fields"`
	} `json:"record"`
}

type recordListResponse struct {
	Records []struct {
		RecordID string         `json:"record_id"`
		Fields   map[string]any `json:"fields"`
	} `json:"records"`
	PageToken string `json:"page_token,omitempty"`
	HasMore   bool   `json:"has_more,omitempty"`
}

// FetchRecord reads the current fields of one record.
func (c *Client) FetchRecord(ctx context.Context, appToken, tableID, recordID string) (map[string]any, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(appToken), url.PathEscape(tableID), url.PathEscape(recordID))

	var out recordResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("fetching record %s/%s: %w", tableID, recordID, err)
	}
	return out.Record.Fields, nil
}

// ListRecords pages through every record of a table.
func (c *Client) ListRecords(ctx context.Context, appToken, tableID string) ([]snapshot.Record, error) {
	base := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records",
		url.PathEscape(appToken), url.PathEscape(tableID))

	var records []snapshot.Record
	pageToken := ""
	for {
		path := base
		if pageToken != "" {
			path += "?page_token=" + url.QueryEscape(pageToken)
		}
		var out recordListResponse
		if err := c.get(ctx, path, &out); err != nil {
			return nil, fmt.Errorf("listing records for %s: %w", tableID, err)
		}
		for _, r := range out.Records {
			records = append(records, snapshot.Record{RecordID: r.RecordID, Fields: r.Fields})
		}
		if !out.HasMore || out.PageToken == "" {
			break
		}
		pageToken = out.PageToken
	}
	return records, nil
}

// UpdateRecord writes fields to one record.
func (c *Client) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(appToken), url.PathEscape(tableID), url.PathEscape(recordID))

	body := map[string]any{"fields": fields}
	if err := c.send(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("updating record %s/%s: %w", tableID, recordID, err)
	}
	c.logger.InfoContext(ctx, "record updated",
		slog.String("table_id", tableID),
		slog.String("record_id", recordID),
		slog.Int("fields", len(fields)),
	)
	return nil
}

type calendarResponse struct {
	Event struct {
		EventID string `json:"event_id"`
	} `json:"event"`
}

// CreateEvent creates one calendar event and returns its id.
func (c *Client) CreateEvent(ctx context.Context, ev action.CalendarEvent) (string, error) {
	path := fmt.Sprintf("/open-apis/calendar/v4/calendars/%s/events", url.PathEscape(ev.CalendarID))

	body := map[string]any{
		"summary":    ev.Summary,
		"start_time": ev.Start.Unix(),
		"end_time":   ev.End.Unix(),
	}
	if ev.RRule != "" {
		body["recurrence"] = ev.RRule
	}
	var out calendarResponse
	if err := c.send(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("creating calendar event: %w", err)
	}
	c.logger.InfoContext(ctx, "calendar event created",
		slog.String("calendar_id", ev.CalendarID),
		slog.String("event_id", out.Event.EventID),
	)
	return out.Event.EventID, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenantToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.tenantToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}
