package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Field describes one column of a remote table.
type Field struct {
	Name string `json:"field_name"`
	Type string `json:"type"`
}

// TableSchema is the field layout of one table.
type TableSchema struct {
	TableID   string
	Fields    []Field
	FetchedAt time.Time
}

type schemaCache struct {
	client *Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*TableSchema
}

func newSchemaCache(client *Client, ttl time.Duration) *schemaCache {
	return &schemaCache{
		client:  client,
		ttl:     ttl,
		entries: make(map[string]*TableSchema),
	}
}

type fieldListResponse struct {
	Items []Field `json:"items"`
}

// TableSchema returns the field layout of a table, serving the cached copy
// while it is fresh.
func (c *Client) TableSchema(ctx context.Context, appToken, tableID string) (*TableSchema, error) {
	c.schemas.mu.RLock()
	cached, ok := c.schemas.entries[tableID]
	c.schemas.mu.RUnlock()
	if ok && time.Since(cached.FetchedAt) < c.schemas.ttl {
		return cached, nil
	}
	return c.refreshSchema(ctx, appToken, tableID)
}

// RefreshSchema drops the cached entry and re-fetches, regardless of age.
func (c *Client) RefreshSchema(ctx context.Context, appToken, tableID string) (*TableSchema, error) {
	return c.refreshSchema(ctx, appToken, tableID)
}

func (c *Client) refreshSchema(ctx context.Context, appToken, tableID string) (*TableSchema, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/fields",
		url.PathEscape(appToken), url.PathEscape(tableID))

	var out fieldListResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("fetching schema for table %s: %w", tableID, err)
	}
	schema := &TableSchema{
		TableID:   tableID,
		Fields:    out.Items,
		FetchedAt: time.Now().UTC(),
	}
	c.schemas.mu.Lock()
	c.schemas.entries[tableID] = schema
	c.schemas.mu.Unlock()

	c.logger.DebugContext(ctx, "table schema refreshed",
		slog.String("table_id", tableID),
		slog.Int("fields", len(schema.Fields)),
	)
	return schema, nil
}
