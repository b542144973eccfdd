package remote

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

	"fintrack/internal/config"
	"fintrack/internal/models"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const maxErrorBodySize = 64 * 1024

// Client talks to the remote record store over its REST interface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter

	redis    *redis.Client
	cacheTTL time.Duration
}

// NewClient constructs a client from config. Timeouts surface as transport errors.
func NewClient(cfg config.RemoteConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRemoteTimeout
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 5
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// UseRedisCache configures optional Redis caching for List.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// Insert creates one record and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table models.Table, fields map[string]any) (map[string]any, error) {
	endpoint := c.tableURL(table, nil)
	var rows []map[string]any
	if err := c.doJSON(ctx, http.MethodPost, endpoint, fields, &rows); err != nil {
		return nil, err
	}
	c.invalidate(ctx, table)
	if len(rows) == 0 {
		return map[string]any{}, nil
	}
	return rows[0], nil
}

// Update patches the record with the given id.
func (c *Client) Update(ctx context.Context, table models.Table, id string, fields map[string]any) (map[string]any, error) {
	endpoint := c.tableURL(table, idFilter(id))
	var rows []map[string]any
	if err := c.doJSON(ctx, http.MethodPatch, endpoint, fields, &rows); err != nil {
		return nil, err
	}
	c.invalidate(ctx, table)
	if len(rows) == 0 {
		return nil, notFound(table, id)
	}
	return rows[0], nil
}

// Delete removes the record with the given id.
func (c *Client) Delete(ctx context.Context, table models.Table, id string) error {
	endpoint := c.tableURL(table, idFilter(id))
	var rows []map[string]any
	if err := c.doJSON(ctx, http.MethodDelete, endpoint, nil, &rows); err != nil {
		return err
	}
	c.invalidate(ctx, table)
	if len(rows) == 0 {
		return notFound(table, id)
	}
	return nil
}

// List returns every record of the collection, newest first.
func (c *Client) List(ctx context.Context, table models.Table) ([]map[string]any, error) {
	cacheKey := listCacheKey(table)
	var rows []map[string]any
	if c.readCache(ctx, cacheKey, &rows) {
		return rows, nil
	}

	endpoint := c.tableURL(table, url.Values{"order": {"created_at.desc"}})
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	c.writeCache(ctx, cacheKey, rows)
	return rows, nil
}

// InvalidateCache drops every cached listing so the next List refetches.
func (c *Client) InvalidateCache(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	keys := make([]string, 0, len(models.Tables))
	for _, t := range models.Tables {
		keys = append(keys, listCacheKey(t))
	}
	return c.redis.Del(ctx, keys...).Err()
}

// Ping checks that the remote store answers at all. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) tableURL(table models.Table, query url.Values) string {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, url.PathEscape(string(table)))
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func idFilter(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

func notFound(table models.Table, id string) error {
	return &APIError{
		StatusCode: http.StatusNotFound,
		Code:       "PGRST116",
		Message:    fmt.Sprintf("%s record %s not found", table, id),
	}
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return throttleError(ctx, err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &ResponseError{StatusCode: resp.StatusCode, Op: method + " " + endpoint, Err: err}
	}
	return nil
}

// throttleError reports a limiter wait that ran out of time as a timeout.
func throttleError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &TransportError{Op: "throttle", Err: ctxErr}
	}
	return &TransportError{Op: "throttle", Err: fmt.Errorf("%w: %v", context.DeadlineExceeded, err)}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, apiErr)
	}
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func listCacheKey(table models.Table) string {
	return "remote:list:" + string(table)
}

func (c *Client) invalidate(ctx context.Context, table models.Table) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, listCacheKey(table)).Err()
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}
