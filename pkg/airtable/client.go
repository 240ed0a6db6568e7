package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/ratelimit"
	"followsync/pkg/retry"
)

// Options configures a Client
type Options struct {
	BaseURL string
	BaseID  string
	Token   string
	Timeout time.Duration

	// HTTPClient overrides the default client built from Timeout
	HTTPClient *http.Client
	// Limiter gates every request; nil means unlimited
	Limiter ratelimit.Limiter
	// Retry wraps every request; nil uses retry.DefaultConfig
	Retry    *retry.Policy
	Metrics  *metrics.Metrics
	Logger   logger.Logger
	PageSize int
	Typecast bool
}

// Client talks to an Airtable-style REST record store
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	baseURL    string
	baseID     string
	limiter    ratelimit.Limiter
	retry      *retry.Policy
	metrics    *metrics.Metrics
	logger     logger.Logger
	pageSize   int
	typecast   bool
}

// NewClient creates a new record store client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseID == "" {
		return nil, errs.New(errs.ErrorTypeConfig, "airtable.NewClient", "base id is required")
	}
	if opts.Token == "" {
		return nil, errs.New(errs.ErrorTypeAuth, "airtable.NewClient", "api token is required")
	}

	log := logger.OrNop(opts.Logger).WithField("component", "airtable")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}

	policy := opts.Retry
	if policy == nil {
		cfg := retry.DefaultConfig()
		cfg.Logger = log
		policy = retry.NewPolicy(cfg)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	return &Client{
		httpClient: httpClient,
		headers: map[string]string{
			"Authorization": "Bearer " + opts.Token,
			"Content-Type":  "application/json",
			"Accept":        "application/json",
			"User-Agent":    "followsync/1.0",
		},
		baseURL:  baseURL,
		baseID:   opts.BaseID,
		limiter:  limiter,
		retry:    policy,
		metrics:  opts.Metrics,
		logger:   log,
		pageSize: pageSize,
		typecast: opts.Typecast,
	}, nil
}

// RetryStats exposes the counters of the client's retry policy
func (c *Client) RetryStats() retry.Stats {
	return c.retry.Stats()
}

// List reads every record matching opts, following pagination offsets
func (c *Client) List(ctx context.Context, table string, opts ListOptions) ([]Record, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > c.pageSize {
		pageSize = c.pageSize
	}

	var records []Record
	offset := ""
	for {
		params := url.Values{}
		params.Set("pageSize", strconv.Itoa(pageSize))
		if opts.Formula != "" {
			params.Set("filterByFormula", opts.Formula)
		}
		if opts.View != "" {
			params.Set("view", opts.View)
		}
		for _, f := range opts.Fields {
			params.Add("fields[]", f)
		}
		if offset != "" {
			params.Set("offset", offset)
		}

		var page listResponse
		endpoint := TableURL(c.baseURL, c.baseID, table) + "?" + params.Encode()
		if err := c.do(ctx, "airtable.List", http.MethodGet, endpoint, nil, &page); err != nil {
			return records, err
		}

		records = append(records, page.Records...)
		if opts.MaxRecords > 0 && len(records) >= opts.MaxRecords {
			return records[:opts.MaxRecords], nil
		}
		if page.Offset == "" {
			return records, nil
		}
		offset = page.Offset
	}
}

// Get reads a single record
func (c *Client) Get(ctx context.Context, table, recordID string) (Record, error) {
	var rec Record
	err := c.do(ctx, "airtable.Get", http.MethodGet, RecordURL(c.baseURL, c.baseID, table, recordID), nil, &rec)
	return rec, err
}

// Create inserts up to MaxBatchSize records
func (c *Client) Create(ctx context.Context, table string, records []Record) ([]Record, error) {
	if err := checkBatch("airtable.Create", len(records)); err != nil {
		return nil, err
	}
	req := writeRequest{Records: stripIDs(records), Typecast: c.typecast}

	var resp writeResponse
	if err := c.do(ctx, "airtable.Create", http.MethodPost, TableURL(c.baseURL, c.baseID, table), req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Update patches up to MaxBatchSize records. Only the given fields change.
func (c *Client) Update(ctx context.Context, table string, records []Record) ([]Record, error) {
	if err := checkBatch("airtable.Update", len(records)); err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.ID == "" {
			return nil, errs.New(errs.ErrorTypeValidation, "airtable.Update", "record id is required")
		}
	}
	req := writeRequest{Records: records, Typecast: c.typecast}

	var resp writeResponse
	if err := c.do(ctx, "airtable.Update", http.MethodPatch, TableURL(c.baseURL, c.baseID, table), req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Upsert creates or updates up to MaxBatchSize records, matching existing
// rows on the mergeOn fields.
func (c *Client) Upsert(ctx context.Context, table string, records []Record, mergeOn []string) (UpsertResult, error) {
	if err := checkBatch("airtable.Upsert", len(records)); err != nil {
		return UpsertResult{}, err
	}
	if len(mergeOn) == 0 {
		return UpsertResult{}, errs.New(errs.ErrorTypeValidation, "airtable.Upsert", "at least one merge field is required")
	}
	req := writeRequest{
		Records:       stripIDs(records),
		PerformUpsert: &performUpsert{FieldsToMergeOn: mergeOn},
		Typecast:      c.typecast,
	}

	var resp writeResponse
	if err := c.do(ctx, "airtable.Upsert", http.MethodPatch, TableURL(c.baseURL, c.baseID, table), req, &resp); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Records: resp.Records, Created: resp.CreatedRecords, Updated: resp.UpdatedRecords}, nil
}

// Delete removes up to MaxBatchSize records and returns the deleted ids
func (c *Client) Delete(ctx context.Context, table string, ids []string) ([]string, error) {
	if err := checkBatch("airtable.Delete", len(ids)); err != nil {
		return nil, err
	}
	params := url.Values{}
	for _, id := range ids {
		params.Add("records[]", id)
	}

	var resp deleteResponse
	endpoint := TableURL(c.baseURL, c.baseID, table) + "?" + params.Encode()
	if err := c.do(ctx, "airtable.Delete", http.MethodDelete, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(resp.Records))
	for _, r := range resp.Records {
		if r.Deleted {
			deleted = append(deleted, r.ID)
		}
	}
	return deleted, nil
}

func checkBatch(op string, n int) error {
	if n == 0 {
		return errs.New(errs.ErrorTypeValidation, op, "empty batch")
	}
	if n > MaxBatchSize {
		return errs.New(errs.ErrorTypeValidation, op, fmt.Sprintf("batch of %d exceeds limit of %d records", n, MaxBatchSize))
	}
	return nil
}

func stripIDs(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Record{Fields: r.Fields}
	}
	return out
}

// do runs one API call under the retry policy
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return errs.Wrap(errs.ErrorTypeValidation, op, fmt.Errorf("failed to encode request: %w", err))
		}
	}

	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		return c.attempt(ctx, op, method, endpoint, payload, out)
	})
}

// attempt performs a single HTTP exchange
func (c *Client) attempt(ctx context.Context, op, method, endpoint string, payload []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, op, fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.ObserveRequest(method, 0, duration)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"method":   method,
			"url":      redact(endpoint),
			"error":    err.Error(),
			"duration": duration,
		})
		return &errs.Error{
			Type:    errs.ErrorTypeTransientNetwork,
			Op:      op,
			Message: fmt.Sprintf("network error: %v", err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	c.metrics.ObserveRequest(method, resp.StatusCode, duration)
	logger.LogRequest(c.logger, method, redact(endpoint), resp.StatusCode, duration)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.Error{
			Type:    errs.ErrorTypeTransientNetwork,
			Op:      op,
			Message: fmt.Sprintf("failed to read response body: %v", err),
			Code:    resp.StatusCode,
			Err:     err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, resp, data, payload)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		bodyPreview := string(data)
		if len(bodyPreview) > 200 {
			bodyPreview = bodyPreview[:200] + "..."
		}

		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          redact(endpoint),
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": bodyPreview,
		})
		return &errs.Error{
			Type:    errs.ErrorTypeUnknown,
			Op:      op,
			Message: fmt.Sprintf("failed to parse JSON: %v", err),
			Code:    resp.StatusCode,
			Err:     err,
		}
	}
	return nil
}

// statusError maps a non-2xx response to a typed error
func (c *Client) statusError(op string, resp *http.Response, data, payload []byte) error {
	var envelope apiError
	message := ""
	if json.Unmarshal(data, &envelope) == nil {
		message = envelope.describe()
	}
	if message == "" {
		message = strings.TrimSpace(string(data))
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	e := errs.FromStatus(op, resp.StatusCode, retryAfter, message)

	switch e.Type {
	case errs.ErrorTypeRateLimited:
		logger.LogRateLimit(c.logger, op, retryAfter)
	case errs.ErrorTypeValidation:
		e.Payload = string(payload)
		c.logger.WarnWithFields("store rejected request", map[string]interface{}{
			"op":      op,
			"status":  resp.StatusCode,
			"message": message,
			"payload": e.Payload,
		})
	case errs.ErrorTypeAuth:
		c.logger.WarnWithFields("authentication error", map[string]interface{}{
			"op":     op,
			"status": resp.StatusCode,
		})
	}
	return e
}

// parseRetryAfter accepts either delay-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// redact drops the query string, which may hold handles in formulas
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
