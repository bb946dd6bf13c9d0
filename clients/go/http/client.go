// Package http provides an HTTP client for the promoz rule service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	promoz "github.com/matt-riley/promoz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the promoz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements every promoz client interface over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ promoz.DiscountManager = (*Client)(nil)
	_ promoz.CodeManager     = (*Client)(nil)
	_ promoz.ShippingManager = (*Client)(nil)
	_ promoz.Evaluator       = (*Client)(nil)
	_ promoz.Streamer        = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the promoz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("promoz: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an [APIError] with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("promoz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("promoz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("promoz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// decodeAPIError prefers the server's {"error": "..."} document and falls
// back to the raw body.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var doc struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Error != "" {
		message = doc.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

// call sends a request and decodes a JSON response into out. A nil out
// discards the body.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("promoz: decode response: %w", err)
	}
	return nil
}

// -- DiscountManager ---------------------------------------------------------

func (c *Client) CreateDiscount(ctx context.Context, discount promoz.Discount) (promoz.Discount, error) {
	var out promoz.Discount
	err := c.call(ctx, http.MethodPost, "/v1/discounts", discount, &out)
	return out, err
}

func (c *Client) GetDiscount(ctx context.Context, id string) (promoz.Discount, error) {
	var out promoz.Discount
	err := c.call(ctx, http.MethodGet, "/v1/discounts/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListDiscounts(ctx context.Context) ([]promoz.Discount, error) {
	var out []promoz.Discount
	if err := c.call(ctx, http.MethodGet, "/v1/discounts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateDiscount(ctx context.Context, discount promoz.Discount) (promoz.Discount, error) {
	if discount.ID == "" {
		return promoz.Discount{}, errors.New("promoz: discount id is required")
	}
	var out promoz.Discount
	err := c.call(ctx, http.MethodPut, "/v1/discounts/"+url.PathEscape(discount.ID), discount, &out)
	return out, err
}

func (c *Client) DeleteDiscount(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/v1/discounts/"+url.PathEscape(id), nil, nil)
}

// -- CodeManager -------------------------------------------------------------

func (c *Client) CreateDiscountCode(ctx context.Context, code promoz.DiscountCode) (promoz.DiscountCode, error) {
	var out promoz.DiscountCode
	err := c.call(ctx, http.MethodPost, "/v1/codes", code, &out)
	return out, err
}

func (c *Client) GetDiscountCode(ctx context.Context, code string) (promoz.DiscountCode, error) {
	var out promoz.DiscountCode
	err := c.call(ctx, http.MethodGet, "/v1/codes/"+url.PathEscape(code), nil, &out)
	return out, err
}

func (c *Client) ListDiscountCodes(ctx context.Context, discountID string) ([]promoz.DiscountCode, error) {
	path := "/v1/codes"
	if discountID != "" {
		path += "?" + url.Values{"discount_id": {discountID}}.Encode()
	}
	var out []promoz.DiscountCode
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteDiscountCode(ctx context.Context, code string) error {
	return c.call(ctx, http.MethodDelete, "/v1/codes/"+url.PathEscape(code), nil, nil)
}

// -- ShippingManager ---------------------------------------------------------

func (c *Client) CreateShippingOption(ctx context.Context, option promoz.ShippingOption) (promoz.ShippingOption, error) {
	var out promoz.ShippingOption
	err := c.call(ctx, http.MethodPost, "/v1/shipping-options", option, &out)
	return out, err
}

func (c *Client) GetShippingOption(ctx context.Context, id string) (promoz.ShippingOption, error) {
	var out promoz.ShippingOption
	err := c.call(ctx, http.MethodGet, "/v1/shipping-options/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListShippingOptions(ctx context.Context) ([]promoz.ShippingOption, error) {
	var out []promoz.ShippingOption
	if err := c.call(ctx, http.MethodGet, "/v1/shipping-options", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateShippingOption(ctx context.Context, option promoz.ShippingOption) (promoz.ShippingOption, error) {
	if option.ID == "" {
		return promoz.ShippingOption{}, errors.New("promoz: shipping option id is required")
	}
	var out promoz.ShippingOption
	err := c.call(ctx, http.MethodPut, "/v1/shipping-options/"+url.PathEscape(option.ID), option, &out)
	return out, err
}

func (c *Client) DeleteShippingOption(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/v1/shipping-options/"+url.PathEscape(id), nil, nil)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) ValidateCode(ctx context.Context, req promoz.ValidateRequest) (promoz.ValidationResult, error) {
	var out promoz.ValidationResult
	err := c.call(ctx, http.MethodPost, "/v1/codes/validate", req, &out)
	return out, err
}

func (c *Client) RedeemCode(ctx context.Context, req promoz.ValidateRequest) (promoz.ValidationResult, error) {
	var out promoz.ValidationResult
	err := c.call(ctx, http.MethodPost, "/v1/codes/redeem", req, &out)
	return out, err
}

func (c *Client) QuoteShipping(ctx context.Context, req promoz.QuoteRequest) ([]promoz.ShippingQuote, error) {
	var out struct {
		Quotes []promoz.ShippingQuote `json:"quotes"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/shipping/quote", req, &out); err != nil {
		return nil, err
	}
	return out.Quotes, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits RuleEvents on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan promoz.RuleEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan promoz.RuleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB buffer so large records fit on one data line.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

type streamEnvelope struct {
	Resource  string          `json:"resource"`
	Key       string          `json:"key"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// parseSSE reads SSE lines from r and sends parsed RuleEvents to ch. It
// handles the id, event and data fields, multi-line data and blank-line
// dispatch.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- promoz.RuleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev, ok := buildEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				if ok {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func buildEvent(eventType string, eventID int64, data string) (promoz.RuleEvent, bool) {
	switch eventType {
	case "update", "delete":
		var env streamEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return promoz.RuleEvent{}, false
		}
		return promoz.RuleEvent{
			Type:     eventType,
			EventID:  eventID,
			Resource: env.Resource,
			Key:      env.Key,
			Data:     env.Data,
		}, true
	case "error":
		return promoz.RuleEvent{Type: eventType, EventID: eventID, Data: json.RawMessage(data)}, true
	default:
		return promoz.RuleEvent{}, false
	}
}
