package gateway

import (
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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/authrefresh"
	"github.com/agentworkforce/relaycart/internal/cart"
)

var ErrInvalidInput = errors.New("invalid input")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers test a 404 on an item route with errors.Is(err, cart.ErrItemNotFound).
func (e *HTTPError) Is(target error) bool {
	return target == cart.ErrItemNotFound && e.StatusCode == http.StatusNotFound
}

// Cart is the body of every cart endpoint response.
type Cart struct {
	Items []cart.LineItem `json:"items"`
}

// CartGateway is the authoritative server cart. Every call returns the full cart
// as the server sees it after the call.
type CartGateway interface {
	GetCart(ctx context.Context) ([]cart.LineItem, error)
	AddItem(ctx context.Context, productID string, quantity int) ([]cart.LineItem, error)
	RemoveItem(ctx context.Context, productID string) ([]cart.LineItem, error)
	UpdateQuantity(ctx context.Context, productID string, quantity int) ([]cart.LineItem, error)
	ClearCart(ctx context.Context) ([]cart.LineItem, error)
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to the cart API. Credentials are not handled here: the
// injected http.Client's transport is expected to attach them.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ CartGateway = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	// Zero selects the default; a negative value disables retries.
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 3
	case maxRetries < 0:
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPClient) GetCart(ctx context.Context) ([]cart.LineItem, error) {
	return c.cartCall(ctx, http.MethodGet, "/v1/cart", nil)
}

func (c *HTTPClient) AddItem(ctx context.Context, productID string, quantity int) ([]cart.LineItem, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrInvalidInput
	}
	if quantity < 1 {
		return nil, cart.ErrInvalidQuantity
	}
	body := map[string]any{"productId": productID, "quantity": quantity}
	return c.cartCall(ctx, http.MethodPost, "/v1/cart/items", body)
}

func (c *HTTPClient) RemoveItem(ctx context.Context, productID string) ([]cart.LineItem, error) {
	path, err := itemPath(productID)
	if err != nil {
		return nil, err
	}
	return c.cartCall(ctx, http.MethodDelete, path, nil)
}

func (c *HTTPClient) UpdateQuantity(ctx context.Context, productID string, quantity int) ([]cart.LineItem, error) {
	path, err := itemPath(productID)
	if err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, cart.ErrInvalidQuantity
	}
	return c.cartCall(ctx, http.MethodPatch, path, map[string]any{"quantity": quantity})
}

func (c *HTTPClient) ClearCart(ctx context.Context) ([]cart.LineItem, error) {
	return c.cartCall(ctx, http.MethodDelete, "/v1/cart", nil)
}

func itemPath(productID string) (string, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return "", ErrInvalidInput
	}
	return "/v1/cart/items/" + url.PathEscape(productID), nil
}

func (c *HTTPClient) cartCall(ctx context.Context, method, requestPath string, body any) ([]cart.LineItem, error) {
	var response Cart
	if err := c.doJSON(ctx, method, requestPath, body, &response); err != nil {
		return nil, err
	}
	return cart.Normalize(response.Items), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries && !isTerminalAuthError(err) {
				c.logger.Debug("cart request failed; retrying",
					zap.String("method", method), zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			c.logger.Debug("cart request rejected; retrying",
				zap.String("method", method), zap.String("path", requestPath), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// isTerminalAuthError reports a failed credential refresh. The session has
// been reset by then, so retrying cannot succeed.
func isTerminalAuthError(err error) bool {
	return errors.Is(err, authrefresh.ErrRefreshRejected) || errors.Is(err, authrefresh.ErrRefreshFailed)
}

func correlationID() string {
	return "cart_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
