package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycart/internal/authrefresh"
	"github.com/agentworkforce/relaycart/internal/cart"
	"github.com/agentworkforce/relaycart/internal/cartstore"
	"github.com/agentworkforce/relaycart/internal/session"
)

func newTestClient(server *httptest.Server) *HTTPClient {
	return NewHTTPClient(Options{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func writeCart(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.Method != http.MethodGet || r.URL.Path != "/v1/cart" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeCart(w, `{"items":[{"product":{"id":"A","name":"Apple","price":1.5},"quantity":2}]}`)
	}))
	defer server.Close()

	items, err := newTestClient(server).GetCart(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(items) != 1 || items[0].Product.ID != "A" || items[0].Quantity != 2 {
		t.Fatalf("unexpected cart %+v", items)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientMutationRoutes(t *testing.T) {
	type seen struct {
		method, path string
		body         map[string]any
	}
	var got []seen
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("missing correlation id on %s %s", r.Method, r.URL.Path)
		}
		entry := seen{method: r.Method, path: r.URL.EscapedPath()}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &entry.body); err != nil {
				t.Errorf("decode body failed: %v", err)
			}
		}
		got = append(got, entry)
		writeCart(w, `{"items":[]}`)
	}))
	defer server.Close()

	client := newTestClient(server)
	ctx := context.Background()
	if _, err := client.AddItem(ctx, "A", 2); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := client.UpdateQuantity(ctx, "a b", 5); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := client.RemoveItem(ctx, "A"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := client.ClearCart(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(got))
	}
	if got[0].method != http.MethodPost || got[0].path != "/v1/cart/items" || got[0].body["productId"] != "A" || got[0].body["quantity"] != float64(2) {
		t.Fatalf("unexpected add request %+v", got[0])
	}
	if got[1].method != http.MethodPatch || got[1].path != "/v1/cart/items/a%20b" || got[1].body["quantity"] != float64(5) {
		t.Fatalf("unexpected update request %+v", got[1])
	}
	if got[2].method != http.MethodDelete || got[2].path != "/v1/cart/items/A" {
		t.Fatalf("unexpected remove request %+v", got[2])
	}
	if got[3].method != http.MethodDelete || got[3].path != "/v1/cart" {
		t.Fatalf("unexpected clear request %+v", got[3])
	}
}

func TestHTTPClientReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such item"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).RemoveItem(context.Background(), "missing")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T %v", err, err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("unexpected error fields %+v", httpErr)
	}
	if !errors.Is(err, cart.ErrItemNotFound) {
		t.Fatalf("expected 404 to match cart.ErrItemNotFound")
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	if _, err := newTestClient(server).AddItem(context.Background(), "A", 1); err == nil {
		t.Fatalf("expected bad request error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server).GetCart(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected final 502, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 1 call plus 3 retries, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientValidatesArguments(t *testing.T) {
	client := NewHTTPClient(Options{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.AddItem(context.Background(), " ", 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := client.UpdateQuantity(context.Background(), "A", 0); !errors.Is(err, cart.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestHTTPClientNormalizesServerCart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCart(w, `{"items":[
			{"product":{"id":"A"},"quantity":1},
			{"product":{"id":""},"quantity":1},
			{"product":{"id":"A"},"quantity":3}
		]}`)
	}))
	defer server.Close()

	items, err := newTestClient(server).GetCart(context.Background())
	if err != nil {
		t.Fatalf("get cart failed: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != 3 {
		t.Fatalf("expected one deduplicated item with quantity 3, got %+v", items)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 {
		t.Fatalf("expected positive delay for HTTP date, got %s", got)
	}
	if !strings.HasPrefix(correlationID(), "cart_") {
		t.Fatalf("unexpected correlation id format")
	}
}

func TestHTTPClientDoesNotRetryTerminalRefreshFailure(t *testing.T) {
	var cartCalls, refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authrefresh.DefaultRefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
		} else {
			atomic.AddInt32(&cartCalls, 1)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sess, err := session.New(cartstore.NewMemorySlot(nil), session.Options{})
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	if err := sess.SignIn(context.Background(), session.Identity{ID: "u1"}, "old"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	var resets int32
	sess.OnSignInRequired(func(error) { atomic.AddInt32(&resets, 1) })

	coord, err := authrefresh.New(authrefresh.Options{Credentials: sess, Resetter: sess})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	httpClient := &http.Client{Transport: coord, Timeout: 5 * time.Second}
	coord.SetRefresher(authrefresh.NewHTTPRefresher(server.URL, "", httpClient))
	client := NewHTTPClient(Options{
		BaseURL:    server.URL,
		HTTPClient: httpClient,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})

	_, err = client.GetCart(context.Background())
	if !errors.Is(err, authrefresh.ErrRefreshRejected) {
		t.Fatalf("expected ErrRefreshRejected, got %v", err)
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected exactly one refresh exchange, got %d", got)
	}
	if got := atomic.LoadInt32(&resets); got != 1 {
		t.Fatalf("expected exactly one session reset, got %d", got)
	}
	if got := atomic.LoadInt32(&cartCalls); got != 1 {
		t.Fatalf("expected the cart request to be sent once, got %d", got)
	}
	if sess.State().Authenticated {
		t.Fatalf("expected session to be signed out")
	}
}
