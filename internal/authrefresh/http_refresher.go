package authrefresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaycart/internal/session"
)

const DefaultRefreshPath = "/auth/refresh"

// HTTPRefresher runs the refresh exchange against the auth API:
// POST {"token": old} answered by {"success": bool, "token": new}.
type HTTPRefresher struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPRefresher(baseURL, path string, httpClient *http.Client) *HTTPRefresher {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultRefreshPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRefresher{endpoint: baseURL + path, httpClient: httpClient}
}

type refreshRequest struct {
	Token string `json:"token"`
}

type refreshResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Message string `json:"message,omitempty"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, old session.Credential) (session.Credential, error) {
	payload, err := json.Marshal(refreshRequest{Token: string(old)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", "refresh_"+uuid.NewString())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrRefreshRejected
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: http %d", ErrRefreshFailed, resp.StatusCode)
	}
	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrRefreshFailed, err)
	}
	if !out.Success {
		if out.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrRefreshFailed, out.Message)
		}
		return "", fmt.Errorf("%w: server declined", ErrRefreshFailed)
	}
	token := strings.TrimSpace(out.Token)
	if token == "" {
		return "", fmt.Errorf("%w: empty credential", ErrRefreshFailed)
	}
	return session.Credential(token), nil
}
