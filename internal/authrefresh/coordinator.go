package authrefresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/session"
)

var (
	ErrRefreshRejected = errors.New("authrefresh: refresh exchange rejected")
	ErrRefreshFailed   = errors.New("authrefresh: refresh failed")
	ErrNoRefresher     = errors.New("authrefresh: no refresher configured")
)

const defaultRefreshTimeout = 15 * time.Second

type CredentialStore interface {
	Credential() session.Credential
	SetCredential(ctx context.Context, credential session.Credential)
	ClearCredential(ctx context.Context)
}

type SessionResetter interface {
	Reset(ctx context.Context, reason error)
}

type Refresher interface {
	Refresh(ctx context.Context, old session.Credential) (session.Credential, error)
}

type RefresherFunc func(ctx context.Context, old session.Credential) (session.Credential, error)

func (f RefresherFunc) Refresh(ctx context.Context, old session.Credential) (session.Credential, error) {
	return f(ctx, old)
}

type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

type refreshResult struct {
	credential session.Credential
	err        error
}

type refreshMarker struct{}

// IsRefreshExchange reports whether ctx belongs to the refresh exchange the
// coordinator is running. Refresher implementations pass it through unchanged.
func IsRefreshExchange(ctx context.Context) bool {
	marked, _ := ctx.Value(refreshMarker{}).(bool)
	return marked
}

type Options struct {
	Base           http.RoundTripper
	Credentials    CredentialStore
	Resetter       SessionResetter
	Refresher      Refresher
	RefreshTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Coordinator is an http.RoundTripper that attaches the bearer credential and,
// when a request comes back 401, runs at most one refresh exchange at a time.
// Requests that fail while an exchange is in flight queue behind it and share its
// outcome: replay with the new credential, or the refresh error.
type Coordinator struct {
	base           http.RoundTripper
	credentials    CredentialStore
	resetter       SessionResetter
	refreshTimeout time.Duration
	logger         *zap.Logger
	metrics        *Metrics

	mu        sync.Mutex
	refresher Refresher
	state     refreshState
	waiters   []chan refreshResult
}

func New(opts Options) (*Coordinator, error) {
	if opts.Credentials == nil {
		return nil, errors.New("authrefresh: credential store is required")
	}
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := opts.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		base:           base,
		credentials:    opts.Credentials,
		resetter:       opts.Resetter,
		refresher:      opts.Refresher,
		refreshTimeout: timeout,
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// SetRefresher installs the refresh exchange. It exists because an HTTP
// refresher usually sends through this coordinator.
func (c *Coordinator) SetRefresher(refresher Refresher) {
	c.mu.Lock()
	c.refresher = refresher
	c.mu.Unlock()
}

// Refreshing reports whether a refresh exchange is outstanding.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRefreshing
}

func (c *Coordinator) RoundTrip(req *http.Request) (*http.Response, error) {
	sent := c.credentials.Credential()
	resp, err := c.send(req, sent, false)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if IsRefreshExchange(req.Context()) {
		drain(resp)
		c.logger.Warn("refresh exchange rejected", zap.String("url", req.URL.Redacted()))
		return nil, ErrRefreshRejected
	}
	if !replayable(req) {
		return resp, nil
	}

	if current := c.credentials.Credential(); current != "" && current != sent {
		drain(resp)
		c.logger.Debug("credential changed in flight; replaying", zap.String("url", req.URL.Redacted()))
		c.metrics.replays.Inc()
		return c.send(req, current, true)
	}
	// Without a credential there is nothing to refresh.
	if sent == "" {
		return resp, nil
	}

	credential, err := c.awaitRefresh(req.Context(), sent)
	drain(resp)
	if err != nil {
		return nil, err
	}
	c.metrics.replays.Inc()
	return c.send(req, credential, true)
}

func (c *Coordinator) awaitRefresh(ctx context.Context, old session.Credential) (session.Credential, error) {
	c.mu.Lock()
	if c.state == stateRefreshing {
		waiter := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, waiter)
		c.mu.Unlock()
		c.metrics.queued.Inc()
		select {
		case result := <-waiter:
			return result.credential, result.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	// An exchange for this credential may have finished since the caller
	// last looked; its outcome covers this request too.
	if current := c.credentials.Credential(); current != "" && current != old {
		c.mu.Unlock()
		return current, nil
	}
	c.state = stateRefreshing
	refresher := c.refresher
	c.mu.Unlock()

	credential, err := c.refresh(ctx, refresher, old)
	if err == nil {
		c.credentials.SetCredential(context.WithoutCancel(ctx), credential)
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = stateIdle
	c.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- refreshResult{credential: credential, err: err}
	}

	if err != nil {
		c.logger.Warn("refresh failed; resetting session", zap.Int("queued", len(waiters)), zap.Error(err))
		c.credentials.ClearCredential(context.WithoutCancel(ctx))
		if c.resetter != nil {
			c.resetter.Reset(context.WithoutCancel(ctx), err)
		}
		return "", err
	}
	c.logger.Info("credential refreshed", zap.Int("queued", len(waiters)))
	return credential, nil
}

func (c *Coordinator) refresh(ctx context.Context, refresher Refresher, old session.Credential) (session.Credential, error) {
	if refresher == nil {
		c.metrics.refreshes.WithLabelValues(outcomeFailure).Inc()
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoRefresher)
	}
	// The exchange outlives the request that triggered it; queued callers share it.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()
	refreshCtx = context.WithValue(refreshCtx, refreshMarker{}, true)

	credential, err := refresher.Refresh(refreshCtx, old)
	switch {
	case errors.Is(err, ErrRefreshRejected):
		c.metrics.refreshes.WithLabelValues(outcomeRejected).Inc()
		return "", ErrRefreshRejected
	case err != nil:
		c.metrics.refreshes.WithLabelValues(outcomeFailure).Inc()
		if errors.Is(err, ErrRefreshFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	case credential == "":
		c.metrics.refreshes.WithLabelValues(outcomeFailure).Inc()
		return "", fmt.Errorf("%w: empty credential", ErrRefreshFailed)
	}
	c.metrics.refreshes.WithLabelValues(outcomeSuccess).Inc()
	return credential, nil
}

// send issues a clone of req carrying credential. A replay rewinds the body.
func (c *Coordinator) send(req *http.Request, credential session.Credential, replay bool) (*http.Response, error) {
	out := req.Clone(req.Context())
	if replay && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	if credential != "" {
		out.Header.Set("Authorization", "Bearer "+string(credential))
	}
	return c.base.RoundTrip(out)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
