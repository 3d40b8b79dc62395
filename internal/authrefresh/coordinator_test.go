package authrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentworkforce/relaycart/internal/cartstore"
	"github.com/agentworkforce/relaycart/internal/session"
)

type harness struct {
	session *session.Session
	coord   *Coordinator
	metrics *Metrics
	client  *http.Client
	resets  int32
}

func newHarness(t *testing.T, credential session.Credential, refresher Refresher) *harness {
	t.Helper()
	s, err := session.New(cartstore.NewMemorySlot(nil), session.Options{})
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	if err := s.SignIn(context.Background(), session.Identity{ID: "u1"}, credential); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	h := &harness{session: s, metrics: NewMetrics(nil)}
	s.OnSignInRequired(func(error) { atomic.AddInt32(&h.resets, 1) })
	h.coord, err = New(Options{
		Credentials: s,
		Resetter:    s,
		Refresher:   refresher,
		Metrics:     h.metrics,
	})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	h.client = &http.Client{Transport: h.coord, Timeout: 10 * time.Second}
	return h
}

// bearerServer answers 200 to requests carrying the valid token and 401 otherwise.
func bearerServer(t *testing.T, valid *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+valid.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","body":` + jsonString(string(body)) + `}`))
	}))
}

func jsonString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinatorSingleFlightRefreshReplaysQueuedRequests(t *testing.T) {
	var valid atomic.Value
	valid.Store("new")
	server := bearerServer(t, &valid)
	defer server.Close()

	var refreshes int32
	release := make(chan struct{})
	h := newHarness(t, "old", RefresherFunc(func(ctx context.Context, old session.Credential) (session.Credential, error) {
		atomic.AddInt32(&refreshes, 1)
		if old != "old" {
			t.Errorf("expected refresh with old credential, got %q", old)
		}
		if !IsRefreshExchange(ctx) {
			t.Errorf("expected refresh context to be marked")
		}
		<-release
		return "new", nil
	}))

	const callers = 3
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := strings.NewReader(`{"n":` + string(rune('0'+i)) + `}`)
			req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/cart/items", body)
			if err != nil {
				errs <- err
				return
			}
			resp, err := h.client.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			payload, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				errs <- errors.New("unexpected status " + resp.Status)
				return
			}
			if !strings.Contains(string(payload), `\"n\":`+string(rune('0'+i))) {
				errs <- errors.New("replay lost request body: " + string(payload))
			}
		}(i)
	}

	waitFor(t, "two queued callers", func() bool { return testutil.ToFloat64(h.metrics.queued) == callers-1 })
	if !h.coord.Refreshing() {
		t.Fatalf("expected coordinator to be refreshing")
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("caller failed: %v", err)
	}

	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Fatalf("expected exactly one refresh exchange, got %d", got)
	}
	if h.session.Credential() != "new" {
		t.Fatalf("expected stored credential to be refreshed, got %q", h.session.Credential())
	}
	if got := testutil.ToFloat64(h.metrics.replays); got != callers {
		t.Fatalf("expected %d replays, got %v", callers, got)
	}
	if got := testutil.ToFloat64(h.metrics.refreshes.WithLabelValues(outcomeSuccess)); got != 1 {
		t.Fatalf("expected one successful refresh, got %v", got)
	}
	if h.coord.Refreshing() {
		t.Fatalf("expected coordinator to be idle again")
	}
	if atomic.LoadInt32(&h.resets) != 0 {
		t.Fatalf("expected no session reset")
	}
}

func TestCoordinatorTerminalRefreshRejectionResetsSession(t *testing.T) {
	release := make(chan struct{})
	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
			<-release
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := newHarness(t, "old", nil)
	h.coord.SetRefresher(NewHTTPRefresher(server.URL, "", &http.Client{Transport: h.coord}))
	var prev, next session.State
	h.session.Subscribe(func(p, n session.State) { prev, next = p, n })

	const callers = 3
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.client.Get(server.URL + "/v1/cart")
			if resp != nil {
				resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}
	waitFor(t, "two queued callers", func() bool { return testutil.ToFloat64(h.metrics.queued) == callers-1 })
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrRefreshRejected) {
			t.Fatalf("caller %d: expected ErrRefreshRejected, got %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected one refresh exchange, got %d", got)
	}
	if h.session.Credential() != "" || h.session.State().Authenticated {
		t.Fatalf("expected cleared session, got %+v %q", h.session.State(), h.session.Credential())
	}
	if !prev.Authenticated || next.Authenticated {
		t.Fatalf("expected authenticated->anonymous transition, got %+v -> %+v", prev, next)
	}
	if got := atomic.LoadInt32(&h.resets); got != 1 {
		t.Fatalf("expected a single sign-in redirect, got %d", got)
	}
	if got := testutil.ToFloat64(h.metrics.refreshes.WithLabelValues(outcomeRejected)); got != 1 {
		t.Fatalf("expected one rejected refresh, got %v", got)
	}
}

func TestCoordinatorRefreshFailureRejectsCaller(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			var in refreshRequest
			_ = json.NewDecoder(r.Body).Decode(&in)
			if in.Token != "old" {
				t.Errorf("expected old token in refresh body, got %q", in.Token)
			}
			_, _ = w.Write([]byte(`{"success":false,"message":"session revoked"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := newHarness(t, "old", nil)
	h.coord.SetRefresher(NewHTTPRefresher(server.URL, "", &http.Client{Transport: h.coord}))

	_, err := h.client.Get(server.URL + "/v1/cart")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "session revoked") {
		t.Fatalf("expected server message in error, got %v", err)
	}
	if h.session.State().Authenticated || atomic.LoadInt32(&h.resets) != 1 {
		t.Fatalf("expected session reset after refresh failure")
	}
}

func TestCoordinatorReplaysWhenCredentialChangedInFlight(t *testing.T) {
	var refreshes int32
	h := newHarness(t, "old", RefresherFunc(func(context.Context, session.Credential) (session.Credential, error) {
		atomic.AddInt32(&refreshes, 1)
		return "other", nil
	}))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer old":
			// Another caller finished a refresh while this request was in flight.
			h.session.SetCredential(context.Background(), "new")
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer new":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	resp, err := h.client.Get(server.URL + "/v1/cart")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected replay to succeed, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&refreshes) != 0 {
		t.Fatalf("expected no refresh exchange for a stale credential")
	}
}

func TestCoordinatorRetriesAtMostOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var refreshes int32
	h := newHarness(t, "old", RefresherFunc(func(context.Context, session.Credential) (session.Credential, error) {
		atomic.AddInt32(&refreshes, 1)
		return "new", nil
	}))

	resp, err := h.client.Get(server.URL + "/v1/cart")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected second 401 to be returned as-is, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 || atomic.LoadInt32(&refreshes) != 1 {
		t.Fatalf("expected 2 calls and 1 refresh, got %d calls and %d refreshes", atomic.LoadInt32(&calls), atomic.LoadInt32(&refreshes))
	}
}

func TestCoordinatorDoesNotReplayUnrewindableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var refreshes int32
	h := newHarness(t, "old", RefresherFunc(func(context.Context, session.Credential) (session.Credential, error) {
		atomic.AddInt32(&refreshes, 1)
		return "new", nil
	}))

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/cart/items", io.NopCloser(strings.NewReader(`{}`)))
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	resp, err := h.coord.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || atomic.LoadInt32(&refreshes) != 0 {
		t.Fatalf("expected raw 401 without refresh, got %d with %d refreshes", resp.StatusCode, atomic.LoadInt32(&refreshes))
	}
}

func TestCoordinatorAttachesCredentialWithoutMutatingRequest(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
	}))
	defer server.Close()

	h := newHarness(t, "tok", nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if seen != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", seen)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("expected caller request to stay untouched")
	}
}

// gatedCredentials blocks the second credential read made after arm until
// resume is closed, then returns the value it read before blocking.
type gatedCredentials struct {
	*session.Session
	armed  atomic.Bool
	reads  atomic.Int32
	paused chan struct{}
	resume chan struct{}
}

func (g *gatedCredentials) Credential() session.Credential {
	credential := g.Session.Credential()
	if g.armed.Load() && g.reads.Add(1) == 2 {
		close(g.paused)
		<-g.resume
	}
	return credential
}

func TestCoordinatorRequestFailingDuringRefreshReusesItsOutcome(t *testing.T) {
	var valid atomic.Value
	valid.Store("new")
	server := bearerServer(t, &valid)
	defer server.Close()

	h := newHarness(t, "old", nil)
	gated := &gatedCredentials{Session: h.session, paused: make(chan struct{}), resume: make(chan struct{})}
	var refreshes int32
	started := make(chan struct{})
	release := make(chan struct{})
	coord, err := New(Options{
		Credentials: gated,
		Resetter:    h.session,
		Refresher: RefresherFunc(func(_ context.Context, old session.Credential) (session.Credential, error) {
			if atomic.AddInt32(&refreshes, 1) == 1 {
				close(started)
				<-release
				return "new", nil
			}
			return "", ErrRefreshRejected
		}),
		Metrics: NewMetrics(nil),
	})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	client := &http.Client{Transport: coord, Timeout: 10 * time.Second}
	get := func(out chan<- error) {
		resp, err := client.Get(server.URL + "/v1/cart")
		if err == nil {
			if resp.StatusCode != http.StatusOK {
				err = errors.New("unexpected status " + resp.Status)
			}
			resp.Body.Close()
		}
		out <- err
	}

	errA := make(chan error, 1)
	go get(errA)
	<-started

	// B fails with the old credential while A's exchange is outstanding and is
	// held right after its stale-credential check.
	gated.armed.Store(true)
	errB := make(chan error, 1)
	go get(errB)
	select {
	case <-gated.paused:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the second request")
	}

	close(release)
	if err := <-errA; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	close(gated.resume)
	if err := <-errB; err != nil {
		t.Fatalf("second request failed: %v", err)
	}

	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Fatalf("expected one refresh exchange, got %d", got)
	}
	if atomic.LoadInt32(&h.resets) != 0 || h.session.Credential() != "new" {
		t.Fatalf("expected refreshed session, got resets=%d credential=%q", atomic.LoadInt32(&h.resets), h.session.Credential())
	}
}

func TestCoordinatorDoesNotRefreshWithoutCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var refreshes int32
	h := newHarness(t, "old", RefresherFunc(func(context.Context, session.Credential) (session.Credential, error) {
		atomic.AddInt32(&refreshes, 1)
		return "new", nil
	}))
	h.session.SignOut(context.Background())

	resp, err := h.client.Get(server.URL + "/v1/cart")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected raw 401, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&refreshes) != 0 || atomic.LoadInt32(&h.resets) != 0 {
		t.Fatalf("expected no refresh and no reset, got %d refreshes and %d resets", atomic.LoadInt32(&refreshes), atomic.LoadInt32(&h.resets))
	}
}
