// Package gateway is the single path for REST calls to the chat backend. It
// attaches the current access token, renews it once on a 401 (sharing one
// renewal among all concurrent callers) and replays the original request.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/whisper/chatsync/internal/credential"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/syncerr"
)

const (
	refreshKey   = "refresh"
	refreshPath  = "/auth/refresh"
	maxBodyBytes = 4 << 20

	// DefaultTimeout applies when Config.Timeout is not positive.
	DefaultTimeout = 15 * time.Second
)

// Config holds tunable parameters for the Gateway.
type Config struct {
	// BaseURL is the REST API root, e.g. "http://localhost:5000/api".
	BaseURL string

	// Timeout bounds a single HTTP round trip, including the shared renewal.
	Timeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the limiter bucket size when pacing is enabled.
	Burst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:5000/api",
		Timeout:           DefaultTimeout,
		RequestsPerSecond: 0,
		Burst:             10,
	}
}

// Request describes one API call. Path is relative to Config.BaseURL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}

	// Anonymous requests never carry credentials and a 401 is reported as a
	// rejection instead of triggering renewal (login, register).
	Anonymous bool
}

// Response is a completed HTTP exchange whose envelope reported success.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// envelope is the {success, message} wrapper of every backend response.
// message is a string on failure but may be an object on success.
type envelope struct {
	Success *bool           `json:"success"`
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

func (r *Response) check() error {
	var env envelope
	_ = json.Unmarshal(r.Body, &env)

	if r.Status >= 200 && r.Status < 300 && (env.Success == nil || *env.Success) {
		return nil
	}

	var msg string
	if len(env.Message) > 0 {
		_ = json.Unmarshal(env.Message, &msg)
	}
	if msg == "" {
		msg = env.Error
	}
	if msg == "" {
		msg = http.StatusText(r.Status)
	}
	return &syncerr.RejectedError{Status: r.Status, Message: msg}
}

// Gateway wraps an http.Client with credential handling.
type Gateway struct {
	cfg     Config
	client  *http.Client
	store   *credential.Store
	limiter *rate.Limiter
	group   singleflight.Group

	mu        sync.Mutex
	onExpired func()
}

// New creates a Gateway. A nil client uses a client with cfg.Timeout.
func New(cfg Config, store *credential.Store, client *http.Client) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	g := &Gateway{
		cfg:    cfg,
		client: client,
		store:  store,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

// OnAuthExpired registers the hook invoked once each time the gateway gives
// up on the session and clears the credential store.
func (g *Gateway) OnAuthExpired(fn func()) {
	g.mu.Lock()
	g.onExpired = fn
	g.mu.Unlock()
}

// Do performs req. Returned errors satisfy errors.Is against
// syncerr.ErrAuthExpired or syncerr.ErrNetworkUnavailable, or are a
// *syncerr.RejectedError.
func (g *Gateway) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := g.do(ctx, req)
	metrics.RequestLatency.Observe(time.Since(start).Seconds())
	metrics.RequestsTotal.WithLabelValues(outcome(err)).Inc()
	return resp, err
}

func (g *Gateway) do(ctx context.Context, req *Request) (*Response, error) {
	var token string
	if !req.Anonymous {
		if cred, ok := g.store.Get(); ok {
			token = cred.AccessToken
		}
	}

	resp, err := g.send(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized && !req.Anonymous {
		fresh, err := g.renew(ctx, token)
		if err != nil {
			return nil, err
		}
		resp, err = g.send(ctx, req, fresh)
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusUnauthorized {
			g.expire("renewed token rejected")
			return nil, fmt.Errorf("gateway: %s %s: %w", req.Method, req.Path, syncerr.ErrAuthExpired)
		}
	}

	if err := resp.check(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Renew obtains a new access token using the stored refresh token. It shares
// any renewal already in flight.
func (g *Gateway) Renew(ctx context.Context) (string, error) {
	return g.renew(ctx, "")
}

// renew returns a fresh access token. stale is the token that was rejected;
// if the store already holds a different one, another caller has renewed and
// no new refresh call is made.
func (g *Gateway) renew(ctx context.Context, stale string) (string, error) {
	if stale != "" {
		if cred, ok := g.store.Get(); ok && cred.AccessToken != "" && cred.AccessToken != stale {
			return cred.AccessToken, nil
		}
	}

	ch := g.group.DoChan(refreshKey, func() (interface{}, error) {
		return g.refresh(stale)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("gateway: renew: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refresh runs at most once at a time under the singleflight group. It uses
// its own context so that one caller's cancellation does not fail the
// renewal for the others sharing it.
func (g *Gateway) refresh(stale string) (string, error) {
	cred, ok := g.store.Get()
	if !ok || cred.RefreshToken == "" {
		metrics.RefreshesTotal.WithLabelValues("failed").Inc()
		g.expire("no refresh token")
		return "", fmt.Errorf("gateway: refresh: %w", syncerr.ErrAuthExpired)
	}
	if stale != "" && cred.AccessToken != "" && cred.AccessToken != stale {
		return cred.AccessToken, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	fail := func(reason string, err error) (string, error) {
		metrics.RefreshesTotal.WithLabelValues("failed").Inc()
		g.expire(reason)
		if err != nil {
			return "", fmt.Errorf("gateway: refresh: %w: %w", syncerr.ErrAuthExpired, err)
		}
		return "", fmt.Errorf("gateway: refresh: %w", syncerr.ErrAuthExpired)
	}

	resp, err := g.send(ctx, &Request{Method: http.MethodPost, Path: refreshPath}, cred.RefreshToken)
	if err != nil {
		return fail("refresh request failed", err)
	}
	if err := resp.check(); err != nil {
		return fail("refresh rejected", err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := resp.Decode(&body); err != nil {
		return fail("refresh response malformed", err)
	}
	if body.AccessToken == "" {
		return fail("refresh response missing access token", nil)
	}

	exp, _ := credential.ExpiryFromToken(body.AccessToken)
	if !g.store.UpdateAccess(body.AccessToken, exp) {
		// Logged out while renewing.
		metrics.RefreshesTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("gateway: refresh: %w", syncerr.ErrAuthExpired)
	}

	metrics.RefreshesTotal.WithLabelValues("ok").Inc()
	log.Printf("[gateway] access token renewed")
	return body.AccessToken, nil
}

// expire clears the credential store and fires the hook, once per live
// credential.
func (g *Gateway) expire(reason string) {
	g.mu.Lock()
	_, had := g.store.Get()
	if had {
		g.store.Clear()
	}
	hook := g.onExpired
	g.mu.Unlock()

	if !had {
		return
	}
	log.Printf("[gateway] session expired: %s", reason)
	if hook != nil {
		hook()
	}
}

// send performs one HTTP round trip with bearer as the Authorization token.
func (g *Gateway) send(ctx context.Context, req *Request, bearer string) (*Response, error) {
	op := req.Method + " " + req.Path

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("gateway: %s: rate limit: %w", op, err)
		}
	}

	u := strings.TrimRight(g.cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: %s: marshal body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: %s: build request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.New().String())
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("gateway: %s: %w", op, ctxErr)
		}
		return nil, syncerr.Network("gateway: "+op, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, syncerr.Network("gateway: "+op+": read body", err)
	}
	return &Response{Status: httpResp.StatusCode, Body: data}, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, syncerr.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, syncerr.ErrNetworkUnavailable):
		return "network"
	}
	if _, ok := syncerr.IsRejected(err); ok {
		return "rejected"
	}
	return "error"
}
