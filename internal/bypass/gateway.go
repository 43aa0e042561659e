package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"bookforge/internal/network"
)

// ErrCancelled is returned when a request's context is cancelled mid-solve.
var ErrCancelled = errors.New("bypass: cancelled")

// Selector is the subset of network.Selector the gateway needs to rotate
// mirror/DNS between backoff attempts.
type Selector interface {
	Rewrite(url string) string
	NextMirrorOrRotateDNS(allowDNS bool) (string, network.RotateAction)
}

// Backend is satisfied by one implementation per solving strategy
// (External service, Embedded scriptable browser). warmup/shutdown_if_idle
// are mandatory lifecycle methods per the Backend-interface redesign.
type Backend interface {
	Warmup(ctx context.Context) error
	Solve(ctx context.Context, targetURL string) (html string, cookies []*http.Cookie, userAgent string, err error)
	Shutdown() error
}

const (
	defaultReleaseInactive = 5 * time.Minute
	maxRetries             = 4
)

// Gateway returns HTML for URLs protected by an interactive anti-bot
// challenge, falling back to a plain cookie-authenticated GET once a
// domain's challenge has already been solved once.
type Gateway struct {
	backend      Backend
	cookies      *CookieStore
	selector     Selector
	logger       *slog.Logger
	httpClient   *http.Client
	solveLock    sync.Mutex
	lastUsed     atomic.Int64 // unix nanos
	connCount    atomic.Int32
	warm         atomic.Bool
	pendingRestart atomic.Bool
	stopCleanup  chan struct{}
}

func NewGateway(backend Backend, cookies *CookieStore, selector Selector, logger *slog.Logger) *Gateway {
	g := &Gateway{
		backend:     backend,
		cookies:     cookies,
		selector:    selector,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		stopCleanup: make(chan struct{}),
	}
	g.lastUsed.Store(time.Now().UnixNano())
	go g.cleanupLoop()
	return g
}

// Warmup idempotently spins up the backend.
func (g *Gateway) Warmup(ctx context.Context) error {
	if g.warm.Load() {
		return nil
	}
	if err := g.backend.Warmup(ctx); err != nil {
		return err
	}
	g.warm.Store(true)
	return nil
}

// SetHTTPClient swaps the client used for the cookie-reuse fast path, so
// those plain GETs go through the DNS layer's dialer like every other
// request. Call before the first Get.
func (g *Gateway) SetHTTPClient(c *http.Client) {
	g.httpClient = c
}

// NotifyDNSRotation flags that the active DNS provider changed; the next
// solve tears the backend down first so it comes back up with resolver
// rules matching the new provider.
func (g *Gateway) NotifyDNSRotation() {
	g.pendingRestart.Store(true)
}

// ConnectionCountChanged feeds the Event Broadcaster's connection count so
// the cleanup loop can apply the 4x idle multiplier while clients are
// connected, and so shutdown_if_idle can start its countdown on the
// N -> 0 transition.
func (g *Gateway) ConnectionCountChanged(count int32) {
	prev := g.connCount.Swap(count)
	if prev > 0 && count == 0 {
		g.lastUsed.Store(time.Now().UnixNano())
	}
}

// Get implements the per-request protocol: cookie reuse fast path, then
// serialized backend solve, then cookie/UA extraction on success.
func (g *Gateway) Get(ctx context.Context, targetURL string) (string, error) {
	base := BaseDomain(hostOf(targetURL))

	if cookies, ua, ok := g.cookies.Get(base); ok {
		if body, err := g.plainGetWithCookies(ctx, targetURL, cookies, ua); err == nil {
			return body, nil
		}
	}

	g.solveLock.Lock()
	defer g.solveLock.Unlock()
	g.lastUsed.Store(time.Now().UnixNano())

	if ctx.Err() != nil {
		return "", ErrCancelled
	}

	if g.pendingRestart.Swap(false) && g.warm.Load() {
		if err := g.backend.Shutdown(); err != nil {
			g.logger.Warn("bypass backend restart shutdown error", "error", err)
		}
		g.warm.Store(false)
	}

	if err := g.Warmup(ctx); err != nil {
		return "", fmt.Errorf("bypass warmup: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ErrCancelled
		}

		html, cookies, ua, err := g.backend.Solve(ctx, targetURL)
		if err == nil {
			g.cookies.Store(base, cookies, ua)
			return html, nil
		}
		lastErr = err

		if g.selector != nil {
			g.selector.NextMirrorOrRotateDNS(true)
		}

		if !sleepOrCancel(ctx, time.Duration(1<<(attempt-1))*time.Second) {
			return "", ErrCancelled
		}
	}
	return "", fmt.Errorf("bypass: all attempts failed: %w", lastErr)
}

func (g *Gateway) plainGetWithCookies(ctx context.Context, targetURL string, cookies []*http.Cookie, ua string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", err
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bypass: cookie reuse got status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// ShutdownIfIdle tears the backend down immediately; callers invoke this
// from the cleanup loop once LAST_USED has exceeded the idle threshold.
func (g *Gateway) ShutdownIfIdle() {
	if !g.warm.Load() {
		return
	}
	g.solveLock.Lock()
	defer g.solveLock.Unlock()
	if err := g.backend.Shutdown(); err != nil {
		g.logger.Warn("bypass backend shutdown error", "error", err)
	}
	g.warm.Store(false)
}

func (g *Gateway) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			threshold := defaultReleaseInactive
			if g.connCount.Load() > 0 {
				threshold *= 4
			}
			idleFor := time.Since(time.Unix(0, g.lastUsed.Load()))
			if idleFor > threshold {
				g.ShutdownIfIdle()
			}
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *Gateway) Close() {
	close(g.stopCleanup)
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	// Sleep in 1-second increments so cancellation latency is bounded by
	// one tick, per the gateway's cooperative cancellation contract.
	remaining := d
	for remaining > 0 {
		tick := time.Second
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(tick):
		}
		remaining -= tick
	}
	return true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

// ExternalBackend POSTs a JSON solve envelope to an HTTP endpoint and
// expects {status, solution:{response, cookies, userAgent}} back, the
// protocol used by standalone challenge-solving services.
type ExternalBackend struct {
	Endpoint   string
	MaxTimeout time.Duration
	client     *http.Client
}

func NewExternalBackend(endpoint string, maxTimeout time.Duration) *ExternalBackend {
	return &ExternalBackend{
		Endpoint:   endpoint,
		MaxTimeout: maxTimeout,
		client:     &http.Client{Timeout: maxTimeout + 15*time.Second},
	}
}

func (b *ExternalBackend) Warmup(ctx context.Context) error { return nil }
func (b *ExternalBackend) Shutdown() error                  { return nil }

type externalRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int64  `json:"maxTimeout"`
}

type externalSolution struct {
	Response  string            `json:"response"`
	Cookies   []externalCookie  `json:"cookies"`
	UserAgent string            `json:"userAgent"`
}

type externalCookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Expires int64  `json:"expires"` // unix seconds, 0 = session
}

type externalResponse struct {
	Status   string           `json:"status"`
	Solution externalSolution `json:"solution"`
}

func (b *ExternalBackend) Solve(ctx context.Context, targetURL string) (string, []*http.Cookie, string, error) {
	payload, err := json.Marshal(externalRequest{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: b.MaxTimeout.Milliseconds(),
	})
	if err != nil {
		return "", nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", nil, "", err
	}
	defer resp.Body.Close()

	var parsed externalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, "", err
	}
	if parsed.Status != "ok" {
		return "", nil, "", fmt.Errorf("bypass: external backend status %q", parsed.Status)
	}

	var cookies []*http.Cookie
	for _, c := range parsed.Solution.Cookies {
		cookie := &http.Cookie{Name: c.Name, Value: c.Value}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(c.Expires, 0)
		}
		cookies = append(cookies, cookie)
	}

	return parsed.Solution.Response, cookies, parsed.Solution.UserAgent, nil
}
