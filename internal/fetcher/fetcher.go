// Package fetcher performs plain HTTP with the retry/fallback ladder the
// Source Cascade relies on, streaming downloads through the bandwidth
// shaper and falling back to the Bypass Gateway on 403 or explicit request.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"bookforge/internal/bypass"
	"bookforge/internal/filesystem"
	"bookforge/internal/network"
)

const (
	MaxRetry     = 3
	DefaultSleep = 2 * time.Second
)

// Selector narrows network.Selector to what the fetcher needs.
type Selector interface {
	Rewrite(url string) string
}

// StatusCallback reports human-readable sub-status during a download
// (e.g. countdown waits); ProgressCallback reports 0-100 percent.
type StatusCallback func(message string)
type ProgressCallback func(percent float64)

type Fetcher struct {
	client    *http.Client
	gateway   *bypass.Gateway
	cookies   *bypass.CookieStore
	bandwidth *network.BandwidthManager
}

func New(gateway *bypass.Gateway, cookies *bypass.CookieStore, bandwidth *network.BandwidthManager) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: 60 * time.Second},
		gateway:   gateway,
		cookies:   cookies,
		bandwidth: bandwidth,
	}
}

// SetClient swaps the HTTP client, letting the Application route every
// fetch through the DNS resolver layer's dialer. Call before first use.
func (f *Fetcher) SetClient(c *http.Client) {
	f.client = c
}

// HTMLGet fetches a page as a string. 404 returns empty immediately; 403
// switches into bypass mode for the remaining retry budget; network errors
// retry with the selector's rewrite reapplied so mid-retry mirror/DNS
// rotations take effect.
func (f *Fetcher) HTMLGet(ctx context.Context, rawURL string, useBypasser bool, sel Selector) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetry; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		target := rawURL
		if sel != nil {
			target = sel.Rewrite(rawURL)
		}

		if useBypasser {
			if f.gateway == nil {
				return "", fmt.Errorf("fetcher: bypass requested but gateway unavailable")
			}
			return f.gateway.Get(ctx, target)
		}

		body, status, err := f.plainGet(ctx, target)
		switch {
		case err == nil && status == http.StatusOK:
			return body, nil
		case err == nil && status == http.StatusNotFound:
			return "", nil
		case err == nil && status == http.StatusForbidden:
			useBypasser = true
			continue
		default:
			lastErr = err
			if lastErr == nil {
				lastErr = fmt.Errorf("fetcher: unexpected status %d", status)
			}
		}

		if !sleepAttempt(ctx, DefaultSleep*time.Duration(attempt)) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("fetcher: exhausted retries: %w", lastErr)
}

func (f *Fetcher) plainGet(ctx context.Context, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	f.applyCookies(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func (f *Fetcher) applyCookies(req *http.Request) {
	if f.cookies == nil {
		return
	}
	base := bypass.BaseDomain(req.URL.Hostname())
	cookies, ua, ok := f.cookies.Get(base)
	if !ok {
		return
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
}

// Download streams a URL to w, reporting progress as bytes received over
// expectedSize (or raw bytes if expectedSize <= 0), passing each chunk
// through the bandwidth shaper before it is consumed, and aborting as soon
// as ctx is cancelled.
func (f *Fetcher) Download(ctx context.Context, rawURL string, expectedSize int64, w io.Writer, taskID string, progress ProgressCallback, status StatusCallback, referer string, sel Selector) error {
	target := rawURL
	if sel != nil {
		target = sel.Rewrite(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	f.applyCookies(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetcher: download got status %d", resp.StatusCode)
	}

	if expectedSize <= 0 {
		if cl := resp.ContentLength; cl > 0 {
			expectedSize = cl
		}
	}
	file, _ := w.(*os.File)
	if file != nil {
		if err := filesystem.Preallocate(file, expectedSize); err != nil {
			return err
		}
	}

	host := req.URL.Hostname()
	buf := make([]byte, 32*1024)
	var received int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.bandwidth != nil {
			if err := f.bandwidth.Wait(ctx, taskID, host, len(buf)); err != nil {
				return err
			}
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			received += int64(n)
			if progress != nil {
				if expectedSize > 0 {
					progress(float64(received) / float64(expectedSize) * 100)
				} else {
					progress(float64(received))
				}
			}
		}
		if readErr == io.EOF {
			if file != nil && received < expectedSize {
				// The stream ended short of the announced length; shed the
				// preallocated padding so the file holds only real bytes.
				return file.Truncate(received)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// AbsoluteURL joins base and a possibly-relative url; empty input returns
// empty, already-absolute input is returned unchanged.
func AbsoluteURL(base, rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if u, err := url.Parse(rawURL); err == nil && u.IsAbs() {
		return rawURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return baseURL.ResolveReference(ref).String()
}

func sleepAttempt(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
