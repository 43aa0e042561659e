package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookforge/internal/fetcher"
)

type fakeSelector struct{ base string }

func (f *fakeSelector) GetBase() string          { return f.base }
func (f *fakeSelector) Rewrite(u string) string  { return u }

type discardSink struct{}

func (discardSink) Progress(string, float64) {}
func (discardSink) Status(string, string)    {}

func newTestHandler(t *testing.T, cfg Config) *DirectDownloadHandler {
	t.Helper()
	f := fetcher.New(nil, nil, nil)
	return NewDirectDownloadHandler(cfg, f, &fakeSelector{base: "https://mirror.test"})
}

// TestCascade_SkipsEmptyPageAndDonorGatedSource grounds the §4.6 edge case
// "empty/unparseable source page is not retried at the source; the cascade
// advances": libgen's page 404s (HTMLGet returns empty immediately, no
// retry ladder) and aa-fast is skipped outright since no donor key is
// configured, so the cascade as a whole reports failure with both sources
// visited exactly once.
func TestCascade_SkipsEmptyPageAndDonorGatedSource(t *testing.T) {
	var libgenHits atomic.Int32

	libgen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		libgenHits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer libgen.Close()

	tempDir := t.TempDir()
	cfg := Config{
		EnabledSources: []string{"libgen", "aa-fast"},
		TempDir:        tempDir,
		DebugSkip:      map[string]bool{},
	}
	h := newTestHandler(t, cfg)
	urlTemplates["libgen"] = func(mirror, hash string) string { return libgen.URL }
	defer func() { urlTemplates["libgen"] = func(mirror, hash string) string { return mirror + "/ads.php?md5=" + hash } }()

	_, err := h.Download(context.Background(), TaskRef{ID: "t1", Extra: map[string]string{"hash": "abc"}}, discardSink{})
	if err == nil {
		t.Fatal("expected failure: libgen's page 404s and aa-fast is skipped (no donor key)")
	}
	if libgenHits.Load() != 1 {
		t.Fatalf("expected libgen to be visited exactly once with no retry on a 404, got %d", libgenHits.Load())
	}
}

// TestCascade_RejectsUndersizedResponseAsErrorPage exercises the <10KiB
// short-download rule: a response smaller than minValidFileSize is treated
// as an error page, the temp file is removed, and the cascade reports failure.
func TestCascade_RejectsUndersizedResponseAsErrorPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/md5/") {
			fmt.Fprint(w, `<a href="/dl/small">Download now</a>`)
			return
		}
		fmt.Fprint(w, "too small")
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	urlTemplates["libgen"] = func(mirror, hash string) string { return srv.URL + "/md5/" + hash }
	defer func() { urlTemplates["libgen"] = func(mirror, hash string) string { return mirror + "/ads.php?md5=" + hash } }()

	cfg := Config{EnabledSources: []string{"libgen"}, TempDir: tempDir}
	h := newTestHandler(t, cfg)

	_, err := h.Download(context.Background(), TaskRef{ID: "t2", Extra: map[string]string{"hash": "abc"}}, discardSink{})
	if err == nil {
		t.Fatal("expected the undersized response to be rejected as an error page")
	}

	entries, _ := os.ReadDir(tempDir)
	for _, e := range entries {
		t.Fatalf("expected the rejected temp file to be removed, found %q", e.Name())
	}
}

// TestCascade_SucceedsWhenSourceServesAValidFile exercises the success path
// end to end: a "Download now" anchor resolves to a file large enough to
// pass the short-download check.
func TestCascade_SucceedsWhenSourceServesAValidFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/md5/"):
			fmt.Fprintf(w, `<a href="%s/dl/ok">Download now</a>`, serverURLPlaceholder)
		default:
			fmt.Fprint(w, strings.Repeat("y", 20*1024))
		}
	}))
	defer srv.Close()
	serverURLPlaceholder = srv.URL

	tempDir := t.TempDir()
	urlTemplates["libgen"] = func(mirror, hash string) string { return srv.URL + "/md5/" + hash }
	defer func() { urlTemplates["libgen"] = func(mirror, hash string) string { return mirror + "/ads.php?md5=" + hash } }()

	cfg := Config{EnabledSources: []string{"libgen"}, TempDir: tempDir}
	h := newTestHandler(t, cfg)

	path, err := h.Download(context.Background(), TaskRef{ID: "t3", Extra: map[string]string{"hash": "abc"}}, discardSink{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	info, statErr := os.Stat(path)
	if statErr != nil || info.Size() < minValidFileSize {
		t.Fatalf("expected a valid downloaded file, got err=%v size=%v", statErr, info)
	}
}

// serverURLPlaceholder lets the handler above embed its own address into the
// anchor it serves, since httptest.Server's URL isn't known until NewServer
// returns.
var serverURLPlaceholder string

// recordSink captures every status message a handler emits.
type recordSink struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordSink) Progress(string, float64) {}

func (r *recordSink) Status(_ string, msg string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, msg)
	r.mu.Unlock()
}

func (r *recordSink) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.statuses, "\n")
}

// TestCascade_CountdownWaitEmitsPerSecondStatuses drives the waitlist path:
// the first page fetch returns a countdown span, each remaining second is
// surfaced as its own status message, and the re-fetch after the wait
// resolves to a real link.
func TestCascade_CountdownWaitEmitsPerSecondStatuses(t *testing.T) {
	var pageHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/md5/"):
			if pageHits.Add(1) == 1 {
				fmt.Fprint(w, `<span class="js-partner-countdown">2</span>`)
				return
			}
			fmt.Fprintf(w, `<a href="%s/dl/ok">Download now</a>`, serverURLPlaceholder)
		default:
			fmt.Fprint(w, strings.Repeat("y", 20*1024))
		}
	}))
	defer srv.Close()
	serverURLPlaceholder = srv.URL

	urlTemplates["libgen"] = func(mirror, hash string) string { return srv.URL + "/md5/" + hash }
	defer func() { urlTemplates["libgen"] = func(mirror, hash string) string { return mirror + "/ads.php?md5=" + hash } }()

	cfg := Config{EnabledSources: []string{"libgen"}, TempDir: t.TempDir()}
	h := newTestHandler(t, cfg)
	sink := &recordSink{}

	_, err := h.Download(context.Background(), TaskRef{ID: "t4", Extra: map[string]string{"hash": "abc"}}, sink)
	if err != nil {
		t.Fatalf("expected the countdown to resolve into a successful download, got %v", err)
	}

	got := sink.joined()
	for _, want := range []string{"Waiting 2s", "Waiting 1s", "Fetching..."} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected status stream to contain %q, got:\n%s", want, got)
		}
	}
	if pageHits.Load() != 2 {
		t.Fatalf("expected exactly one re-fetch after the countdown, got %d page hits", pageHits.Load())
	}
}

// TestCascade_CancellationDuringCountdownFailsFast cancels mid-wait and
// expects the distinct cancelled condition within about one sleep tick,
// with no partial file left behind.
func TestCascade_CancellationDuringCountdownFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<span class="js-partner-countdown">500</span>`)
	}))
	defer srv.Close()

	urlTemplates["libgen"] = func(mirror, hash string) string { return srv.URL + "/md5/" + hash }
	defer func() { urlTemplates["libgen"] = func(mirror, hash string) string { return mirror + "/ads.php?md5=" + hash } }()

	tempDir := t.TempDir()
	cfg := Config{EnabledSources: []string{"libgen"}, TempDir: tempDir}
	h := newTestHandler(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.Download(ctx, TaskRef{ID: "t5", Extra: map[string]string{"hash": "abc"}}, &recordSink{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled condition to propagate, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("expected cancellation within about one sleep tick, took %v", elapsed)
	}
	if entries, _ := os.ReadDir(tempDir); len(entries) != 0 {
		t.Fatalf("expected no file written for a cancelled countdown, found %d entries", len(entries))
	}
}

// TestCascade_MultiURLSourceAdvancesPastShortDownloads covers the cascade
// scenario: one source with three mirror URLs, the first two serving error
// pages under 10 KiB, the third serving a real file, and a lower-priority
// source that must remain untouched.
func TestCascade_MultiURLSourceAdvancesPastShortDownloads(t *testing.T) {
	var libgenHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/catalog":
			fmt.Fprintf(w, `<a href="%[1]s/partner/1">m1</a><a href="%[1]s/partner/2">m2</a><a href="%[1]s/partner/3">m3</a>`, serverURLPlaceholder)
		case strings.HasPrefix(r.URL.Path, "/partner/"):
			n := strings.TrimPrefix(r.URL.Path, "/partner/")
			fmt.Fprintf(w, `<a href="%s/file/%s">Download now</a>`, serverURLPlaceholder, n)
		case r.URL.Path == "/file/3":
			fmt.Fprint(w, strings.Repeat("z", 20*1024))
		case strings.HasPrefix(r.URL.Path, "/file/"):
			fmt.Fprint(w, "error page")
		default:
			libgenHits.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	serverURLPlaceholder = srv.URL

	globalRotation.Store(0)

	cfg := Config{EnabledSources: []string{"aa-slow", "libgen"}, TempDir: t.TempDir()}
	h := newTestHandler(t, cfg)

	task := TaskRef{ID: "t6", Extra: map[string]string{
		"hash":        "abc",
		"catalog_url": srv.URL + "/catalog",
	}}
	path, err := h.Download(context.Background(), task, discardSink{})
	if err != nil {
		t.Fatalf("expected the third mirror URL to succeed, got %v", err)
	}
	info, statErr := os.Stat(path)
	if statErr != nil || info.Size() < minValidFileSize {
		t.Fatalf("expected a valid file from the surviving mirror, got err=%v", statErr)
	}
	if libgenHits.Load() != 0 {
		t.Fatal("expected the lower-priority source to remain untried after aa-slow succeeded")
	}
}
