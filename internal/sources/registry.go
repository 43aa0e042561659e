// Package sources holds the release-search and download-handler registries
// plus the direct-download cascade. Registration is explicit calls made at
// Application construction time, not init()-time decorator magic.
package sources

import (
	"context"
	"fmt"
	"sync"
)

// Protocol enumerates the release's transport kind.
type Protocol string

const (
	ProtocolHTTP    Protocol = "HTTP"
	ProtocolDCC     Protocol = "DCC"
	ProtocolTorrent Protocol = "TORRENT"
	ProtocolNZB     Protocol = "NZB"
)

// Release is a search result emitted by a release source. It is ephemeral:
// either converted into a queue.Task on queue, or cached briefly by the
// source for later lookup.
type Release struct {
	Source       string
	SourceID     string
	Title        string
	Format       string
	Language     string
	Size         string
	SizeBytes    int64
	DownloadURL  string
	InfoURL      string
	Protocol     Protocol
	Indexer      string
	Seeders      int
	Peers        int
	Extra        map[string]string
}

// ColumnConfig is the machine-readable schema a release source publishes
// so the UI can render arbitrary sources without hardcoding columns.
type ColumnConfig struct {
	Columns []ColumnSpec `json:"columns"`
}

type ColumnSpec struct {
	Key           string `json:"key"`
	Label         string `json:"label"`
	RenderHint    string `json:"render_hint"` // "text", "badge", "link", "size"
	Width         int    `json:"width"`
	MobileVisible bool   `json:"mobile_visible"`
}

// ReleaseSource is a catalog search provider.
type ReleaseSource interface {
	Search(ctx context.Context, query SearchQuery) ([]Release, error)
	IsAvailable() bool
	ColumnConfig() ColumnConfig
}

type SearchQuery struct {
	Query        string
	ISBN         []string
	Author       []string
	Title        []string
	Languages    []string
	Sort         string
	ContentTypes []string
	Formats      []string
	ExpandSearch bool
}

// EventSink is implemented by the queue updater + broadcaster; handlers
// call it freely without risking blocking their own goroutine.
type EventSink interface {
	Progress(taskID string, percent float64)
	Status(taskID string, message string)
}

// DownloadHandler turns a queued task into a file on disk.
type DownloadHandler interface {
	Download(ctx context.Context, task TaskRef, sink EventSink) (path string, err error)
}

// CancellableHandler is implemented by handlers that can additionally
// react to an out-of-band cancel request (most rely on ctx instead).
type CancellableHandler interface {
	Cancel(taskID string) bool
}

// TaskRef is the minimal view of a queue.Task a handler needs; kept
// decoupled from the queue package to avoid an import cycle.
type TaskRef struct {
	ID     string
	Source string
	Extra  map[string]string // e.g. content hash, metadata needed to resolve URLs
}

// Registry is the process-global mapping of source name -> implementation,
// built once at startup and never mutated afterward.
type Registry struct {
	mu       sync.RWMutex
	releases map[string]ReleaseSource
	handlers map[string]DownloadHandler
	order    []string // download handler priority order, configurable
}

func NewRegistry() *Registry {
	return &Registry{
		releases: make(map[string]ReleaseSource),
		handlers: make(map[string]DownloadHandler),
	}
}

func (r *Registry) RegisterSource(name string, src ReleaseSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases[name] = src
}

func (r *Registry) RegisterHandler(name string, handler DownloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
	r.order = append(r.order, name)
}

func (r *Registry) Handler(name string) (DownloadHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("sources: unknown handler %q", name)
	}
	return h, nil
}

func (r *Registry) Source(name string) (ReleaseSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.releases[name]
	if !ok {
		return nil, fmt.Errorf("sources: unknown source %q", name)
	}
	return s, nil
}

func (r *Registry) SearchAll(ctx context.Context, query SearchQuery) []Release {
	r.mu.RLock()
	srcs := make(map[string]ReleaseSource, len(r.releases))
	for k, v := range r.releases {
		srcs[k] = v
	}
	r.mu.RUnlock()

	var all []Release
	for name, src := range srcs {
		if !src.IsAvailable() {
			continue
		}
		results, err := src.Search(ctx, query)
		if err != nil {
			continue
		}
		for i := range results {
			results[i].Source = name
		}
		all = append(all, results...)
	}
	return all
}

// HandlerOrder returns the registered download-handler names in
// registration order. The cascade's own default try order is sourceOrder
// in cascade.go, not this list.
func (r *Registry) HandlerOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
