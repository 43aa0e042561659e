package sources

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"bookforge/internal/fetcher"
)

// CatalogFetcher narrows fetcher.Fetcher to the single call the catalog
// search needs, so tests can stub it without standing up a real Gateway.
type CatalogFetcher interface {
	HTMLGet(ctx context.Context, rawURL string, useBypasser bool, sel fetcher.Selector) (string, error)
}

// AnnasArchiveSource searches the shared catalog mirror's search page and
// scrapes result rows for the fields the direct-download cascade needs
// (content hash, catalog page URL) alongside display metadata. Grounded on
// the teacher's regex-based HTML scraping style already used by the
// cascade's partner-link extraction, since the example pack carries no
// dedicated catalog-API client.
type AnnasArchiveSource struct {
	fetcher  CatalogFetcher
	selector Selector
}

func NewAnnasArchiveSource(f CatalogFetcher, selector Selector) *AnnasArchiveSource {
	return &AnnasArchiveSource{fetcher: f, selector: selector}
}

func (s *AnnasArchiveSource) IsAvailable() bool { return true }

func (s *AnnasArchiveSource) ColumnConfig() ColumnConfig {
	return ColumnConfig{Columns: []ColumnSpec{
		{Key: "title", Label: "Title", RenderHint: "text", Width: 320, MobileVisible: true},
		{Key: "format", Label: "Format", RenderHint: "badge", Width: 80, MobileVisible: true},
		{Key: "language", Label: "Language", RenderHint: "text", Width: 100},
		{Key: "size", Label: "Size", RenderHint: "size", Width: 100, MobileVisible: true},
		{Key: "indexer", Label: "Indexer", RenderHint: "text", Width: 120},
	}}
}

var resultRowRe = regexp.MustCompile(`(?is)<a[^>]+href="(/md5/([0-9a-f]{32}))"[^>]*>.*?<h3[^>]*>([^<]+)</h3>.*?class="text-xs[^"]*"[^>]*>([^<]*)</div>`)

// Search issues a single GET against the catalog mirror's search endpoint
// and parses result anchors into releases; source_id is the content hash
// and catalog_url (needed by the "aa-slow*" cascade sources to enumerate
// partner mirrors) is carried in Extra.
func (s *AnnasArchiveSource) Search(ctx context.Context, query SearchQuery) ([]Release, error) {
	base := s.selector.GetBase()
	if base == "" {
		return nil, fmt.Errorf("annas: no mirror available")
	}

	searchURL := base + "/search?q=" + url.QueryEscape(query.Query)
	html, err := s.fetcher.HTMLGet(ctx, searchURL, false, s.selector)
	if err != nil {
		return nil, err
	}
	if html == "" {
		return nil, nil
	}

	matches := resultRowRe.FindAllStringSubmatch(html, -1)
	releases := make([]Release, 0, len(matches))
	for _, m := range matches {
		catalogPath, hash, title, meta := m[1], m[2], strings.TrimSpace(m[3]), m[4]
		format, lang, size := parseMetaLine(meta)
		if len(query.Formats) > 0 && !containsFold(query.Formats, format) {
			continue
		}
		releases = append(releases, Release{
			SourceID:    hash,
			Title:       title,
			Format:      format,
			Language:    lang,
			Size:        size,
			Protocol:    ProtocolHTTP,
			Indexer:     "annas-archive",
			DownloadURL: base + catalogPath,
			InfoURL:     base + catalogPath,
			Extra: map[string]string{
				"hash":        hash,
				"catalog_url": base + catalogPath,
			},
		})
	}
	return releases, nil
}

// parseMetaLine splits the catalog's "<format>, <lang>, <size>" summary
// line; any segment that doesn't parse is left blank rather than failing
// the whole row, since the exact separator count varies by entry type.
func parseMetaLine(meta string) (format, lang, size string) {
	parts := strings.Split(meta, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		switch i {
		case 0:
			format = p
		case 1:
			lang = p
		case 2:
			size = p
		}
	}
	return
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
