package service

import (
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const (
	defaultCacheCapacity = 4096
	defaultPageTokens    = 5000
	minPageRunes         = 256
)

type cacheEntry struct {
	owner     string
	pages     []string
	createdAt time.Time
}

// CachedPage is one page of a cached snippet. Pages are numbered from
// zero; TotalPages is at least one even for empty content.
type CachedPage struct {
	Content    string `json:"content"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	HasMore    bool   `json:"has_more"`
}

// ContentCache parks oversized result payloads behind opaque handles so
// responses stay inside the token budget. Content is paginated at store
// time so every page fits the configured token budget; a handle is
// readable only by the session that created it and eviction is LRU.
type ContentCache struct {
	entries    *lru.Cache[string, cacheEntry]
	tokens     search.TokenCounter
	pageTokens int
}

// NewContentCache creates the cache. Capacity <= 0 selects the default,
// pageTokens <= 0 selects the default page budget, and a nil counter
// falls back to a four-chars-per-token estimate.
func NewContentCache(capacity int, tokens search.TokenCounter, pageTokens int) (*ContentCache, error) {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if pageTokens <= 0 {
		pageTokens = defaultPageTokens
	}
	entries, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "creating content cache", err)
	}
	return &ContentCache{entries: entries, tokens: tokens, pageTokens: pageTokens}, nil
}

// Put stores content for the owning session and returns its handle.
func (c *ContentCache) Put(sessionID, content string) string {
	handle := "cache-" + uuid.NewString()
	c.entries.Add(handle, cacheEntry{
		owner:     sessionID,
		pages:     c.paginate(content),
		createdAt: time.Now().UTC(),
	})
	return handle
}

// paginate splits content into rune slices sized so each holds roughly
// pageTokens tokens, scaling the content's measured token density.
func (c *ContentCache) paginate(content string) []string {
	runes := []rune(content)
	if len(runes) == 0 {
		return []string{""}
	}
	total := len(runes) / 4
	if c.tokens != nil {
		total = c.tokens.CountTokens(content)
	}
	if total < 1 {
		total = 1
	}
	perPage := c.pageTokens * len(runes) / total
	if perPage < minPageRunes {
		perPage = minPageRunes
	}
	pages := make([]string, 0, len(runes)/perPage+1)
	for start := 0; start < len(runes); start += perPage {
		end := start + perPage
		if end > len(runes) {
			end = len(runes)
		}
		pages = append(pages, string(runes[start:end]))
	}
	return pages
}

// Get returns one page of a cached snippet. Handles owned by another
// session are reported as not found rather than denied, so handles do
// not leak across sessions.
func (c *ContentCache) Get(sessionID, handle string, page int) (CachedPage, error) {
	if page < 0 {
		return CachedPage{}, errs.New(errs.KindInvalidInput, "page must not be negative")
	}
	entry, ok := c.entries.Get(handle)
	if !ok || entry.owner != sessionID {
		return CachedPage{}, errs.Newf(errs.KindNotFound,
			"cache handle %q not found or expired; re-run the search to obtain a fresh handle", handle)
	}
	if page >= len(entry.pages) {
		return CachedPage{}, errs.Newf(errs.KindInvalidInput,
			"page %d out of range, handle has %d pages", page, len(entry.pages))
	}
	return CachedPage{
		Content:    entry.pages[page],
		Page:       page,
		TotalPages: len(entry.pages),
		HasMore:    page < len(entry.pages)-1,
	}, nil
}

// Len returns the number of live entries.
func (c *ContentCache) Len() int { return c.entries.Len() }

// Purge drops every entry, used when entering maintenance.
func (c *ContentCache) Purge() { c.entries.Purge() }
