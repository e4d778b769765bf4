// Package assets prefetches and decodes the remote images and fonts a batch
// references, once per unique URL, before any row is rendered.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds simultaneous fetches regardless of row count
const DefaultConcurrency = 16

// Fetcher retrieves the raw bytes behind a URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// Entry is a decoded asset. Exactly one of Image or Font is set.
type Entry struct {
	URL         string
	ContentType string
	Size        int
	Image       *gg.ImageBuf
	Font        *text.FontSource
}

// Failure records a URL that could not be fetched or decoded
type Failure struct {
	URL string
	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("asset %s: %v", f.URL, f.Err)
}

// Observer is notified once per attempted URL
type Observer func(url string, took time.Duration, err error)

// Cache holds the assets of one batch. Entries are written during Prefetch
// and only read afterwards.
type Cache struct {
	fetcher  Fetcher
	limit    int
	logger   *zap.Logger
	observer Observer

	mu       sync.RWMutex
	entries  map[string]*Entry
	failures []Failure
}

type Option func(*Cache)

// WithConcurrency overrides DefaultConcurrency
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.limit = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// NewCache creates an empty cache backed by fetcher
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		limit:   DefaultConcurrency,
		logger:  zap.NewNop(),
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prefetch fetches every unique URL not already cached. Individual failures
// are logged and returned; they never abort the prefetch.
func (c *Cache) Prefetch(ctx context.Context, urls []string) []Failure {
	pending := c.pending(urls)
	if len(pending) == 0 {
		return nil
	}

	c.logger.Debug("Prefetching assets",
		zap.Int("unique_urls", len(pending)),
		zap.Int("concurrency", c.limit))

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []Failure
	)
	g.SetLimit(c.limit)

	for _, u := range pending {
		g.Go(func() error {
			start := time.Now()
			entry, err := c.load(ctx, u)
			if c.observer != nil {
				c.observer(u, time.Since(start), err)
			}
			if err != nil {
				c.logger.Warn("Asset prefetch failed",
					zap.String("url", u),
					zap.Error(err))
				mu.Lock()
				failures = append(failures, Failure{URL: u, Err: err})
				mu.Unlock()
				return nil
			}

			c.mu.Lock()
			c.entries[u] = entry
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.failures = append(c.failures, failures...)
	c.mu.Unlock()

	return failures
}

func (c *Cache) pending(urls []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if _, ok := c.entries[u]; ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (c *Cache) load(ctx context.Context, url string) (*Entry, error) {
	if c.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	data, contentType, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	entry, err := decode(data, contentType)
	if err != nil {
		return nil, err
	}
	entry.URL = url
	return entry, nil
}

// Get returns the entry for url, if it was fetched successfully
func (c *Cache) Get(url string) (*Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[strings.TrimSpace(url)]
	c.mu.RUnlock()
	return e, ok
}

// Image returns the decoded image for url
func (c *Cache) Image(url string) (*gg.ImageBuf, bool) {
	e, ok := c.Get(url)
	if !ok || e.Image == nil {
		return nil, false
	}
	return e.Image, true
}

// Font returns the parsed font for url
func (c *Cache) Font(url string) (*text.FontSource, bool) {
	e, ok := c.Get(url)
	if !ok || e.Font == nil {
		return nil, false
	}
	return e.Font, true
}

// Len is the number of cached entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Failures lists every URL that failed across all Prefetch calls
func (c *Cache) Failures() []Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}
