// Package plancache implements the Thinking Plan Cache (spec §4.H.8): a
// persistent key-value cache, keyed on normalized user text with a TTL, so
// two processes sharing the same cache file skip redundant LLM planning for
// identical inputs. Concurrent identical misses within one process are
// deduped with singleflight rather than each paying for its own LLM call.
package plancache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is one cached plan, serialized as raw JSON so the cache stays
// agnostic to the Plan type defined in internal/pipeline (no import cycle).
type entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache is a file-backed, TTL-evicting key-value store.
type Cache struct {
	path string
	ttl  time.Duration
	mu   sync.Mutex
	sf   singleflight.Group
	now  func() time.Time
	log  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.log = logger }
}

func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a Cache backed by path, with the given TTL (default 120s if
// ttl <= 0).
func New(path string, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	c := &Cache{path: path, ttl: ttl, now: func() time.Time { return time.Now().UTC() }, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var normalizeWhitespace = regexp.MustCompile(`\s+`)

// NormalizeKey lowercases and collapses whitespace in userText, so
// "Hello   World" and "hello world" share a cache entry.
func NormalizeKey(userText string) string {
	return normalizeWhitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(userText)), " ")
}

func (c *Cache) readAll() map[string]entry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]entry{}
	}
	var m map[string]entry
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.Warn("plancache: corrupt cache file, starting empty", "path", c.path, "err", err)
		return map[string]entry{}
	}
	return m
}

func (c *Cache) writeAll(m map[string]entry) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".plancache-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, c.path)
}

// Get returns the cached value for key and whether it was present and
// unexpired. Expired entries are evicted as a side effect of the read.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.readAll()
	e, ok := m[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.ExpiresAt) {
		delete(m, key)
		c.writeAll(m)
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key with the cache's configured TTL.
func (c *Cache) Set(key string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.readAll()
	m[key] = entry{Value: value, ExpiresAt: c.now().Add(c.ttl)}
	return c.writeAll(m)
}

// GetOrCompute returns the cached value for key if present and unexpired;
// otherwise it calls compute exactly once per concurrent set of identical
// misses within this process (singleflight), stores the result, and
// returns it.
func (c *Cache) GetOrCompute(key string, compute func() (json.RawMessage, error)) (json.RawMessage, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if cached, ok := c.Get(key); ok {
			return cached, nil
		}
		computed, err := compute()
		if err != nil {
			return nil, err
		}
		if setErr := c.Set(key, computed); setErr != nil {
			c.log.Warn("plancache: failed to persist computed value", "key", key, "err", setErr)
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}
