// Package cache is the discovery cache: a fingerprint-keyed, TTL-bound
// store persisted under <root>/cache so it survives restarts.
//
// Each entry is one JSON file named by its id, plus a directory of
// artifacts (overview, tables, samples) that resources resolve against.
// Entries are immutable. Replacing one evicts it and stores a new id.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/fingerprint"
	"github.com/keboola/osiris-sub007/internal/fsutil"
)

// DefaultTTL applies when Store is given no TTL and none was configured.
const DefaultTTL = 24 * time.Hour

// IDPrefix starts every entry id.
const IDPrefix = "disc_"

// Artifact names written next to every entry.
var Artifacts = []string{"overview", "tables", "samples"}

// KeyInputs is everything that determines whether a cached result still
// applies.
type KeyInputs struct {
	Operation         string
	Target            string
	Options           map[string]any
	SchemaFingerprint string
}

// Key returns the cache key and the options fingerprint for in.
func (in KeyInputs) Key() (key, optionsFingerprint string, err error) {
	opts := in.Options
	if opts == nil {
		opts = map[string]any{}
	}
	optionsFingerprint, err = fingerprint.Of(fingerprint.CacheDomain, opts)
	if err != nil {
		return "", "", fmt.Errorf("fingerprinting options: %w", err)
	}
	key, err = fingerprint.Of(fingerprint.CacheDomain, map[string]any{
		"operation":           in.Operation,
		"target":              in.Target,
		"options_fingerprint": optionsFingerprint,
		"schema_fingerprint":  in.SchemaFingerprint,
	})
	if err != nil {
		return "", "", fmt.Errorf("fingerprinting key: %w", err)
	}
	return key, optionsFingerprint, nil
}

// Entry is one persisted result. Payload must be treated as read-only.
type Entry struct {
	Key                string         `json:"key"`
	ID                 string         `json:"id"`
	Operation          string         `json:"operation"`
	Target             string         `json:"target"`
	OptionsFingerprint string         `json:"options_fingerprint"`
	SchemaFingerprint  string         `json:"schema_fingerprint"`
	CreatedAt          time.Time      `json:"created_at"`
	TTLSeconds         int64          `json:"ttl_seconds"`
	Payload            map[string]any `json:"payload"`
}

// ExpiresAt is CreatedAt plus the TTL.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether e is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Cache is safe for concurrent use. The lock guards only the in-memory
// index; file writes happen outside it and land by rename.
type Cache struct {
	dir        string
	defaultTTL time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu    sync.RWMutex
	byKey map[string]Entry
	byID  map[string]string

	group singleflight.Group
}

// Open loads every persisted entry under dir. Corrupt entries are logged
// and skipped; expired ones are evicted.
func Open(dir string, defaultTTL time.Duration, log *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		dir:        dir,
		defaultTTL: defaultTTL,
		log:        log,
		now:        time.Now,
		byKey:      make(map[string]Entry),
		byID:       make(map[string]string),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	items, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scanning cache dir: %w", err)
	}
	now := c.now()
	loaded, skipped, expired := 0, 0, 0
	for _, item := range items {
		name := item.Name()
		if fsutil.IsTemp(name) {
			os.RemoveAll(filepath.Join(c.dir, name))
			continue
		}
		if item.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		entry, err := c.readEntry(name)
		if err != nil {
			skipped++
			c.log.Warn("skipping corrupt cache entry", zap.String("file", name), zap.Error(err))
			continue
		}
		if entry.Expired(now) {
			expired++
			c.removeFiles(entry.ID)
			continue
		}
		if prev, ok := c.byKey[entry.Key]; ok {
			older := prev
			if entry.CreatedAt.Before(prev.CreatedAt) {
				older = entry
				entry = prev
			}
			delete(c.byID, older.ID)
			c.removeFiles(older.ID)
		}
		c.byKey[entry.Key] = entry
		c.byID[entry.ID] = entry.Key
		loaded++
	}
	c.log.Info("discovery cache loaded",
		zap.String("dir", c.dir),
		zap.Int("entries", loaded),
		zap.Int("skipped", skipped),
		zap.Int("expired", expired),
	)
	return nil
}

func (c *Cache) readEntry(name string) (Entry, error) {
	var e Entry
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	switch {
	case e.ID+".json" != name:
		return e, fmt.Errorf("id %q does not match file name", e.ID)
	case e.Key == "":
		return e, errors.New("missing key")
	case e.CreatedAt.IsZero():
		return e, errors.New("missing created_at")
	case e.Payload == nil:
		return e, errors.New("missing payload")
	}
	return e, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Lookup returns the live entry for in. An expired entry is evicted and
// reported as a miss.
func (c *Cache) Lookup(in KeyInputs) (Entry, bool, error) {
	key, _, err := in.Key()
	if err != nil {
		return Entry{}, false, errcode.Wrap(errcode.CacheUnavailable, err, "fingerprinting key")
	}
	c.mu.RLock()
	e, ok := c.byKey[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(c.now()) {
		c.evictIfCurrent(e)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Get returns the live entry with id. An expired entry is evicted.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	key, ok := c.byID[id]
	e := c.byKey[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if e.Expired(c.now()) {
		c.evictIfCurrent(e)
		return Entry{}, false
	}
	return e, true
}

// Live reports whether id names an unexpired entry.
func (c *Cache) Live(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Entries returns every live entry sorted by id. Expired entries are
// evicted on the way.
func (c *Cache) Entries() []Entry {
	now := c.now()
	var out, expired []Entry
	c.mu.RLock()
	for _, e := range c.byKey {
		if e.Expired(now) {
			expired = append(expired, e)
		} else {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()
	for _, e := range expired {
		c.evictIfCurrent(e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Store persists payload under in and returns the new entry. An existing
// entry for the same key is evicted.
func (c *Cache) Store(in KeyInputs, payload map[string]any, ttl time.Duration) (Entry, error) {
	key, optsFP, err := in.Key()
	if err != nil {
		return Entry{}, errcode.Wrap(errcode.CacheUnavailable, err, "fingerprinting key")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if payload == nil {
		payload = map[string]any{}
	}
	created := c.now().UTC()
	e := Entry{
		Key:                key,
		ID:                 newID(key, created),
		Operation:          in.Operation,
		Target:             in.Target,
		OptionsFingerprint: optsFP,
		SchemaFingerprint:  in.SchemaFingerprint,
		CreatedAt:          created,
		TTLSeconds:         int64(ttl / time.Second),
		Payload:            payload,
	}
	if e.TTLSeconds < 1 {
		e.TTLSeconds = 1
	}

	if err := c.writeArtifacts(e); err != nil {
		return Entry{}, errcode.Wrap(errcode.CacheUnavailable, err, "writing artifacts")
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		c.removeFiles(e.ID)
		return Entry{}, errcode.Wrap(errcode.CacheUnavailable, err, "encoding entry")
	}
	if err := fsutil.WriteFile(c.entryPath(e.ID), data, 0o644); err != nil {
		c.removeFiles(e.ID)
		return Entry{}, errcode.Wrap(errcode.CacheUnavailable, err, "writing entry")
	}

	c.mu.Lock()
	prev, replaced := c.byKey[key]
	c.byKey[key] = e
	c.byID[e.ID] = key
	if replaced {
		delete(c.byID, prev.ID)
	}
	c.mu.Unlock()

	if replaced {
		c.removeFiles(prev.ID)
	}
	return e, nil
}

// Fetch returns the cached entry for in, or runs fn and stores its result.
// Concurrent fetches for the same key share one fn call. The shared call
// keeps the values of the first caller's context but not its cancellation;
// each caller stops waiting when its own ctx is done.
func (c *Cache) Fetch(ctx context.Context, in KeyInputs, ttl time.Duration, fn func(context.Context) (map[string]any, error)) (Entry, bool, error) {
	if e, ok, err := c.Lookup(in); err != nil || ok {
		return e, ok, err
	}
	key, _, err := in.Key()
	if err != nil {
		return Entry{}, false, errcode.Wrap(errcode.CacheUnavailable, err, "fingerprinting key")
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if e, ok, err := c.Lookup(in); err != nil || ok {
			return e, err
		}
		payload, err := fn(shared)
		if err != nil {
			return nil, err
		}
		return c.Store(in, payload, ttl)
	})
	select {
	case <-ctx.Done():
		return Entry{}, false, errcode.From(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Entry{}, false, r.Err
		}
		return r.Val.(Entry), false, nil
	}
}

// Evict removes the entry with id. Unknown ids are a no-op.
func (c *Cache) Evict(id string) error {
	c.mu.Lock()
	key, ok := c.byID[id]
	if ok {
		delete(c.byID, id)
		delete(c.byKey, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.removeFiles(id)
}

func (c *Cache) evictIfCurrent(e Entry) {
	c.mu.Lock()
	cur, ok := c.byKey[e.Key]
	if ok && cur.ID == e.ID {
		delete(c.byKey, e.Key)
		delete(c.byID, e.ID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.removeFiles(e.ID)
	}
}

// ArtifactPath is where artifact name of entry id lives.
func (c *Cache) ArtifactPath(id, name string) string {
	return filepath.Join(c.dir, id, name+".json")
}

func (c *Cache) entryPath(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// writeArtifacts stages the artifact directory and renames it into place.
func (c *Cache) writeArtifacts(e Entry) error {
	staging, err := os.MkdirTemp(c.dir, "."+e.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("staging artifacts: %w", err)
	}
	for name, v := range artifacts(e) {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("marshaling %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(staging, name+".json"), data, 0o644); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := os.Rename(staging, filepath.Join(c.dir, e.ID)); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("publishing artifacts: %w", err)
	}
	return nil
}

func (c *Cache) removeFiles(id string) error {
	var errs []error
	if err := os.Remove(c.entryPath(id)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(filepath.Join(c.dir, id)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("evicting cache entry", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// artifacts splits a discovery payload into its three views.
func artifacts(e Entry) map[string]any {
	overview := map[string]any{
		"discovery_id": e.ID,
		"operation":    e.Operation,
		"target":       e.Target,
		"created_at":   e.CreatedAt.Format(time.RFC3339Nano),
		"expires_at":   e.ExpiresAt().Format(time.RFC3339Nano),
	}
	for k, v := range e.Payload {
		if k == "tables" || k == "samples" {
			continue
		}
		overview[k] = v
	}
	tables, ok := e.Payload["tables"]
	if !ok {
		tables = []any{}
	}
	samples, ok := e.Payload["samples"]
	if !ok {
		samples = map[string]any{}
	}
	if list, ok := tables.([]any); ok {
		overview["table_count"] = len(list)
	}
	return map[string]any{
		"overview": overview,
		"tables":   map[string]any{"discovery_id": e.ID, "tables": tables},
		"samples":  map[string]any{"discovery_id": e.ID, "samples": samples},
	}
}

func newID(key string, created time.Time) string {
	seed := key + "|" + created.Format(time.RFC3339Nano) + "|" + uuid.NewString()
	return IDPrefix + fingerprint.Short(fingerprint.Sum(fingerprint.ArtifactDomain, []byte(seed)), 16)
}

// IsID reports whether s has the shape of an entry id.
func IsID(s string) bool {
	if !strings.HasPrefix(s, IDPrefix) || len(s) != len(IDPrefix)+16 {
		return false
	}
	for _, r := range s[len(IDPrefix):] {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
