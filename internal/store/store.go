// Package store is the player's persistent content cache. It maps a content
// URL to the downloaded bytes and keeps the total size under a ceiling by
// evicting the oldest entries first.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketContent = []byte("content")
	bucketMeta    = []byte("meta")
)

const (
	// DefaultMaxBytes is the cache ceiling (500 MiB).
	DefaultMaxBytes int64 = 500 << 20
	// DefaultLowWaterRatio is the fraction of the ceiling eviction drains down to.
	DefaultLowWaterRatio = 0.8

	dbFile = "content.db"
)

var (
	// ErrTooLarge is returned by Put when a single item would not fit under
	// the low-water mark on its own.
	ErrTooLarge = errors.New("content larger than cache low-water mark")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("content store is closed")
)

// Entry is one cached piece of content.
type Entry struct {
	URL         string
	Data        []byte
	ContentType string
	SizeBytes   int64
	CachedAt    time.Time
}

// meta is stored separately from the blob so eviction can scan sizes and
// timestamps without loading content.
type meta struct {
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CachedAt    time.Time `json:"cached_at"`
}

// Stats is a point-in-time view of the store's usage.
type Stats struct {
	Entries    int
	TotalBytes int64
	MaxBytes   int64
}

// Options tune a ContentStore. Zero values take the defaults.
type Options struct {
	MaxBytes      int64
	LowWaterRatio float64
	Logger        logrus.FieldLogger
	// Now overrides the clock used for CachedAt.
	Now func() time.Time
}

// ContentStore implements the size-bounded content cache on BoltDB.
type ContentStore struct {
	mu       sync.Mutex
	db       *bolt.DB
	maxBytes int64
	lowWater int64
	total    int64
	count    int
	now      func() time.Time
	log      logrus.FieldLogger
}

// Open opens (or creates) the store inside dir.
func Open(dir string, opts Options) (*ContentStore, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.LowWaterRatio <= 0 || opts.LowWaterRatio > 1 {
		opts.LowWaterRatio = DefaultLowWaterRatio
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, dbFile), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	s := &ContentStore{
		db:       db,
		maxBytes: opts.MaxBytes,
		lowWater: int64(float64(opts.MaxBytes) * opts.LowWaterRatio),
		now:      opts.Now,
		log:      opts.Logger.WithField("component", "store"),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContent, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			var m meta
			if err := json.Unmarshal(v, &m); err != nil {
				return nil // unreadable meta is dropped by the next eviction scan
			}
			s.total += m.SizeBytes
			s.count++
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s.log.Infof("opened %s: %d entries, %d/%d bytes", filepath.Join(dir, dbFile), s.count, s.total, s.maxBytes)

	// The ceiling may have been lowered since the last run.
	if _, err := s.EnforceBudget(); err != nil {
		s.log.Warnf("initial budget enforcement failed: %v", err)
	}
	return s, nil
}

// Close releases the database.
func (s *ContentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Put inserts or replaces the entry for url, stamps it with the current
// time and then enforces the size budget. The entry being written is never
// chosen for eviction, so it must fit under the low-water mark by itself.
func (s *ContentStore) Put(url string, data []byte, contentType string) error {
	size := int64(len(data))
	if size > s.lowWater {
		return fmt.Errorf("%s (%d bytes): %w", url, size, ErrTooLarge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	m := meta{ContentType: contentType, SizeBytes: size, CachedAt: s.now()}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}

	total, count := s.total, s.count
	var evicted int
	err = s.db.Update(func(tx *bolt.Tx) error {
		metaB := tx.Bucket(bucketMeta)
		if prev := metaB.Get([]byte(url)); prev != nil {
			var old meta
			if json.Unmarshal(prev, &old) == nil {
				total -= old.SizeBytes
				count--
			}
		}
		if err := tx.Bucket(bucketContent).Put([]byte(url), data); err != nil {
			return err
		}
		if err := metaB.Put([]byte(url), raw); err != nil {
			return err
		}
		total += size
		count++

		var err error
		evicted, total, count, err = s.evict(tx, total, count, url)
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", url, err)
	}

	s.total, s.count = total, count
	if evicted > 0 {
		s.log.Infof("evicted %d entries, now %d/%d bytes", evicted, total, s.maxBytes)
	}
	return nil
}

// Get returns the entry for url, or None when it is not cached.
func (s *ContentStore) Get(url string) (mo.Option[Entry], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return mo.None[Entry](), ErrClosed
	}

	var (
		entry Entry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		rawMeta := tx.Bucket(bucketMeta).Get([]byte(url))
		blob := tx.Bucket(bucketContent).Get([]byte(url))
		if rawMeta == nil || blob == nil {
			return nil
		}
		var m meta
		if err := json.Unmarshal(rawMeta, &m); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		data := make([]byte, len(blob))
		copy(data, blob)
		entry = Entry{
			URL:         url,
			Data:        data,
			ContentType: m.ContentType,
			SizeBytes:   m.SizeBytes,
			CachedAt:    m.CachedAt,
		}
		found = true
		return nil
	})
	if err != nil {
		return mo.None[Entry](), fmt.Errorf("get %s: %w", url, err)
	}
	if !found {
		return mo.None[Entry](), nil
	}
	return mo.Some(entry), nil
}

// Clear removes every entry.
func (s *ContentStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContent, bucketMeta} {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	s.log.Infof("cleared %d entries (%d bytes)", s.count, s.total)
	s.total, s.count = 0, 0
	return nil
}

// EnforceBudget evicts oldest entries when the store is over its ceiling
// and reports how many were removed.
func (s *ContentStore) EnforceBudget() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	if s.total <= s.maxBytes {
		return 0, nil
	}

	total, count := s.total, s.count
	var evicted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		evicted, total, count, err = s.evict(tx, total, count, "")
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enforce budget: %w", err)
	}
	s.total, s.count = total, count
	return evicted, nil
}

// Stats returns current usage.
func (s *ContentStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entries: s.count, TotalBytes: s.total, MaxBytes: s.maxBytes}
}

type candidate struct {
	url  string
	meta meta
}

// evict runs inside an update transaction. Once total exceeds the ceiling
// it deletes entries in ascending CachedAt order until total is at or below
// the low-water mark, never touching protect.
func (s *ContentStore) evict(tx *bolt.Tx, total int64, count int, protect string) (int, int64, int, error) {
	if total <= s.maxBytes {
		return 0, total, count, nil
	}

	metaB := tx.Bucket(bucketMeta)
	contentB := tx.Bucket(bucketContent)

	var candidates []candidate
	err := metaB.ForEach(func(k, v []byte) error {
		var m meta
		if err := json.Unmarshal(v, &m); err != nil {
			// Zero CachedAt sorts first, so broken meta goes before anything else.
			m = meta{}
		}
		candidates = append(candidates, candidate{url: string(k), meta: m})
		return nil
	})
	if err != nil {
		return 0, total, count, err
	}

	candidates = lo.Filter(candidates, func(c candidate, _ int) bool { return c.url != protect })
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].meta.CachedAt, candidates[j].meta.CachedAt
		if a.Equal(b) {
			return candidates[i].url < candidates[j].url
		}
		return a.Before(b)
	})

	evicted := 0
	for _, c := range candidates {
		if total <= s.lowWater {
			break
		}
		if err := contentB.Delete([]byte(c.url)); err != nil {
			return 0, total, count, err
		}
		if err := metaB.Delete([]byte(c.url)); err != nil {
			return 0, total, count, err
		}
		total -= c.meta.SizeBytes
		count--
		evicted++
		s.log.Debugf("evicted %s (%d bytes, cached %s)", c.url, c.meta.SizeBytes, c.meta.CachedAt.Format(time.RFC3339))
	}
	return evicted, total, count, nil
}
