package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T, maxBytes int64) (*ContentStore, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(t.TempDir(), Options{MaxBytes: maxBytes, Logger: quietLogger(), Now: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func blob(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func mustHave(t *testing.T, s *ContentStore, url string) Entry {
	t.Helper()
	got, err := s.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	e, ok := got.Get()
	if !ok {
		t.Fatalf("expected %s to be cached", url)
	}
	return e
}

func mustMiss(t *testing.T, s *ContentStore, url string) {
	t.Helper()
	got, err := s.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	if got.IsPresent() {
		t.Fatalf("expected %s to be absent", url)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 1000)

	if err := s.Put("https://cdn/a.jpg", []byte("jpeg-bytes"), "image/jpeg"); err != nil {
		t.Fatal(err)
	}

	e := mustHave(t, s, "https://cdn/a.jpg")
	if string(e.Data) != "jpeg-bytes" || e.ContentType != "image/jpeg" || e.SizeBytes != 10 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.CachedAt.IsZero() {
		t.Error("expected CachedAt to be set")
	}

	mustMiss(t, s, "https://cdn/missing.jpg")
}

// TestPutOverwritesInPlace verifies re-caching replaces the entry and
// refreshes its timestamp without double counting its size.
func TestPutOverwritesInPlace(t *testing.T) {
	s, _ := newTestStore(t, 1000)

	s.Put("a", blob(100), "image/png")
	first := mustHave(t, s, "a")

	if err := s.Put("a", blob(50), "image/webp"); err != nil {
		t.Fatal(err)
	}
	second := mustHave(t, s, "a")

	if !second.CachedAt.After(first.CachedAt) {
		t.Errorf("expected refreshed CachedAt, got %v then %v", first.CachedAt, second.CachedAt)
	}
	if second.ContentType != "image/webp" || second.SizeBytes != 50 {
		t.Errorf("unexpected entry after overwrite: %+v", second)
	}

	st := s.Stats()
	if st.Entries != 1 || st.TotalBytes != 50 {
		t.Errorf("expected 1 entry / 50 bytes, got %+v", st)
	}
}

// TestEvictionOldestFirst fills the store past its ceiling and checks the
// oldest entries go first, down to the 80% low-water mark.
func TestEvictionOldestFirst(t *testing.T) {
	s, _ := newTestStore(t, 1000)

	for i := 0; i < 10; i++ {
		if err := s.Put(fmt.Sprintf("u%d", i), blob(100), "image/png"); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Stats().TotalBytes; got != 1000 {
		t.Fatalf("expected exactly at ceiling without eviction, got %d", got)
	}

	// 1100 > 1000: evict oldest until <= 800, i.e. u0, u1, u2.
	if err := s.Put("u10", blob(100), "image/png"); err != nil {
		t.Fatal(err)
	}

	for _, gone := range []string{"u0", "u1", "u2"} {
		mustMiss(t, s, gone)
	}
	for i := 3; i <= 10; i++ {
		mustHave(t, s, fmt.Sprintf("u%d", i))
	}

	st := s.Stats()
	if st.TotalBytes != 800 || st.Entries != 8 {
		t.Errorf("expected 8 entries / 800 bytes, got %+v", st)
	}
}

// TestEvictionRespectsRefreshedTimestamp shows a re-cached entry is treated
// as new for eviction ordering.
func TestEvictionRespectsRefreshedTimestamp(t *testing.T) {
	s, _ := newTestStore(t, 300)

	s.Put("a", blob(100), "")
	s.Put("b", blob(100), "")
	s.Put("c", blob(100), "")
	s.Put("a", blob(100), "") // a is now the newest

	s.Put("d", blob(100), "") // 400 > 300 -> drain to <= 240: drop b and c

	mustMiss(t, s, "b")
	mustMiss(t, s, "c")
	mustHave(t, s, "a")
	mustHave(t, s, "d")
}

// TestEvictionBoundRandomized checks the bound after every put for a random
// sequence of sizes and keys.
func TestEvictionBoundRandomized(t *testing.T) {
	const ceiling = 4096
	s, _ := newTestStore(t, ceiling)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		url := fmt.Sprintf("k%d", rng.Intn(60))
		size := 1 + rng.Intn(400)

		var prev int64
		if got, _ := s.Get(url); got.IsPresent() {
			prev = got.MustGet().SizeBytes
		}
		projected := s.Stats().TotalBytes - prev + int64(size)

		if err := s.Put(url, blob(size), "application/octet-stream"); err != nil {
			t.Fatal(err)
		}

		after := s.Stats().TotalBytes
		if after > ceiling {
			t.Fatalf("put %d: total %d exceeds ceiling", i, after)
		}
		if projected > ceiling && after > ceiling*8/10 {
			t.Fatalf("put %d: eviction ran but total %d above low-water", i, after)
		}
		mustHave(t, s, url)
	}
}

// TestNewestEntryIsNeverEvicted covers an insert so large that everything
// else must go: the entry itself stays.
func TestNewestEntryIsNeverEvicted(t *testing.T) {
	s, _ := newTestStore(t, 1000)

	s.Put("old1", blob(300), "")
	s.Put("old2", blob(300), "")
	if err := s.Put("big", blob(800), ""); err != nil {
		t.Fatal(err)
	}

	mustHave(t, s, "big")
	mustMiss(t, s, "old1")
	mustMiss(t, s, "old2")
	if got := s.Stats().TotalBytes; got != 800 {
		t.Errorf("expected 800 bytes, got %d", got)
	}
}

func TestPutRejectsOversizedContent(t *testing.T) {
	s, _ := newTestStore(t, 100)

	s.Put("keep", blob(50), "")
	err := s.Put("huge", blob(101), "")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	mustMiss(t, s, "huge")
	mustHave(t, s, "keep")
}

// TestPutRejectsItemAboveLowWater: an item that fits the ceiling but not
// the low-water mark could never leave eviction at or below it.
func TestPutRejectsItemAboveLowWater(t *testing.T) {
	s, _ := newTestStore(t, 100)

	s.Put("keep", blob(50), "")
	if err := s.Put("wide", blob(81), ""); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	mustMiss(t, s, "wide")
	mustHave(t, s, "keep")

	if err := s.Put("fits", blob(80), ""); err != nil {
		t.Fatal(err)
	}
	mustHave(t, s, "fits")
	if got := s.Stats().TotalBytes; got > 80 {
		t.Fatalf("total %d above low-water after eviction", got)
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t, 1000)

	s.Put("a", blob(10), "")
	s.Put("b", blob(10), "")
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}

	mustMiss(t, s, "a")
	mustMiss(t, s, "b")
	if st := s.Stats(); st.Entries != 0 || st.TotalBytes != 0 {
		t.Errorf("expected empty stats, got %+v", st)
	}

	// Still usable after a clear.
	if err := s.Put("c", blob(10), ""); err != nil {
		t.Fatal(err)
	}
	mustHave(t, s, "c")
}

// TestReopenRestoresTotals verifies usage is recomputed from disk and a
// lowered ceiling is enforced on open.
func TestReopenRestoresTotals(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	s, err := Open(dir, Options{MaxBytes: 1000, Logger: quietLogger(), Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		s.Put(fmt.Sprintf("u%d", i), blob(100), "")
	}
	s.Close()

	s, err = Open(dir, Options{MaxBytes: 1000, Logger: quietLogger(), Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Entries != 5 || st.TotalBytes != 500 {
		t.Errorf("expected 5 entries / 500 bytes after reopen, got %+v", st)
	}
	s.Close()

	s, err = Open(dir, Options{MaxBytes: 400, Logger: quietLogger(), Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	// 500 > 400 -> drain to <= 320: u0 and u1 go.
	mustMiss(t, s, "u0")
	mustMiss(t, s, "u1")
	mustHave(t, s, "u2")
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t, 1000)
	s.Close()

	if err := s.Put("a", blob(1), ""); !errors.Is(err, ErrClosed) {
		t.Errorf("put: expected ErrClosed, got %v", err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrClosed) {
		t.Errorf("get: expected ErrClosed, got %v", err)
	}
}
