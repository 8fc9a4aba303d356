// Package fetch resolves content URLs into files the renderer can open.
// The network is tried first; on any failure the content store answers
// instead, so playback survives the server going away.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"screen-player/internal/media"
	"screen-player/internal/store"

	"github.com/samber/mo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrContentUnavailable is returned when the network fails and nothing is
// cached for the URL.
var ErrContentUnavailable = errors.New("content unavailable")

// DefaultTimeout bounds a single download when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Cache is the subset of the content store the fetcher needs.
type Cache interface {
	Put(url string, data []byte, contentType string) error
	Get(url string) (mo.Option[store.Entry], error)
}

// Options configure a Fetcher.
type Options struct {
	// Cache may be nil, in which case every resolve goes to the network.
	Cache    Cache
	Fs       afero.Fs
	MediaDir string
	Timeout  time.Duration
	Logger   logrus.FieldLogger
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Playable is a resolved content item.
type Playable struct {
	URL         string
	Path        string
	ContentType string
	Size        int64
	// Stale is set when the bytes came from the cache after a failed fetch.
	Stale bool
	// FetchErr holds the network error that forced a stale result.
	FetchErr error
	// CacheErr holds a failure to write fresh bytes into the cache.
	CacheErr error
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	cache   Cache
	fs      afero.Afero
	dir     string
	timeout time.Duration
	httpCli *http.Client
	log     logrus.FieldLogger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpCli := opts.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Fetcher{
		cache:   opts.Cache,
		fs:      afero.Afero{Fs: opts.Fs},
		dir:     opts.MediaDir,
		timeout: opts.Timeout,
		httpCli: httpCli,
		log:     logger.WithField("component", "fetch"),
	}
}

// Resolve downloads url, caches it and materializes it under the media
// directory. When the download fails the cached copy is used and the
// result is marked Stale.
func (f *Fetcher) Resolve(ctx context.Context, url string) (Playable, error) {
	data, contentType, fetchErr := f.download(ctx, url)
	if fetchErr == nil {
		p := Playable{URL: url, ContentType: contentType, Size: int64(len(data))}
		if f.cache != nil {
			if err := f.cache.Put(url, data, contentType); err != nil {
				f.log.Warnf("cache put %s: %v", url, err)
				p.CacheErr = err
			}
		}
		path, err := f.materialize(url, contentType, data)
		if err != nil {
			return Playable{}, err
		}
		p.Path = path
		return p, nil
	}

	f.log.Debugf("fetch %s failed: %v", url, fetchErr)

	if f.cache == nil {
		return Playable{}, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, url, fetchErr)
	}

	cached, err := f.cache.Get(url)
	if err != nil {
		f.log.Warnf("cache get %s: %v", url, err)
		return Playable{}, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, url, fetchErr)
	}
	entry, ok := cached.Get()
	if !ok {
		return Playable{}, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, url, fetchErr)
	}

	path, err := f.materialize(url, entry.ContentType, entry.Data)
	if err != nil {
		return Playable{}, err
	}
	f.log.Infof("serving cached copy of %s (%d bytes)", url, entry.SizeBytes)
	return Playable{
		URL:         url,
		Path:        path,
		ContentType: entry.ContentType,
		Size:        entry.SizeBytes,
		Stale:       true,
		FetchErr:    fetchErr,
	}, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := f.httpCli.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// PathFor is the media file a URL materializes to.
func (f *Fetcher) PathFor(url, contentType string) string {
	sum := sha1.Sum([]byte(url))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:10])+media.Extension(url, contentType))
}

// materialize writes data to the media directory. An existing file with
// identical content is reused and only has its mtime refreshed.
func (f *Fetcher) materialize(url, contentType string, data []byte) (string, error) {
	path := f.PathFor(url, contentType)

	if f.sameContent(path, data) {
		now := time.Now()
		f.fs.Chtimes(path, now, now)
		return path, nil
	}

	if err := f.fs.MkdirAll(f.dir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	tmp := path + ".part"
	if err := f.fs.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := f.fs.Rename(tmp, path); err != nil {
		f.fs.Remove(tmp)
		return "", fmt.Errorf("rename media file: %w", err)
	}
	return path, nil
}

// sameContent reports whether the file at path already holds data.
func (f *Fetcher) sameContent(path string, data []byte) bool {
	file, err := f.fs.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.Size() != int64(len(data)) {
		return false
	}
	h := sha1.New()
	if _, err := io.Copy(h, file); err != nil {
		return false
	}
	want := sha1.Sum(data)
	return bytes.Equal(h.Sum(nil), want[:])
}
