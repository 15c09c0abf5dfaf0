// Package download writes remote resources to local files, many at a time.
//
// A Downloader streams one Descriptor to disk, resolving its filename from
// the Content-Disposition header when none is given and skipping
// destinations already claimed in this run or already on disk. A Pool runs
// a Downloader over a sequence of descriptors with bounded concurrency,
// in batches of BatchFactor × workers.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoFilename is returned when a descriptor has no filename and the
	// response carries no Content-Disposition filename either.
	ErrNoFilename = errors.New("no filename in descriptor or Content-Disposition header")

	// ErrNoURL is returned for a descriptor without a URL.
	ErrNoURL = errors.New("descriptor has no url")
)

// partSuffix marks files that are still being written.
const partSuffix = ".part"

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_downloads_total",
		Help: "Total downloads by result",
	}, []string{"result"}) // "ok", "skipped", "error"

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planet_download_bytes_total",
		Help: "Total bytes written by downloads",
	})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planet_download_duration_seconds",
		Help:    "Duration of completed downloads in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
)

// Opener starts a streaming GET. Status codes >= 400 must be returned as
// errors.
type Opener interface {
	Open(ctx context.Context, url string) (*http.Response, error)
}

// Descriptor is one resource to download.
type Descriptor struct {
	// URL of the resource.
	URL string

	// Filename overrides the Content-Disposition filename.
	Filename string

	// Dir is the destination directory, created on demand. Empty means
	// the working directory.
	Dir string
}

// Result describes a finished download.
type Result struct {
	Descriptor Descriptor

	// Path is the local file path.
	Path string

	// Bytes written; zero when Skipped.
	Bytes int64

	// Skipped is set when the destination was already claimed in this run
	// or already existed on disk.
	Skipped bool
}

// Options tune a Downloader.
type Options struct {
	// Overwrite replaces files that already exist on disk. Destinations
	// claimed earlier in the same run are still skipped.
	Overwrite bool

	// Progress, if set, receives a copy of every byte written.
	Progress io.Writer
}

// Downloader writes descriptors to disk. It is safe for concurrent use.
type Downloader struct {
	opener Opener
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewDownloader creates a Downloader fetching through opener.
func NewDownloader(opener Opener, opts Options) *Downloader {
	return &Downloader{
		opener:  opener,
		opts:    opts,
		logger:  log.With().Str("component", "download").Logger(),
		claimed: make(map[string]struct{}),
	}
}

// Download fetches desc to disk. Data is written to a ".part" file that is
// renamed into place once complete.
func (d *Downloader) Download(ctx context.Context, desc Descriptor) (Result, error) {
	res := Result{Descriptor: desc}
	if desc.URL == "" {
		downloadsTotal.WithLabelValues("error").Inc()
		return res, ErrNoURL
	}

	dir := desc.Dir
	if dir == "" {
		dir = "."
	}

	// With a known filename the skip decision needs no request.
	if desc.Filename != "" {
		name, err := cleanName(desc.Filename)
		if err != nil {
			downloadsTotal.WithLabelValues("error").Inc()
			return res, err
		}
		res.Path = filepath.Join(dir, name)
		if !d.claim(res.Path) {
			return d.skip(res), nil
		}
	}

	start := time.Now()
	resp, err := d.opener.Open(ctx, desc.URL)
	if err != nil {
		d.release(res.Path)
		downloadsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("download %s: %w", desc.URL, err)
	}
	defer resp.Body.Close()

	if res.Path == "" {
		name, err := FilenameFromHeader(resp.Header)
		if err != nil {
			downloadsTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("download %s: %w", desc.URL, err)
		}
		res.Path = filepath.Join(dir, name)
		if !d.claim(res.Path) {
			return d.skip(res), nil
		}
	}

	n, err := d.write(dir, res.Path, resp.Body)
	if err != nil {
		d.release(res.Path)
		downloadsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("download %s: %w", desc.URL, err)
	}
	res.Bytes = n

	downloadsTotal.WithLabelValues("ok").Inc()
	downloadBytesTotal.Add(float64(n))
	downloadDuration.Observe(time.Since(start).Seconds())
	d.logger.Info().
		Str("path", res.Path).
		Int64("bytes", n).
		Dur("took", time.Since(start)).
		Msg("Downloaded")

	return res, nil
}

func (d *Downloader) skip(res Result) Result {
	res.Skipped = true
	downloadsTotal.WithLabelValues("skipped").Inc()
	d.logger.Debug().Str("path", res.Path).Msg("Skipping existing download")
	return res
}

// claim reserves path for this run. It returns false when the path was
// already claimed or, without Overwrite, already exists.
func (d *Downloader) claim(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.claimed[path]; ok {
		return false
	}
	d.claimed[path] = struct{}{}

	if d.opts.Overwrite {
		return true
	}
	if _, err := os.Stat(path); err == nil {
		return false
	}
	return true
}

func (d *Downloader) release(path string) {
	if path == "" {
		return
	}
	d.mu.Lock()
	delete(d.claimed, path)
	d.mu.Unlock()
}

func (d *Downloader) write(dir, path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	part := path + partSuffix
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	var w io.Writer = f
	if d.opts.Progress != nil {
		w = io.MultiWriter(f, d.opts.Progress)
	}

	n, err := io.Copy(w, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("write %s: %w", path, err)
	}

	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}

// FilenameFromHeader returns the filename parameter of the
// Content-Disposition header, reduced to its base name.
func FilenameFromHeader(h http.Header) (string, error) {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return "", ErrNoFilename
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoFilename, err)
	}
	return cleanName(params["filename"])
}

func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return "", ErrNoFilename
	}
	return base, nil
}
