package basemaps

import (
	"context"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Sternrassler/planet-client/pkg/download"
)

// FlatFilenameTemplate names quads of many mosaics sharing one folder.
const FlatFilenameTemplate = `{{.Mosaic}}-L{{.Level}}-{{printf "%04d" .X}}E-{{printf "%04d" .Y}}N.tif`

// DownloadOptions control quad downloads.
type DownloadOptions struct {
	// OutputDir receives the files. Empty means the working directory.
	OutputDir string

	// Query selects the quads; the zero value covers the whole mosaic.
	Query QuadQuery

	// Workers bounds concurrent downloads (download.DefaultWorkers if <= 0).
	Workers int

	// FilenameTemplate renders file names from .Mosaic .Level .X .Y.
	// Empty keeps the server's Content-Disposition name.
	FilenameTemplate string

	// Overwrite replaces files already on disk.
	Overwrite bool

	// Progress receives a copy of every byte written.
	Progress io.Writer
}

// SeriesDownloadOptions control downloads across the mosaics of a series.
type SeriesDownloadOptions struct {
	DownloadOptions

	// Start and End bound the mosaics' acquisition dates.
	Start, End time.Time

	// Flat puts all quads in OutputDir instead of one folder per mosaic.
	// Without a FilenameTemplate, FlatFilenameTemplate is used.
	Flat bool
}

// quadName is the data a filename template sees.
type quadName struct {
	Mosaic string
	Level  int
	X, Y   int
}

// DownloadQuads downloads every downloadable quad of m matching
// opts.Query. A listing error is yielded after the downloads already
// queued have finished.
func (c *Client) DownloadQuads(ctx context.Context, m *Mosaic, opts DownloadOptions) iter.Seq2[download.Result, error] {
	return func(yield func(download.Result, error) bool) {
		tmpl, err := parseFilenameTemplate(opts.FilenameTemplate)
		if err != nil {
			yield(download.Result{}, err)
			return
		}

		var listErr error
		descs := func(emit func(download.Descriptor) bool) {
			listErr = c.quadDescriptors(ctx, m, opts.Query, opts.OutputDir, tmpl, emit)
		}
		c.runPool(ctx, opts, descs, &listErr, yield)
	}
}

// DownloadSeriesQuads downloads the quads of every mosaic in s acquired
// between opts.Start and opts.End.
func (c *Client) DownloadSeriesQuads(ctx context.Context, s *Series, opts SeriesDownloadOptions) iter.Seq2[download.Result, error] {
	return func(yield func(download.Result, error) bool) {
		pattern := opts.FilenameTemplate
		if opts.Flat && pattern == "" {
			pattern = FlatFilenameTemplate
		}
		tmpl, err := parseFilenameTemplate(pattern)
		if err != nil {
			yield(download.Result{}, err)
			return
		}

		var listErr error
		descs := func(emit func(download.Descriptor) bool) {
			for m, err := range c.SeriesMosaics(ctx, s, opts.Start, opts.End) {
				if err != nil {
					listErr = err
					return
				}
				dir := opts.OutputDir
				if !opts.Flat {
					dir = filepath.Join(opts.OutputDir, m.Name)
				}
				c.logger.Info().Str("series", s.Name).Str("mosaic", m.Name).Msg("Downloading mosaic quads")

				stopped := false
				err := c.quadDescriptors(ctx, &m, opts.Query, dir, tmpl, func(d download.Descriptor) bool {
					if !emit(d) {
						stopped = true
						return false
					}
					return true
				})
				if err != nil {
					listErr = err
					return
				}
				if stopped {
					return
				}
			}
		}
		c.runPool(ctx, opts.DownloadOptions, descs, &listErr, yield)
	}
}

func (c *Client) runPool(ctx context.Context, opts DownloadOptions, descs iter.Seq[download.Descriptor], listErr *error, yield func(download.Result, error) bool) {
	d := download.NewDownloader(c.api, download.Options{
		Overwrite: opts.Overwrite,
		Progress:  opts.Progress,
	})
	pool := download.NewPool(d, opts.Workers)

	for res, err := range pool.Run(ctx, descs) {
		if !yield(res, err) {
			return
		}
		if err != nil {
			return
		}
	}
	if *listErr != nil {
		yield(download.Result{}, *listErr)
	}
}

// quadDescriptors lists the quads of m and emits a descriptor for each
// downloadable one. It returns the first listing or naming error.
func (c *Client) quadDescriptors(ctx context.Context, m *Mosaic, q QuadQuery, dir string, tmpl *template.Template, emit func(download.Descriptor) bool) error {
	for quad, err := range c.Quads(ctx, m, q) {
		if err != nil {
			return fmt.Errorf("list quads of %s: %w", m.Name, err)
		}
		if !quad.Downloadable() {
			c.logger.Debug().Str("mosaic", m.Name).Str("quad", quad.ID).Msg("Quad not downloadable, skipping")
			continue
		}

		desc := download.Descriptor{URL: quad.DownloadURL(), Dir: dir}
		if tmpl != nil {
			name, err := renderFilename(tmpl, quad)
			if err != nil {
				return err
			}
			desc.Filename = name
		}
		if !emit(desc) {
			return nil
		}
	}
	return nil
}

func parseFilenameTemplate(pattern string) (*template.Template, error) {
	if pattern == "" {
		return nil, nil
	}
	tmpl, err := template.New("filename").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("parse filename template: %w", err)
	}
	return tmpl, nil
}

func renderFilename(tmpl *template.Template, q Quad) (string, error) {
	var b strings.Builder
	err := tmpl.Execute(&b, quadName{Mosaic: q.MosaicName, Level: q.Level, X: q.X, Y: q.Y})
	if err != nil {
		return "", fmt.Errorf("render filename for quad %s: %w", q.ID, err)
	}
	return b.String(), nil
}
