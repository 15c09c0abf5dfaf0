package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/planet-client/pkg/basemaps"
	"github.com/Sternrassler/planet-client/pkg/download"
	"github.com/paulmach/orb"
	"github.com/urfave/cli/v2"
)

const dateLayout = "2006-01-02"

var (
	NameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "Only list entries whose name contains this string",
	}
	MosaicFlag = &cli.StringFlag{
		Name:    "mosaic",
		Aliases: []string{"m"},
		Usage:   "Mosaic name",
	}
	SeriesFlag = &cli.StringFlag{
		Name:    "series",
		Aliases: []string{"s"},
		Usage:   "Series name",
	}
	BBoxFlag = &cli.StringFlag{
		Name:  "bbox",
		Usage: "Bounding box as lon_min,lat_min,lon_max,lat_max",
	}
	RegionFlag = &cli.PathFlag{
		Name:      "region",
		Usage:     "GeoJSON file with a Polygon or MultiPolygon to search",
		TakesFile: true,
	}
	StartFlag = &cli.StringFlag{
		Name:  "start",
		Usage: "Only mosaics acquired after this date (YYYY-MM-DD)",
	}
	EndFlag = &cli.StringFlag{
		Name:  "end",
		Usage: "Only mosaics acquired before this date (YYYY-MM-DD)",
	}
)

var SeriesCmd = &cli.Command{
	Name:   "series",
	Usage:  "List basemap series",
	Flags:  []cli.Flag{NameFlag},
	Action: listSeries,
}

var MosaicsCmd = &cli.Command{
	Name:  "mosaics",
	Usage: "List mosaics, optionally of one series",
	Flags: []cli.Flag{
		NameFlag,
		SeriesFlag,
		StartFlag,
		EndFlag,
	},
	Action: listMosaics,
}

var QuadsCmd = &cli.Command{
	Name:  "quads",
	Usage: "Search the quads of a mosaic",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: MosaicFlag.Name, Aliases: MosaicFlag.Aliases, Usage: MosaicFlag.Usage, Required: true},
		BBoxFlag,
		RegionFlag,
		&cli.BoolFlag{
			Name:  "stac",
			Usage: "Print quads as STAC items, one JSON document per line",
		},
	},
	Action: listQuads,
}

var DownloadCmd = &cli.Command{
	Name:      "download",
	Usage:     "Download the quads of a mosaic or of every mosaic in a series",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		MosaicFlag,
		SeriesFlag,
		BBoxFlag,
		RegionFlag,
		StartFlag,
		EndFlag,
		&cli.PathFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Output directory (default DOWNLOAD_DIR)",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Concurrent downloads (default DOWNLOAD_WORKERS)",
		},
		&cli.BoolFlag{
			Name:  "flat",
			Usage: "Put the quads of all series mosaics in one folder",
		},
		&cli.StringFlag{
			Name:  "template",
			Usage: "Filename template over .Mosaic .Level .X .Y",
		},
		&cli.BoolFlag{
			Name:  "overwrite",
			Usage: "Replace files that already exist",
		},
		&cli.BoolFlag{
			Name:  "no-progress",
			Usage: "Disable the progress indicator",
		},
	},
	Action: downloadQuads,
}

var XMLCmd = &cli.Command{
	Name:  "xml",
	Usage: "Render the GDAL tileserver XML of a mosaic",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: MosaicFlag.Name, Aliases: MosaicFlag.Aliases, Usage: MosaicFlag.Usage, Required: true},
		&cli.StringFlag{
			Name:  "proc",
			Usage: "Server-side band math, e.g. ndvi",
		},
		&cli.IntFlag{
			Name:  "level",
			Usage: "Zoom level (default: the mosaic level)",
		},
		&cli.IntFlag{
			Name:  "bands",
			Usage: "Band count (default: guessed from the mosaic)",
		},
		&cli.StringFlag{
			Name:  "tileserver",
			Usage: "Tile service root",
			Value: basemaps.DefaultTileserverURL,
		},
		&cli.PathFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Write to this file instead of stdout",
		},
	},
	Action: renderXML,
}

func listSeries(c *cli.Context) error {
	s := getSession(c)
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINTERVAL")
	for series, err := range s.bm.ListSeries(c.Context, c.String(NameFlag.Name)) {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", series.ID, series.Name, series.Interval)
	}
	return w.Flush()
}

func listMosaics(c *cli.Context) error {
	s := getSession(c)
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLEVEL\tDATATYPE\tFIRST ACQUIRED\tLAST ACQUIRED")
	row := func(m basemaps.Mosaic) {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", m.Name, m.Level, m.Datatype,
			formatDate(m.FirstAcquired), formatDate(m.LastAcquired))
	}

	if name := c.String(SeriesFlag.Name); name != "" {
		series, err := s.bm.SeriesByName(c.Context, name)
		if err != nil {
			return err
		}
		start, end, err := dateRange(c)
		if err != nil {
			return err
		}
		for m, err := range s.bm.SeriesMosaics(c.Context, series, start, end) {
			if err != nil {
				return err
			}
			row(m)
		}
		return w.Flush()
	}

	for m, err := range s.bm.ListMosaics(c.Context, c.String(NameFlag.Name)) {
		if err != nil {
			return err
		}
		row(m)
	}
	return w.Flush()
}

func listQuads(c *cli.Context) error {
	s := getSession(c)
	m, err := s.bm.MosaicByName(c.Context, c.String(MosaicFlag.Name))
	if err != nil {
		return err
	}
	query, err := quadQuery(c)
	if err != nil {
		return err
	}

	if c.Bool("stac") {
		enc := json.NewEncoder(c.App.Writer)
		for q, err := range s.bm.Quads(c.Context, m, query) {
			if err != nil {
				return err
			}
			item, err := basemaps.QuadItem(q)
			if err != nil {
				return err
			}
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOVERAGE\tDOWNLOADABLE\tBBOX")
	for q, err := range s.bm.Quads(c.Context, m, query) {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%.0f%%\t%t\t%s\n", q.ID, q.PercentCovered, q.Downloadable(), formatBound(q.BBox))
	}
	return w.Flush()
}

func downloadQuads(c *cli.Context) error {
	s := getSession(c)
	mosaicName, seriesName := c.String(MosaicFlag.Name), c.String(SeriesFlag.Name)
	if (mosaicName == "") == (seriesName == "") {
		return errors.New("exactly one of --mosaic or --series is required")
	}

	query, err := quadQuery(c)
	if err != nil {
		return err
	}

	bar := newProgress(c.App.ErrWriter, "downloading", !c.Bool("no-progress"))
	opts := basemaps.DownloadOptions{
		OutputDir:        c.Path("out"),
		Query:            query,
		Workers:          c.Int("workers"),
		FilenameTemplate: c.String("template"),
		Overwrite:        c.Bool("overwrite"),
		Progress:         progressWriter(bar),
	}
	if opts.OutputDir == "" {
		opts.OutputDir = s.cfg.Download.Dir
	}
	if opts.Workers <= 0 {
		opts.Workers = s.cfg.Download.Workers
	}

	var results iter.Seq2[download.Result, error]
	if mosaicName != "" {
		m, err := s.bm.MosaicByName(c.Context, mosaicName)
		if err != nil {
			return err
		}
		results = s.bm.DownloadQuads(c.Context, m, opts)
	} else {
		start, end, err := dateRange(c)
		if err != nil {
			return err
		}
		series, err := s.bm.SeriesByName(c.Context, seriesName)
		if err != nil {
			return err
		}
		results = s.bm.DownloadSeriesQuads(c.Context, series, basemaps.SeriesDownloadOptions{
			DownloadOptions: opts,
			Start:           start,
			End:             end,
			Flat:            c.Bool("flat"),
		})
	}

	err = reportDownloads(c, results)
	if bar != nil {
		bar.Finish()
	}
	return err
}

// reportDownloads drains results and prints a summary line.
func reportDownloads(c *cli.Context, results iter.Seq2[download.Result, error]) error {
	var downloaded, skipped int
	var total int64
	for res, err := range results {
		if err != nil {
			return err
		}
		if res.Skipped {
			skipped++
			continue
		}
		downloaded++
		total += res.Bytes
	}
	fmt.Fprintf(c.App.Writer, "%d downloaded (%d bytes), %d skipped\n", downloaded, total, skipped)
	return nil
}

func renderXML(c *cli.Context) error {
	s := getSession(c)
	m, err := s.bm.MosaicByName(c.Context, c.String(MosaicFlag.Name))
	if err != nil {
		return err
	}

	doc, err := s.bm.TileserverXML(m, basemaps.XMLOptions{
		Proc:          c.String("proc"),
		Level:         c.Int("level"),
		BandCount:     c.Int("bands"),
		TileserverURL: c.String("tileserver"),
	})
	if err != nil {
		return err
	}

	if out := c.Path("out"); out != "" {
		if err := os.WriteFile(out, []byte(doc), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		s.logger.Info().Str("path", out).Str("mosaic", m.Name).Msg("Wrote tileserver XML")
		return nil
	}
	_, err = fmt.Fprint(c.App.Writer, doc)
	return err
}

func quadQuery(c *cli.Context) (basemaps.QuadQuery, error) {
	var q basemaps.QuadQuery
	if path := c.Path(RegionFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return q, fmt.Errorf("read region: %w", err)
		}
		if q.Region, err = basemaps.ParseRegion(data); err != nil {
			return q, err
		}
	}
	if bbox := c.String(BBoxFlag.Name); bbox != "" {
		var err error
		if q.BBox, err = basemaps.ParseBBox(bbox); err != nil {
			return q, err
		}
	}
	return q, nil
}

// dateRange parses --start and --end; unset bounds are zero.
func dateRange(c *cli.Context) (start, end time.Time, err error) {
	if v := c.String(StartFlag.Name); v != "" {
		if start, err = time.Parse(dateLayout, v); err != nil {
			return start, end, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if v := c.String(EndFlag.Name); v != "" {
		if end, err = time.Parse(dateLayout, v); err != nil {
			return start, end, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return start, end, fmt.Errorf("--end %s is not after --start %s", formatDate(end), formatDate(start))
	}
	return start, end, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(dateLayout)
}

func formatBound(b orb.Bound) string {
	return fmt.Sprintf("%g,%g,%g,%g", b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
}
