// Command planet searches Planet basemaps, downloads quads and manages
// Orders API requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "planet",
		Usage:   "Planet basemaps and orders from the command line",
		Version: version,
		Description: "Lists basemap series and mosaics, searches and downloads quads, " +
			"renders GDAL tileserver XML and submits Orders API requests. " +
			"Configuration comes from PL_* environment variables or a .env file.",
		Flags: []cli.Flag{
			EnvFileFlag,
			LogLevelFlag,
			LogFormatFlag,
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			SeriesCmd,
			MosaicsCmd,
			QuadsCmd,
			DownloadCmd,
			XMLCmd,
			OrderCmd,
		},
	}
}
