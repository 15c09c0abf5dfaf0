package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/Sternrassler/planet-client/pkg/orders"
	"github.com/urfave/cli/v2"
)

var (
	OrderDirFlag = &cli.PathFlag{
		Name:    "out",
		Aliases: []string{"o"},
		Usage:   "Output directory (default DOWNLOAD_DIR)",
	}
	OrderWorkersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Concurrent downloads (default DOWNLOAD_WORKERS)",
	}
	NoProgressFlag = &cli.BoolFlag{
		Name:  "no-progress",
		Usage: "Disable the progress indicator",
	}
)

var OrderCmd = &cli.Command{
	Name:  "order",
	Usage: "Create, follow and download Orders API requests",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Submit an order",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "name",
					Usage:    "Order name, also appended to downloaded file names",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:     "item",
					Usage:    "Item id to order (repeatable)",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "item-type",
					Usage: "Item type of the items",
					Value: "PSScene",
				},
				&cli.StringFlag{
					Name:  "bundle",
					Usage: "Product bundle",
					Value: "analytic_sr_udm2",
				},
				&cli.BoolFlag{
					Name:  "wait",
					Usage: "Poll until the order finishes",
				},
				&cli.BoolFlag{
					Name:  "download",
					Usage: "Download the imagery once finished (implies --wait)",
				},
				OrderDirFlag,
				OrderWorkersFlag,
				NoProgressFlag,
			},
			Action: createOrder,
		},
		{
			Name:      "get",
			Usage:     "Show the state of an order",
			ArgsUsage: "<order-id>",
			Action:    getOrder,
		},
		{
			Name:   "list",
			Usage:  "List orders",
			Action: listOrders,
		},
		{
			Name:      "wait",
			Usage:     "Poll an order until it finishes",
			ArgsUsage: "<order-id>",
			Action:    waitOrder,
		},
		{
			Name:      "download",
			Usage:     "Download the imagery of a finished order",
			ArgsUsage: "<order-id>",
			Flags: []cli.Flag{
				OrderDirFlag,
				OrderWorkersFlag,
				NoProgressFlag,
			},
			Action: downloadOrder,
		},
	},
}

func createOrder(c *cli.Context) error {
	s := getSession(c)
	o, err := s.orders.Create(c.Context, orders.Request{
		Name: c.String("name"),
		Products: []orders.Product{{
			ItemIDs:       c.StringSlice("item"),
			ItemType:      c.String("item-type"),
			ProductBundle: c.String("bundle"),
		}},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, o.ID)

	if !c.Bool("wait") && !c.Bool("download") {
		return nil
	}
	if o, err = s.orders.Wait(c.Context, o.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %s\n", o.ID, o.State)

	if !c.Bool("download") {
		return nil
	}
	return downloadResults(c, s, o)
}

func getOrder(c *cli.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	o, err := getSession(c).orders.Get(c.Context, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}

func listOrders(c *cli.Context) error {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tCREATED")
	for o, err := range getSession(c).orders.List(c.Context) {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.ID, o.Name, o.State, o.CreatedOn)
	}
	return w.Flush()
}

func waitOrder(c *cli.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	o, err := getSession(c).orders.Wait(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %s\n", o.ID, o.State)
	return nil
}

func downloadOrder(c *cli.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	s := getSession(c)
	o, err := s.orders.Get(c.Context, id)
	if err != nil {
		return err
	}
	return downloadResults(c, s, o)
}

func downloadResults(c *cli.Context, s *session, o *orders.Order) error {
	dir := c.Path(OrderDirFlag.Name)
	if dir == "" {
		dir = s.cfg.Download.Dir
	}
	workers := c.Int(OrderWorkersFlag.Name)
	if workers <= 0 {
		workers = s.cfg.Download.Workers
	}

	bar := newProgress(c.App.ErrWriter, "order "+o.Name, !c.Bool(NoProgressFlag.Name))
	s.orders.SetProgress(progressWriter(bar))
	err := reportDownloads(c, s.orders.DownloadResults(c.Context, o, dir, workers))
	if bar != nil {
		bar.Finish()
	}
	return err
}

func orderID(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one order id, got %d arguments", c.NArg())
	}
	return c.Args().First(), nil
}
