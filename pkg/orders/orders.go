// Package orders places and tracks Planet Orders API v2 orders and
// downloads their imagery.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Sternrassler/planet-client/pkg/download"
	"github.com/Sternrassler/planet-client/pkg/logging"
	"github.com/Sternrassler/planet-client/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the Orders API v2 endpoint.
	DefaultBaseURL = "https://api.planet.com/compute/ops/orders/v2/"

	// DefaultPollInterval is how often Wait checks an order's state.
	DefaultPollInterval = 10 * time.Second
)

var (
	// ErrOrderFailed is returned by Wait for failed or cancelled orders.
	ErrOrderFailed = errors.New("order failed")

	// ErrInvalidRequest is returned for order requests missing a name or
	// products.
	ErrInvalidRequest = errors.New("invalid order request")

	// ErrNoResults is returned when downloading an order without results.
	ErrNoResults = errors.New("order has no results")
)

var ordersByState = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "planet_orders_finished_total",
	Help: "Orders that reached a terminal state, by state",
}, []string{"state"})

// State is the lifecycle state of an order.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StatePartial   State = "partial"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the order will not change state again.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StatePartial, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Product is one group of items to deliver.
type Product struct {
	ItemIDs       []string `json:"item_ids"`
	ItemType      string   `json:"item_type"`
	ProductBundle string   `json:"product_bundle"`
}

// Request is the body of an order creation.
type Request struct {
	Name     string           `json:"name"`
	Products []Product        `json:"products"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// Result is one deliverable file of an order.
type Result struct {
	Name      string `json:"name"`
	Location  string `json:"location"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Order is the state of a submitted order.
type Order struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	State      State    `json:"state"`
	CreatedOn  string   `json:"created_on,omitempty"`
	ErrorHints []string `json:"error_hints,omitempty"`
	Links      struct {
		Self    string   `json:"_self"`
		Results []Result `json:"results,omitempty"`
	} `json:"_links"`
}

// Results returns the deliverables listed for the order.
func (o *Order) Results() []Result {
	return o.Links.Results
}

// API is the HTTP surface the orders client needs. *client.Client
// implements it.
type API interface {
	download.Opener

	GetUncached(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
	PostJSON(ctx context.Context, rawURL string, body any) ([]byte, error)
}

// Client talks to the Orders API.
type Client struct {
	api          API
	baseURL      string
	pollInterval time.Duration
	progress     io.Writer
	logger       zerolog.Logger
}

// New creates an orders client. An empty baseURL uses DefaultBaseURL.
func New(api API, baseURL string) *Client {
	if api == nil {
		panic("orders api cannot be nil")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		api:          api,
		baseURL:      strings.TrimRight(baseURL, "/") + "/",
		pollInterval: DefaultPollInterval,
		logger:       logging.NewLogger("orders"),
	}
}

// SetPollInterval changes the Wait interval. Non-positive values restore
// DefaultPollInterval.
func (c *Client) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	c.pollInterval = d
}

// SetProgress sets a writer that receives a copy of downloaded bytes.
func (c *Client) SetProgress(w io.Writer) {
	c.progress = w
}

// Create submits an order.
func (c *Client) Create(ctx context.Context, req Request) (*Order, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if len(req.Products) == 0 {
		return nil, fmt.Errorf("%w: at least one product is required", ErrInvalidRequest)
	}

	body, err := c.api.PostJSON(ctx, c.baseURL, req)
	if err != nil {
		return nil, fmt.Errorf("create order %q: %w", req.Name, err)
	}

	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	c.logger.Info().Str("order_id", o.ID).Str("name", o.Name).Str("state", string(o.State)).Msg("Order created")
	return &o, nil
}

// Get fetches the current state of an order.
func (c *Client) Get(ctx context.Context, id string) (*Order, error) {
	body, err := c.api.GetUncached(ctx, c.baseURL+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}

	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &o, nil
}

// List yields the account's orders, newest first as the API returns them.
func (c *Client) List(ctx context.Context) iter.Seq2[Order, error] {
	return pagination.Walk[Order](ctx, uncachedFetcher{c.api}, c.baseURL, "orders")
}

type uncachedFetcher struct {
	api API
}

func (f uncachedFetcher) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	return f.api.GetUncached(ctx, pageURL, nil)
}

// Wait polls an order until it reaches a terminal state. A partial order
// is returned with a warning; failed and cancelled orders return the
// order together with ErrOrderFailed.
func (c *Client) Wait(ctx context.Context, id string) (*Order, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last State
	for {
		o, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if o.State != last {
			c.logger.Info().Str("order_id", id).Str("state", string(o.State)).Msg("Order state changed")
			last = o.State
		}

		if o.State.Terminal() {
			ordersByState.WithLabelValues(string(o.State)).Inc()
			switch o.State {
			case StatePartial:
				c.logger.Warn().Str("order_id", id).Strs("error_hints", o.ErrorHints).Msg("Order partially succeeded")
			case StateFailed, StateCancelled:
				return o, fmt.Errorf("%w: order %s is %s", ErrOrderFailed, id, o.State)
			}
			return o, nil
		}

		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SelectImagery keeps GeoTIFF results that are not UDM masks.
func SelectImagery(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if strings.Contains(r.Name, ".tif") && !strings.Contains(r.Name, "udm") {
			out = append(out, r)
		}
	}
	return out
}

// ResultFilename names a result's local file "<basename>_<orderName>.tif".
func ResultFilename(r Result, orderName string) string {
	base, _, _ := strings.Cut(path.Base(r.Name), ".tif")
	return base + "_" + orderName + ".tif"
}

// DownloadResults downloads the imagery results of o into dir with up to
// workers concurrent downloads. Files already present are skipped.
func (c *Client) DownloadResults(ctx context.Context, o *Order, dir string, workers int) iter.Seq2[download.Result, error] {
	return func(yield func(download.Result, error) bool) {
		imagery := SelectImagery(o.Results())
		if len(imagery) == 0 {
			yield(download.Result{}, fmt.Errorf("%w: %s (%s)", ErrNoResults, o.ID, o.State))
			return
		}

		descs := func(emit func(download.Descriptor) bool) {
			for _, r := range imagery {
				d := download.Descriptor{URL: r.Location, Filename: ResultFilename(r, o.Name), Dir: dir}
				if !emit(d) {
					return
				}
			}
		}

		d := download.NewDownloader(c.api, download.Options{Progress: c.progress})
		for res, err := range download.NewPool(d, workers).Run(ctx, descs) {
			if err == nil && !res.Skipped {
				c.logger.Info().Str("order_id", o.ID).Str("path", res.Path).Msg("Downloaded order result")
			}
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}
