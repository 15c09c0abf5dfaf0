// Package basemaps is a client for the Planet Basemaps API.
//
// Listings are lazy: ListSeries, ListMosaics, SeriesMosaics and Quads
// return iterators that fetch pages on demand, so breaking out of a range
// loop stops further requests. Lookups by name return ErrNotFound when
// nothing matches.
package basemaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"time"

	"github.com/Sternrassler/planet-client/pkg/download"
	"github.com/Sternrassler/planet-client/pkg/logging"
	"github.com/Sternrassler/planet-client/pkg/pagination"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a lookup by name matches nothing.
var ErrNotFound = errors.New("not found")

// API is the HTTP surface the basemaps client needs. *client.Client
// implements it.
type API interface {
	pagination.Fetcher
	download.Opener

	URL(endpoint string) string
	GetJSON(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
	PostJSON(ctx context.Context, rawURL string, body any) ([]byte, error)
	APIKey() string
}

// Client provides typed access to series, mosaics and quads.
type Client struct {
	api    API
	logger zerolog.Logger
}

// New creates a basemaps client on top of api.
func New(api API) *Client {
	if api == nil {
		panic("basemaps api cannot be nil")
	}
	return &Client{
		api:    api,
		logger: logging.NewLogger("basemaps"),
	}
}

// pageURL builds the first-page URL of a collection endpoint.
func (c *Client) pageURL(endpoint string, params url.Values) string {
	u := c.api.URL(endpoint)
	if len(params) == 0 {
		return u
	}
	return u + "?" + params.Encode()
}

// ListSeries yields all series, optionally filtered by a name substring.
func (c *Client) ListSeries(ctx context.Context, nameContains string) iter.Seq2[Series, error] {
	params := url.Values{}
	if nameContains != "" {
		params.Set("name__contains", nameContains)
	}
	return pagination.Walk[Series](ctx, c.api, c.pageURL("series", params), "series")
}

// SeriesByName returns the series with exactly this name.
func (c *Client) SeriesByName(ctx context.Context, name string) (*Series, error) {
	params := url.Values{"name__is": {name}}
	s, ok, err := pagination.First(pagination.Walk[Series](ctx, c.api, c.pageURL("series", params), "series"))
	if err != nil {
		return nil, fmt.Errorf("lookup series %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("series %q: %w", name, ErrNotFound)
	}
	return &s, nil
}

// SeriesByID fetches a series by id.
func (c *Client) SeriesByID(ctx context.Context, id string) (*Series, error) {
	var s Series
	if err := c.getResource(ctx, "series/"+url.PathEscape(id), &s); err != nil {
		return nil, fmt.Errorf("get series %s: %w", id, err)
	}
	return &s, nil
}

// ListMosaics yields all mosaics, optionally filtered by a name substring.
func (c *Client) ListMosaics(ctx context.Context, nameContains string) iter.Seq2[Mosaic, error] {
	params := url.Values{}
	if nameContains != "" {
		params.Set("name__contains", nameContains)
	}
	return pagination.Walk[Mosaic](ctx, c.api, c.pageURL("mosaics", params), "mosaics")
}

// MosaicByName returns the mosaic with exactly this name.
func (c *Client) MosaicByName(ctx context.Context, name string) (*Mosaic, error) {
	params := url.Values{"name__is": {name}}
	m, ok, err := pagination.First(pagination.Walk[Mosaic](ctx, c.api, c.pageURL("mosaics", params), "mosaics"))
	if err != nil {
		return nil, fmt.Errorf("lookup mosaic %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("mosaic %q: %w", name, ErrNotFound)
	}
	return &m, nil
}

// MosaicByID fetches a mosaic by id.
func (c *Client) MosaicByID(ctx context.Context, id string) (*Mosaic, error) {
	var m Mosaic
	if err := c.getResource(ctx, "mosaics/"+url.PathEscape(id), &m); err != nil {
		return nil, fmt.Errorf("get mosaic %s: %w", id, err)
	}
	return &m, nil
}

// SeriesMosaics yields the mosaics of a series acquired after start and
// before end. Zero times leave that side open.
func (c *Client) SeriesMosaics(ctx context.Context, s *Series, start, end time.Time) iter.Seq2[Mosaic, error] {
	params := url.Values{}
	if !start.IsZero() {
		params.Set("acquired__gt", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		params.Set("acquired__lt", end.UTC().Format(time.RFC3339))
	}
	endpoint := "series/" + url.PathEscape(s.ID) + "/mosaics"
	return pagination.Walk[Mosaic](ctx, c.api, c.pageURL(endpoint, params), "mosaics")
}

// APIKey returns the key of the underlying session.
func (c *Client) APIKey() string {
	return c.api.APIKey()
}

func (c *Client) getResource(ctx context.Context, endpoint string, v any) error {
	body, err := c.api.GetJSON(ctx, c.api.URL(endpoint), nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}
