package basemaps

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/planet-client/pkg/pagination"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// QuadQuery selects the quads of a mosaic. A Region takes precedence over
// BBox; with neither set the mosaic's own bbox is used.
type QuadQuery struct {
	BBox   orb.Bound
	Region orb.Geometry
}

// Quads yields the quads of m matching q.
func (c *Client) Quads(ctx context.Context, m *Mosaic, q QuadQuery) iter.Seq2[Quad, error] {
	if q.Region != nil {
		return withMosaic(c.searchRegion(ctx, m, q.Region), m)
	}

	bbox := q.BBox
	if bbox == (orb.Bound{}) {
		bbox = m.BBox
	}
	params := url.Values{"bbox": {formatBBox(bbox)}}
	endpoint := "mosaics/" + url.PathEscape(m.ID) + "/quads"
	return withMosaic(pagination.Walk[Quad](ctx, c.api, c.pageURL(endpoint, params), "items"), m)
}

// searchRegion posts the region geometry and walks the result pages.
func (c *Client) searchRegion(ctx context.Context, m *Mosaic, region orb.Geometry) iter.Seq2[Quad, error] {
	return func(yield func(Quad, error) bool) {
		endpoint := c.api.URL("mosaics/" + url.PathEscape(m.ID) + "/quads/search")
		body, err := c.api.PostJSON(ctx, endpoint, geojson.NewGeometry(region))
		if err != nil {
			yield(Quad{}, fmt.Errorf("search quads of %s: %w", m.Name, err))
			return
		}
		c.logger.Debug().Str("mosaic", m.Name).Msg("Region search accepted")
		for quad, err := range pagination.WalkFrom[Quad](ctx, c.api, body, "items") {
			if !yield(quad, err) {
				return
			}
		}
	}
}

func withMosaic(seq iter.Seq2[Quad, error], m *Mosaic) iter.Seq2[Quad, error] {
	return func(yield func(Quad, error) bool) {
		for q, err := range seq {
			if err == nil {
				q.attach(m)
			}
			if !yield(q, err) {
				return
			}
		}
	}
}

func formatBBox(b orb.Bound) string {
	vals := []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// QuadByID fetches one quad of m.
func (c *Client) QuadByID(ctx context.Context, m *Mosaic, id string) (*Quad, error) {
	var q Quad
	endpoint := "mosaics/" + url.PathEscape(m.ID) + "/quads/" + url.PathEscape(id)
	if err := c.getResource(ctx, endpoint, &q); err != nil {
		return nil, fmt.Errorf("get quad %s of %s: %w", id, m.Name, err)
	}
	q.attach(m)
	return &q, nil
}

// QuadMosaic fetches the mosaic a quad belongs to.
func (c *Client) QuadMosaic(ctx context.Context, q Quad) (*Mosaic, error) {
	id, err := q.MosaicID()
	if err != nil {
		return nil, err
	}
	return c.MosaicByID(ctx, id)
}

// Contribution returns the URLs of the scenes that contributed to q.
// Quads without an items link have no contribution data.
func (c *Client) Contribution(ctx context.Context, q Quad) ([]string, error) {
	itemsURL := q.Links.Get("items")
	if itemsURL == "" {
		return nil, nil
	}

	body, err := c.api.GetJSON(ctx, itemsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("contribution of quad %s: %w", q.ID, err)
	}

	var resp struct {
		Items []struct {
			Link string `json:"link"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode contribution of quad %s: %w", q.ID, err)
	}

	links := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		links = append(links, item.Link)
	}
	return links, nil
}
