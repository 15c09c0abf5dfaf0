package basemaps

import (
	"fmt"
	"net/url"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/planetlabs/go-stac"
)

const (
	// StacVersion is the STAC spec version of exported items.
	StacVersion = "1.0.0"

	// COGMediaType is the media type of quad data assets.
	COGMediaType = "image/tiff; application=geotiff; profile=cloud-optimized"
)

// QuadItem exports q as a STAC Item with its footprint polygon and a
// "data" asset pointing at the COG. Credentials are stripped from hrefs.
func QuadItem(q Quad) (*stac.Item, error) {
	if q.BBox == (orb.Bound{}) {
		return nil, fmt.Errorf("quad %s has no bbox", q.ID)
	}

	id := q.ID
	if q.MosaicName != "" {
		id = q.MosaicName + "-" + q.ID
	}

	item := &stac.Item{
		Version:    StacVersion,
		Id:         id,
		Collection: q.MosaicName,
		Geometry:   geojson.NewGeometry(q.BBox.ToPolygon()),
		Bbox:       boundToSlice(q.BBox),
		Properties: make(map[string]any),
		Assets:     make(map[string]*stac.Asset),
		Links:      make([]*stac.Link, 0),
	}

	item.Properties["datetime"] = nil
	if !q.FirstAcquired.IsZero() {
		item.Properties["start_datetime"] = q.FirstAcquired.UTC().Format(time.RFC3339)
	}
	if !q.LastAcquired.IsZero() {
		item.Properties["end_datetime"] = q.LastAcquired.UTC().Format(time.RFC3339)
	}
	item.Properties["planet:quad_x"] = q.X
	item.Properties["planet:quad_y"] = q.Y
	item.Properties["planet:level"] = q.Level
	item.Properties["planet:percent_covered"] = q.PercentCovered

	if href := q.DownloadURL(); href != "" {
		item.Assets["data"] = &stac.Asset{
			Href:  stripCredentials(href),
			Title: "Quad data",
			Type:  COGMediaType,
			Roles: []string{"data"},
		}
	}
	if href := q.Links.Get("thumbnail"); href != "" {
		item.Assets["thumbnail"] = &stac.Asset{
			Href:  stripCredentials(href),
			Title: "Thumbnail",
			Type:  "image/png",
			Roles: []string{"thumbnail"},
		}
	}
	if href := q.Links.Get("_self"); href != "" {
		item.Links = append(item.Links, &stac.Link{
			Rel:  "via",
			Href: stripCredentials(href),
			Type: "application/json",
		})
	}

	return item, nil
}

// stripCredentials removes the api_key query parameter from href.
func stripCredentials(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	q := u.Query()
	if !q.Has("api_key") {
		return href
	}
	q.Del("api_key")
	u.RawQuery = q.Encode()
	return u.String()
}
