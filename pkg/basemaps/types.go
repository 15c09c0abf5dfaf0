package basemaps

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/planet-client/pkg/pagination"
	"github.com/paulmach/orb"
)

// Series is a named collection of mosaics, usually on a regular interval.
type Series struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Interval string           `json:"interval,omitempty"`
	Links    pagination.Links `json:"_links,omitempty"`
}

// Mosaic is a single tiled composite.
type Mosaic struct {
	ID            string
	Name          string
	Level         int
	ItemTypes     []string
	Datatype      string
	ProductType   string
	QuadSize      int
	FirstAcquired time.Time
	LastAcquired  time.Time
	BBox          orb.Bound
	Links         pagination.Links
}

// mosaicJSON is the wire form of Mosaic.
type mosaicJSON struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Level         int              `json:"level"`
	ItemTypes     []string         `json:"item_types,omitempty"`
	Datatype      string           `json:"datatype"`
	ProductType   string           `json:"product_type,omitempty"`
	QuadSize      int              `json:"quad_size,omitempty"`
	FirstAcquired string           `json:"first_acquired,omitempty"`
	LastAcquired  string           `json:"last_acquired,omitempty"`
	BBox          []float64        `json:"bbox,omitempty"`
	Links         pagination.Links `json:"_links,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mosaic) UnmarshalJSON(data []byte) error {
	var w mosaicJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	first, err := parseAcquired(w.FirstAcquired)
	if err != nil {
		return fmt.Errorf("mosaic %s first_acquired: %w", w.Name, err)
	}
	last, err := parseAcquired(w.LastAcquired)
	if err != nil {
		return fmt.Errorf("mosaic %s last_acquired: %w", w.Name, err)
	}
	bbox, err := boundFromSlice(w.BBox)
	if err != nil {
		return fmt.Errorf("mosaic %s: %w", w.Name, err)
	}

	*m = Mosaic{
		ID:            w.ID,
		Name:          w.Name,
		Level:         w.Level,
		ItemTypes:     w.ItemTypes,
		Datatype:      w.Datatype,
		ProductType:   w.ProductType,
		QuadSize:      w.QuadSize,
		FirstAcquired: first,
		LastAcquired:  last,
		BBox:          bbox,
		Links:         w.Links,
	}
	return nil
}

// MarshalJSON implements json.Marshaler using the API's field names.
func (m Mosaic) MarshalJSON() ([]byte, error) {
	w := mosaicJSON{
		ID:          m.ID,
		Name:        m.Name,
		Level:       m.Level,
		ItemTypes:   m.ItemTypes,
		Datatype:    m.Datatype,
		ProductType: m.ProductType,
		QuadSize:    m.QuadSize,
		BBox:        boundToSlice(m.BBox),
		Links:       m.Links,
	}
	if !m.FirstAcquired.IsZero() {
		w.FirstAcquired = m.FirstAcquired.UTC().Format(time.RFC3339Nano)
	}
	if !m.LastAcquired.IsZero() {
		w.LastAcquired = m.LastAcquired.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

func parseAcquired(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Quad is one tile of a mosaic. Level and MosaicName come from the mosaic
// the quad was listed from.
type Quad struct {
	ID             string
	X, Y           int
	PercentCovered float64
	BBox           orb.Bound
	Links          pagination.Links

	Level         int
	MosaicName    string
	FirstAcquired time.Time
	LastAcquired  time.Time
}

type quadJSON struct {
	ID             string           `json:"id"`
	PercentCovered float64          `json:"percent_covered"`
	BBox           []float64        `json:"bbox,omitempty"`
	Links          pagination.Links `json:"_links,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler. The quad id is "x-y".
func (q *Quad) UnmarshalJSON(data []byte) error {
	var w quadJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	x, y, err := parseQuadID(w.ID)
	if err != nil {
		return err
	}
	bbox, err := boundFromSlice(w.BBox)
	if err != nil {
		return fmt.Errorf("quad %s: %w", w.ID, err)
	}

	*q = Quad{
		ID:             w.ID,
		X:              x,
		Y:              y,
		PercentCovered: w.PercentCovered,
		BBox:           bbox,
		Links:          w.Links,
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (q Quad) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		quadJSON
		Level  int    `json:"level"`
		Mosaic string `json:"mosaic,omitempty"`
	}{
		quadJSON: quadJSON{
			ID:             q.ID,
			PercentCovered: q.PercentCovered,
			BBox:           boundToSlice(q.BBox),
			Links:          q.Links,
		},
		Level:  q.Level,
		Mosaic: q.MosaicName,
	})
}

func parseQuadID(id string) (int, int, error) {
	xs, ys, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid quad id %q", id)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid quad id %q: %w", id, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid quad id %q: %w", id, err)
	}
	return x, y, nil
}

// Downloadable reports whether the API key may download the quad.
func (q Quad) Downloadable() bool {
	return q.Links.Has("download")
}

// DownloadURL is the URL of the quad's COG data, or "" if not downloadable.
func (q Quad) DownloadURL() string {
	return q.Links.Get("download")
}

// MosaicID extracts the parent mosaic id from the quad's _self link
// (.../mosaics/{id}/quads/{quad}).
func (q Quad) MosaicID() (string, error) {
	self := q.Links.Get(pagination.SelfRel)
	if self == "" {
		return "", fmt.Errorf("quad %s has no %s link", q.ID, pagination.SelfRel)
	}
	u, err := url.Parse(self)
	if err != nil {
		return "", fmt.Errorf("quad %s self link: %w", q.ID, err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 3 {
		return "", fmt.Errorf("quad %s self link %q has too few segments", q.ID, self)
	}
	return segs[len(segs)-3], nil
}

func (q *Quad) attach(m *Mosaic) {
	q.Level = m.Level
	q.MosaicName = m.Name
	q.FirstAcquired = m.FirstAcquired
	q.LastAcquired = m.LastAcquired
}

func boundFromSlice(v []float64) (orb.Bound, error) {
	switch len(v) {
	case 0:
		return orb.Bound{}, nil
	case 4:
		return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
	default:
		return orb.Bound{}, fmt.Errorf("bbox must have 4 values, got %d", len(v))
	}
}

func boundToSlice(b orb.Bound) []float64 {
	if b == (orb.Bound{}) {
		return nil
	}
	return []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
}
