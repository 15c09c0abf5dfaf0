package basemaps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrInvalidRegion is returned for GeoJSON that does not describe a single
// polygonal area.
var ErrInvalidRegion = errors.New("invalid region")

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want 4 comma separated values, got %d", s, len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}

	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	switch {
	case b.Min.X() > b.Max.X() || b.Min.Y() > b.Max.Y():
		return orb.Bound{}, fmt.Errorf("bbox %q: min exceeds max", s)
	case b.Min.X() < -180 || b.Max.X() > 180:
		return orb.Bound{}, fmt.Errorf("bbox %q: longitude out of range", s)
	case b.Min.Y() < -90 || b.Max.Y() > 90:
		return orb.Bound{}, fmt.Errorf("bbox %q: latitude out of range", s)
	}
	return b, nil
}

// ParseRegion reads a GeoJSON geometry, Feature, or FeatureCollection with
// exactly one feature. The geometry must be a Polygon or MultiPolygon.
func ParseRegion(data []byte) (orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegion, err)
	}

	var g orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRegion, err)
		}
		if len(fc.Features) != 1 {
			return nil, fmt.Errorf("%w: feature collection has %d features, want 1", ErrInvalidRegion, len(fc.Features))
		}
		g = fc.Features[0].Geometry
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRegion, err)
		}
		g = f.Geometry
	default:
		geom, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRegion, err)
		}
		g = geom.Geometry()
	}

	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	case nil:
		return nil, fmt.Errorf("%w: no geometry", ErrInvalidRegion)
	default:
		return nil, fmt.Errorf("%w: %s is not polygonal", ErrInvalidRegion, g.GeoJSONType())
	}
}
