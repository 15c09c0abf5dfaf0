package basemaps

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

// DefaultTileserverURL is the root of the basemap tile service.
const DefaultTileserverURL = "https://tiles.planet.com/basemaps/v1"

// XMLOptions tune TileserverXML. Zero values fall back to the mosaic's
// level, the NBands guess and DefaultTileserverURL.
type XMLOptions struct {
	// Proc applies server-side band math (e.g. "ndvi"), producing a single
	// Float32 band.
	Proc string

	Level         int
	BandCount     int
	TileserverURL string
}

const xmlDataWindow = `        <DataWindow>
            <UpperLeftX>-20037508.34</UpperLeftX>
            <UpperLeftY>20037508.34</UpperLeftY>
            <LowerRightX>20037508.34</LowerRightX>
            <LowerRightY>-20037508.34</LowerRightY>
            <TileLevel>{{.Level}}</TileLevel>
            <TileCountX>1</TileCountX>
            <TileCountY>1</TileCountY>
            <YOrigin>top</YOrigin>
        </DataWindow>
        <Projection>EPSG:3857</Projection>
        <BlockSizeX>256</BlockSizeX>
        <BlockSizeY>256</BlockSizeY>
`

var fullBitDepthXML = template.Must(template.New("full").Funcs(xmlFuncs).Parse(`<GDAL_WMS>
        <Service name="TMS">
        <ServerUrl>{{esc .Tileserver}}?api_key={{esc .APIKey}}&amp;empty=404&amp;format=geotiff&amp;proc=off</ServerUrl>
        </Service>
` + xmlDataWindow + `        <BandsCount>{{.Bands}}</BandsCount>
        <ZeroBlockHttpCodes>404</ZeroBlockHttpCodes>
        <ZeroBlockOnServerException>true</ZeroBlockOnServerException>
        <DataValues NoData="{{.NoData}}" min="{{.Mins}}" max="{{.Maxs}}" />
        <DataType>{{esc .Datatype}}</DataType>
        <Cache/>
</GDAL_WMS>
`))

var procXML = template.Must(template.New("proc").Funcs(xmlFuncs).Parse(`<GDAL_WMS>
        <Service name="TMS">
        <ServerUrl>{{esc .Tileserver}}?api_key={{esc .APIKey}}&amp;empty=404&amp;format=geotiff&amp;proc={{esc .Proc}}</ServerUrl>
        </Service>
` + xmlDataWindow + `        <BandsCount>1</BandsCount>
        <ZeroBlockHttpCodes>404</ZeroBlockHttpCodes>
        <ZeroBlockOnServerException>true</ZeroBlockOnServerException>
        <DataValues min="-1" max="1" />
        <DataType>Float32</DataType>
        <Cache/>
</GDAL_WMS>
`))

var xmlFuncs = template.FuncMap{
	"esc": func(s string) (string, error) {
		var b strings.Builder
		if err := xml.EscapeText(&b, []byte(s)); err != nil {
			return "", err
		}
		return b.String(), nil
	},
}

type xmlData struct {
	Tileserver string
	APIKey     string
	Proc       string
	Level      int
	Bands      int
	NoData     string
	Mins       string
	Maxs       string
	Datatype   string
}

// NBands guesses the band count of a mosaic, alpha included. The API does
// not report it: byte mosaics are taken as RGB+alpha, names containing
// "_8b_" as 8-band+alpha, everything else as BGRN+alpha.
func NBands(m *Mosaic) int {
	switch {
	case m.Datatype == "byte":
		return 4
	case strings.Contains(m.Name, "_8b_"):
		return 9
	default:
		return 5
	}
}

// TileserverXML renders a GDAL WMS description of m's full bit depth tiles
// that gdal and rasterio can open directly.
func TileserverXML(m *Mosaic, apiKey string, opts XMLOptions) (string, error) {
	level := opts.Level
	if level == 0 {
		level = m.Level
	}
	bands := opts.BandCount
	if bands == 0 {
		bands = NBands(m)
	}
	if bands < 1 {
		return "", fmt.Errorf("band count must be positive, got %d", bands)
	}
	base := opts.TileserverURL
	if base == "" {
		base = DefaultTileserverURL
	}

	data := xmlData{
		Tileserver: fmt.Sprintf("%s/planet-tiles/%s/gmap/${z}/${x}/${y}.tif",
			strings.TrimRight(base, "/"), url.PathEscape(m.Name)),
		APIKey:   apiKey,
		Proc:     opts.Proc,
		Level:    level,
		Bands:    bands,
		Datatype: m.Datatype,
	}

	tmpl := procXML
	if opts.Proc == "" {
		tmpl = fullBitDepthXML

		maxVal, maxAlpha := "10000", "65535"
		if m.Datatype == "byte" {
			maxVal, maxAlpha = "255", "255"
		}
		zeros := repeat("0", bands)
		data.NoData = zeros
		data.Mins = zeros
		data.Maxs = strings.TrimSpace(repeat(maxVal, bands-1) + " " + maxAlpha)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render tileserver xml for %s: %w", m.Name, err)
	}
	return buf.String(), nil
}

// TileserverXML renders the XML for m with the client's API key.
func (c *Client) TileserverXML(m *Mosaic, opts XMLOptions) (string, error) {
	return TileserverXML(m, c.api.APIKey(), opts)
}

func repeat(s string, n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat(s+" ", n), " ")
}
