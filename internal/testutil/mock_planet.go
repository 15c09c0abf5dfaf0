// Package testutil provides a mock Planet API for tests.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DefaultPageSize is the number of items per page served by the mock.
const DefaultPageSize = 2

// MockResponse defines a canned response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Series is a series fixture.
type Series struct {
	ID       string
	Name     string
	Interval string
}

// Mosaic is a mosaic fixture.
type Mosaic struct {
	ID            string
	Name          string
	SeriesID      string
	Level         int
	Datatype      string
	FirstAcquired time.Time
	LastAcquired  time.Time
	BBox          orb.Bound
}

// Quad is a quad fixture. Data defaults to "quad <mosaic>/<x>-<y>".
type Quad struct {
	MosaicID     string
	X, Y         int
	BBox         orb.Bound
	Downloadable bool
	Data         []byte
	Items        []string
}

// ID returns the "x-y" quad id.
func (q Quad) ID() string {
	return fmt.Sprintf("%d-%d", q.X, q.Y)
}

// OrderPlan scripts the lifecycle of created orders: each GET advances
// one state until the last. Results map result names to file contents and
// are listed once the order succeeds or partially succeeds.
type OrderPlan struct {
	States  []string
	Results map[string][]byte
}

type mockOrder struct {
	id    string
	name  string
	plan  OrderPlan
	polls int
	body  json.RawMessage
}

// MockPlanet is a configurable mock of the Basemaps and Orders APIs.
type MockPlanet struct {
	server *httptest.Server
	router chi.Router

	// APIKey, when set, is required as basic auth user or api_key param.
	APIKey string

	// PageSize overrides DefaultPageSize.
	PageSize int

	mu        sync.RWMutex
	handlers  map[string]http.HandlerFunc
	series    []Series
	mosaics   []Mosaic
	quads     []Quad
	searches  map[string]orb.Bound
	orders    map[string]*mockOrder
	orderPlan OrderPlan

	requestCount     int
	conditionalCount int
	requestsByPath   map[string]int
	lastHeader       http.Header
}

// NewMockPlanet starts a mock Planet API server.
func NewMockPlanet() *MockPlanet {
	m := &MockPlanet{
		handlers:       make(map[string]http.HandlerFunc),
		searches:       make(map[string]orb.Bound),
		orders:         make(map[string]*mockOrder),
		requestsByPath: make(map[string]int),
		orderPlan:      OrderPlan{States: []string{"queued", "running", "success"}},
	}

	r := chi.NewRouter()
	r.Use(m.track, m.override, m.auth)

	r.Route("/basemaps/v1", func(r chi.Router) {
		r.Get("/series", m.listSeries)
		r.Get("/series/{id}", m.getSeries)
		r.Get("/series/{id}/mosaics", m.seriesMosaics)
		r.Get("/mosaics", m.listMosaics)
		r.Get("/mosaics/{id}", m.getMosaic)
		r.Get("/mosaics/{id}/quads", m.bboxQuads)
		r.Post("/mosaics/{id}/quads/search", m.startSearch)
		r.Get("/mosaics/{id}/quads/search", m.searchPage)
		r.Get("/mosaics/{id}/quads/{quad}", m.getQuad)
		r.Get("/mosaics/{id}/quads/{quad}/full", m.quadData)
		r.Get("/mosaics/{id}/quads/{quad}/items", m.quadItems)
	})
	r.Route("/compute/ops", func(r chi.Router) {
		r.Post("/orders/v2", m.createOrder)
		r.Post("/orders/v2/", m.createOrder)
		r.Get("/orders/v2", m.listOrders)
		r.Get("/orders/v2/", m.listOrders)
		r.Get("/orders/v2/{id}", m.getOrder)
		r.Get("/download/{id}/{index}", m.orderResult)
	})

	m.router = r
	m.server = httptest.NewServer(r)
	return m
}

// URL returns the mock server URL.
func (m *MockPlanet) URL() string {
	return m.server.URL
}

// BasemapsURL is the Basemaps API base URL of the mock.
func (m *MockPlanet) BasemapsURL() string {
	return m.server.URL + "/basemaps/v1/"
}

// OrdersURL is the Orders API base URL of the mock.
func (m *MockPlanet) OrdersURL() string {
	return m.server.URL + "/compute/ops/orders/v2/"
}

// Close shuts down the mock server.
func (m *MockPlanet) Close() {
	m.server.Close()
}

// AddSeries registers series fixtures.
func (m *MockPlanet) AddSeries(s ...Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = append(m.series, s...)
}

// AddMosaics registers mosaic fixtures.
func (m *MockPlanet) AddMosaics(ms ...Mosaic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mosaics = append(m.mosaics, ms...)
}

// AddQuads registers quad fixtures.
func (m *MockPlanet) AddQuads(qs ...Quad) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quads = append(m.quads, qs...)
}

// SetOrderPlan scripts orders created from now on.
func (m *MockPlanet) SetOrderPlan(plan OrderPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderPlan = plan
}

// OrderRequest returns the body an order was created with.
func (m *MockPlanet) OrderRequest(id string) json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[id]; ok {
		return o.body
	}
	return nil
}

// Reset clears all tracking counters.
func (m *MockPlanet) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.requestsByPath = make(map[string]int)
	m.lastHeader = nil
}

// SetHandler overrides the handler for a path, for any method.
func (m *MockPlanet) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockPlanet) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockPlanet) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockPlanet) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestsByPath[path]
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockPlanet) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockPlanet) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

func (m *MockPlanet) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requestCount++
		m.requestsByPath[r.URL.Path]++
		m.lastHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			m.conditionalCount++
		}
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (m *MockPlanet) override(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.RUnlock()
		if ok {
			handler(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockPlanet) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, _, ok := r.BasicAuth()
		if (ok && user == m.APIKey) || r.URL.Query().Get("api_key") == m.APIKey {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "Please enter your API key, or email and password.")
	})
}

func (m *MockPlanet) pageSize() int {
	if m.PageSize > 0 {
		return m.PageSize
	}
	return DefaultPageSize
}

// writePage serves one page of items under key with _self and _next links.
func (m *MockPlanet) writePage(w http.ResponseWriter, r *http.Request, key string, items []map[string]any) {
	size := m.pageSize()
	page, _ := strconv.Atoi(r.URL.Query().Get("_page"))
	start := min(page*size, len(items))
	end := min(start+size, len(items))

	links := map[string]string{"_self": m.server.URL + r.URL.RequestURI()}
	if end < len(items) {
		q := r.URL.Query()
		q.Set("_page", strconv.Itoa(page+1))
		links["_next"] = m.server.URL + r.URL.Path + "?" + q.Encode()
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		key:      items[start:end],
		"_links": links,
	})
}

// writeJSON writes v with an ETag, answering matching conditional GETs
// with 304.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
	if r.Method == http.MethodGet && status == http.StatusOK && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"message": message})
}

func (m *MockPlanet) basemapsURL(parts ...string) string {
	return m.BasemapsURL() + strings.Join(parts, "/")
}

func (m *MockPlanet) seriesJSON(s Series) map[string]any {
	return map[string]any{
		"id":       s.ID,
		"name":     s.Name,
		"interval": s.Interval,
		"_links": map[string]string{
			"_self":   m.basemapsURL("series", s.ID),
			"mosaics": m.basemapsURL("series", s.ID, "mosaics"),
		},
	}
}

func (m *MockPlanet) mosaicJSON(ms Mosaic) map[string]any {
	datatype := ms.Datatype
	if datatype == "" {
		datatype = "uint16"
	}
	return map[string]any{
		"id":             ms.ID,
		"name":           ms.Name,
		"level":          ms.Level,
		"datatype":       datatype,
		"item_types":     []string{"PSScene"},
		"product_type":   "timelapse",
		"quad_size":      4096,
		"first_acquired": ms.FirstAcquired.UTC().Format("2006-01-02T15:04:05.000Z"),
		"last_acquired":  ms.LastAcquired.UTC().Format("2006-01-02T15:04:05.000Z"),
		"bbox":           boundSlice(ms.BBox),
		"_links": map[string]string{
			"_self": m.basemapsURL("mosaics", ms.ID),
			"quads": m.basemapsURL("mosaics", ms.ID, "quads") + "?bbox={lx},{ly},{ux},{uy}",
		},
	}
}

func (m *MockPlanet) quadJSON(q Quad) map[string]any {
	self := m.basemapsURL("mosaics", q.MosaicID, "quads", q.ID())
	links := map[string]string{
		"_self":     self,
		"items":     self + "/items",
		"thumbnail": self + "/thumb",
	}
	if q.Downloadable {
		links["download"] = self + "/full?api_key=" + url.QueryEscape(m.APIKey)
	}
	return map[string]any{
		"id":              q.ID(),
		"bbox":            boundSlice(q.BBox),
		"percent_covered": 100,
		"_links":          links,
	}
}

func boundSlice(b orb.Bound) []float64 {
	return []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
}

func nameMatches(q url.Values, name string) bool {
	if is := q.Get("name__is"); is != "" && name != is {
		return false
	}
	if c := q.Get("name__contains"); c != "" && !strings.Contains(name, c) {
		return false
	}
	return true
}

func (m *MockPlanet) listSeries(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	var items []map[string]any
	for _, s := range m.series {
		if nameMatches(r.URL.Query(), s.Name) {
			items = append(items, m.seriesJSON(s))
		}
	}
	m.mu.RUnlock()
	m.writePage(w, r, "series", items)
}

func (m *MockPlanet) getSeries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.series {
		if s.ID == id {
			writeJSON(w, r, http.StatusOK, m.seriesJSON(s))
			return
		}
	}
	writeError(w, http.StatusNotFound, "Series not found")
}

func (m *MockPlanet) seriesMosaics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	after, _ := time.Parse(time.RFC3339, q.Get("acquired__gt"))
	before, _ := time.Parse(time.RFC3339, q.Get("acquired__lt"))

	m.mu.RLock()
	var items []map[string]any
	for _, ms := range m.mosaics {
		if ms.SeriesID != id {
			continue
		}
		if !after.IsZero() && !ms.LastAcquired.After(after) {
			continue
		}
		if !before.IsZero() && !ms.FirstAcquired.Before(before) {
			continue
		}
		items = append(items, m.mosaicJSON(ms))
	}
	m.mu.RUnlock()
	m.writePage(w, r, "mosaics", items)
}

func (m *MockPlanet) listMosaics(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	var items []map[string]any
	for _, ms := range m.mosaics {
		if nameMatches(r.URL.Query(), ms.Name) {
			items = append(items, m.mosaicJSON(ms))
		}
	}
	m.mu.RUnlock()
	m.writePage(w, r, "mosaics", items)
}

func (m *MockPlanet) getMosaic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ms := range m.mosaics {
		if ms.ID == id {
			writeJSON(w, r, http.StatusOK, m.mosaicJSON(ms))
			return
		}
	}
	writeError(w, http.StatusNotFound, "Mosaic not found")
}

// quadsIn returns the quads of mosaicID intersecting b, ordered by id.
func (m *MockPlanet) quadsIn(mosaicID string, b orb.Bound) []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var match []Quad
	for _, q := range m.quads {
		if q.MosaicID == mosaicID && q.BBox.Intersects(b) {
			match = append(match, q)
		}
	}
	sort.Slice(match, func(i, j int) bool {
		if match[i].X != match[j].X {
			return match[i].X < match[j].X
		}
		return match[i].Y < match[j].Y
	})

	items := make([]map[string]any, 0, len(match))
	for _, q := range match {
		items = append(items, m.quadJSON(q))
	}
	return items
}

func (m *MockPlanet) bboxQuads(w http.ResponseWriter, r *http.Request) {
	b, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.writePage(w, r, "items", m.quadsIn(chi.URLParam(r, "id"), b))
}

func (m *MockPlanet) hasMosaic(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ms := range m.mosaics {
		if ms.ID == id {
			return true
		}
	}
	return false
}

func (m *MockPlanet) startSearch(w http.ResponseWriter, r *http.Request) {
	if !m.hasMosaic(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "Mosaic not found")
		return
	}

	var g geojson.Geometry
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil || g.Coordinates == nil {
		writeError(w, http.StatusBadRequest, "Invalid geometry")
		return
	}

	m.mu.Lock()
	token := strconv.Itoa(len(m.searches) + 1)
	m.searches[token] = g.Geometry().Bound()
	m.mu.Unlock()

	q := url.Values{"search": {token}}
	r.URL.RawQuery = q.Encode()
	r.Method = http.MethodGet
	m.searchPage(w, r)
}

func (m *MockPlanet) searchPage(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	b, ok := m.searches[r.URL.Query().Get("search")]
	m.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Search not found")
		return
	}
	m.writePage(w, r, "items", m.quadsIn(chi.URLParam(r, "id"), b))
}

func (m *MockPlanet) findQuad(r *http.Request) (Quad, bool) {
	mosaicID, quadID := chi.URLParam(r, "id"), chi.URLParam(r, "quad")
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.quads {
		if q.MosaicID == mosaicID && q.ID() == quadID {
			return q, true
		}
	}
	return Quad{}, false
}

func (m *MockPlanet) getQuad(w http.ResponseWriter, r *http.Request) {
	q, ok := m.findQuad(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Quad not found")
		return
	}
	writeJSON(w, r, http.StatusOK, m.quadJSON(q))
}

func (m *MockPlanet) quadData(w http.ResponseWriter, r *http.Request) {
	q, ok := m.findQuad(r)
	if !ok || !q.Downloadable {
		writeError(w, http.StatusNotFound, "Quad not found")
		return
	}
	data := q.Data
	if data == nil {
		data = []byte("quad " + q.MosaicID + "/" + q.ID())
	}
	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tif"`, q.ID()))
	w.Write(data)
}

func (m *MockPlanet) quadItems(w http.ResponseWriter, r *http.Request) {
	q, ok := m.findQuad(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Quad not found")
		return
	}
	items := make([]map[string]string, 0, len(q.Items))
	for _, link := range q.Items {
		items = append(items, map[string]string{"link": link})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}

func (m *MockPlanet) orderJSON(o *mockOrder) map[string]any {
	state := o.plan.States[min(o.polls, len(o.plan.States)-1)]
	links := map[string]any{"_self": m.OrdersURL() + o.id}
	if state == "success" || state == "partial" {
		names := make([]string, 0, len(o.plan.Results))
		for name := range o.plan.Results {
			names = append(names, name)
		}
		sort.Strings(names)
		results := make([]map[string]string, 0, len(names))
		for i, name := range names {
			results = append(results, map[string]string{
				"name":     name,
				"location": fmt.Sprintf("%s/compute/ops/download/%s/%d", m.server.URL, o.id, i),
			})
		}
		links["results"] = results
	}
	return map[string]any{
		"id":         o.id,
		"name":       o.name,
		"state":      state,
		"created_on": "2024-01-01T00:00:00.000Z",
		"_links":     links,
	}
}

func (m *MockPlanet) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.Name == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"field":   map[string]any{},
			"general": []map[string]string{{"message": "order name is required"}},
		})
		return
	}

	m.mu.Lock()
	o := &mockOrder{
		id:   fmt.Sprintf("order-%d", len(m.orders)+1),
		name: req.Name,
		plan: m.orderPlan,
		body: raw,
	}
	m.orders[o.id] = o
	resp := m.orderJSON(o)
	m.mu.Unlock()

	writeJSON(w, r, http.StatusAccepted, resp)
}

func (m *MockPlanet) getOrder(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	o, ok := m.orders[chi.URLParam(r, "id")]
	if !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	o.polls++
	resp := m.orderJSON(o)
	m.mu.Unlock()

	w.Header().Set("Cache-Control", "no-cache")
	r.Header.Del("If-None-Match")
	writeJSON(w, r, http.StatusOK, resp)
}

func (m *MockPlanet) listOrders(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, m.orderJSON(m.orders[id]))
	}
	m.mu.RUnlock()
	m.writePage(w, r, "orders", items)
}

func (m *MockPlanet) orderResult(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	o, ok := m.orders[chi.URLParam(r, "id")]
	m.mu.RUnlock()
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if !ok || err != nil {
		writeError(w, http.StatusNotFound, "Result not found")
		return
	}

	names := make([]string, 0, len(o.plan.Results))
	for name := range o.plan.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	if idx < 0 || idx >= len(names) {
		writeError(w, http.StatusNotFound, "Result not found")
		return
	}

	name := names[idx]
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(name)))
	w.Write(o.plan.Results[name])
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 values")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox: %w", err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
