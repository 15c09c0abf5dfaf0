package pagination

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// fakeFetcher serves canned pages keyed by URL and records each request.
type fakeFetcher struct {
	pages    map[string]string
	failURL  string
	requests []string
}

func (f *fakeFetcher) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	f.requests = append(f.requests, pageURL)
	if pageURL == f.failURL {
		return nil, errors.New("server exploded")
	}
	body, ok := f.pages[pageURL]
	if !ok {
		return nil, fmt.Errorf("unexpected url %s", pageURL)
	}
	return []byte(body), nil
}

func threePages() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{
		"https://api.test/mosaics": `{
			"_links": {"_self": "https://api.test/mosaics", "_next": "https://api.test/mosaics?page=2"},
			"mosaics": [{"id": "a", "name": "one"}, {"id": "b", "name": "two"}]
		}`,
		"https://api.test/mosaics?page=2": `{
			"_links": {"_self": "https://api.test/mosaics?page=2", "_next": "https://api.test/mosaics?page=3"},
			"mosaics": [{"id": "c", "name": "three"}]
		}`,
		"https://api.test/mosaics?page=3": `{
			"_links": {"_self": "https://api.test/mosaics?page=3"},
			"mosaics": [{"id": "d", "name": "four"}]
		}`,
	}}
}

func TestWalk_FollowsNextLinks(t *testing.T) {
	f := threePages()

	items, err := Collect(Walk[item](context.Background(), f, "https://api.test/mosaics", "mosaics"))
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var ids string
	for _, it := range items {
		ids += it.ID
	}
	if ids != "abcd" {
		t.Errorf("ids = %q, want %q", ids, "abcd")
	}
	if len(f.requests) != 3 {
		t.Errorf("requests = %d, want 3", len(f.requests))
	}
}

func TestWalk_IsLazy(t *testing.T) {
	f := threePages()

	count := 0
	for _, err := range Walk[item](context.Background(), f, "https://api.test/mosaics", "mosaics") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		count++
		if count == 2 {
			break
		}
	}

	if len(f.requests) != 1 {
		t.Errorf("requests = %d, want 1 (second page must not be fetched)", len(f.requests))
	}
}

func TestWalkFrom_UsesFirstPage(t *testing.T) {
	f := threePages()
	first := []byte(`{
		"_links": {"_next": "https://api.test/mosaics?page=3"},
		"items": [{"id": "x"}]
	}`)
	f.pages["https://api.test/mosaics?page=3"] = `{"_links": {}, "items": [{"id": "y"}]}`

	items, err := Collect(WalkFrom[item](context.Background(), f, first, "items"))
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(items) != 2 || items[0].ID != "x" || items[1].ID != "y" {
		t.Errorf("items = %+v", items)
	}
	if len(f.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(f.requests))
	}
}

func TestWalk_Errors(t *testing.T) {
	tests := []struct {
		name    string
		page    string
		wantErr error
	}{
		{
			name:    "missing key",
			page:    `{"_links": {}, "series": []}`,
			wantErr: ErrMissingKey,
		},
		{
			name:    "missing links",
			page:    `{"mosaics": [{"id": "a"}]}`,
			wantErr: ErrMissingLinks,
		},
		{
			name:    "self referencing next",
			page:    `{"_links": {"_next": "https://api.test/p"}, "mosaics": []}`,
			wantErr: ErrPageCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{pages: map[string]string{"https://api.test/p": tt.page}}

			_, err := Collect(Walk[item](context.Background(), f, "https://api.test/p", "mosaics"))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWalk_FetchErrorStopsIteration(t *testing.T) {
	f := threePages()
	f.failURL = "https://api.test/mosaics?page=2"

	var got []string
	var gotErr error
	for it, err := range Walk[item](context.Background(), f, "https://api.test/mosaics", "mosaics") {
		if err != nil {
			gotErr = err
			continue
		}
		got = append(got, it.ID)
	}

	if gotErr == nil {
		t.Fatal("expected fetch error")
	}
	if len(got) != 2 {
		t.Errorf("items before failure = %v, want 2", got)
	}
	if len(f.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(f.requests))
	}
}

func TestWalk_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := threePages()
	_, err := Collect(Walk[item](ctx, f, "https://api.test/mosaics", "mosaics"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(f.requests) != 0 {
		t.Errorf("requests = %d, want 0", len(f.requests))
	}
}

func TestFirst(t *testing.T) {
	f := threePages()

	it, ok, err := First(Walk[item](context.Background(), f, "https://api.test/mosaics", "mosaics"))
	if err != nil || !ok {
		t.Fatalf("First() = %v, %v", ok, err)
	}
	if it.ID != "a" {
		t.Errorf("ID = %q, want a", it.ID)
	}

	empty := &fakeFetcher{pages: map[string]string{"u": `{"_links": {}, "mosaics": []}`}}
	_, ok, err = First(Walk[item](context.Background(), empty, "u", "mosaics"))
	if err != nil || ok {
		t.Errorf("First() on empty = %v, %v; want false, nil", ok, err)
	}
}

func TestLinks_DropsNonStringValues(t *testing.T) {
	page, err := ParsePage[item]([]byte(`{
		"_links": {"_self": "https://a", "tiles": ["x", "y"], "download": "https://d"},
		"items": []
	}`), "items")
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}

	if !page.Links.Has("download") || page.Links.Get("_self") != "https://a" {
		t.Errorf("links = %v", page.Links)
	}
	if page.Links.Has("tiles") {
		t.Error("non-string relation should be dropped")
	}
	if _, ok := page.Next(); ok {
		t.Error("Next() should be false without _next")
	}
}
