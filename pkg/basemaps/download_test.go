package basemaps

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/Sternrassler/planet-client/internal/testutil"
	"github.com/Sternrassler/planet-client/pkg/client"
	"github.com/Sternrassler/planet-client/pkg/download"
)

func collectResults(t *testing.T, seq func(func(download.Result, error) bool)) ([]download.Result, error) {
	t.Helper()
	var results []download.Result
	for res, err := range seq {
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func TestDownloadQuads(t *testing.T) {
	bm := newTestClient(t, newMock(t))
	m := mustMosaic(t, bm, "m1")
	dir := t.TempDir()

	results, err := collectResults(t, bm.DownloadQuads(context.Background(), m, DownloadOptions{OutputDir: dir, Workers: 2}))
	if err != nil {
		t.Fatalf("DownloadQuads() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("DownloadQuads() = %d results, want 3 (one quad is not downloadable)", len(results))
	}

	if got := readFile(t, filepath.Join(dir, "1-1.tif")); got != "quad m1/1-1" {
		t.Errorf("1-1.tif = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "2-1.tif")); !os.IsNotExist(err) {
		t.Errorf("2-1.tif should not exist, stat error = %v", err)
	}

	again, err := collectResults(t, bm.DownloadQuads(context.Background(), m, DownloadOptions{OutputDir: dir}))
	if err != nil {
		t.Fatalf("second DownloadQuads() error = %v", err)
	}
	for _, res := range again {
		if !res.Skipped {
			t.Errorf("%s not skipped on second run", res.Path)
		}
	}
}

func TestDownloadQuads_FilenameTemplate(t *testing.T) {
	bm := newTestClient(t, newMock(t))
	m := mustMosaic(t, bm, "m1")
	dir := t.TempDir()

	opts := DownloadOptions{
		OutputDir:        dir,
		Query:            QuadQuery{BBox: bound(-9, -9, -5, -5)},
		FilenameTemplate: FlatFilenameTemplate,
	}
	results, err := collectResults(t, bm.DownloadQuads(context.Background(), m, opts))
	if err != nil {
		t.Fatalf("DownloadQuads() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("DownloadQuads() = %d results, want 1", len(results))
	}

	want := filepath.Join(dir, "global_monthly_2024_01_mosaic-L15-0001E-0001N.tif")
	if results[0].Path != want {
		t.Errorf("Path = %s, want %s", results[0].Path, want)
	}
	if got := readFile(t, want); got != "quad m1/1-1" {
		t.Errorf("content = %q", got)
	}
}

func TestDownloadQuads_BadTemplate(t *testing.T) {
	bm := newTestClient(t, newMock(t))
	m := mustMosaic(t, bm, "m1")

	tests := []string{
		"{{.Mosaic",
		"{{.Nope}}.tif",
	}
	for _, tmpl := range tests {
		_, err := collectResults(t, bm.DownloadQuads(context.Background(), m, DownloadOptions{
			OutputDir:        t.TempDir(),
			FilenameTemplate: tmpl,
		}))
		if err == nil {
			t.Errorf("DownloadQuads(template %q) error = nil, want error", tmpl)
		}
	}
}

func TestDownloadQuads_ListingError(t *testing.T) {
	mock := newMock(t)
	mock.SetResponse("/basemaps/v1/mosaics/m1/quads", testutil.MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"message": "bbox too large"}`,
	})
	bm := newTestClient(t, mock)
	m := mustMosaic(t, bm, "m1")

	_, err := collectResults(t, bm.DownloadQuads(context.Background(), m, DownloadOptions{OutputDir: t.TempDir()}))
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("DownloadQuads() error = %v, want *client.APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "bbox too large" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestDownloadSeriesQuads_PerMosaicFolders(t *testing.T) {
	bm := newTestClient(t, newMock(t))
	dir := t.TempDir()
	s := &Series{ID: "s1", Name: "Global Monthly"}

	results, err := collectResults(t, bm.DownloadSeriesQuads(context.Background(), s, SeriesDownloadOptions{
		DownloadOptions: DownloadOptions{OutputDir: dir},
		End:             mar,
	}))
	if err != nil {
		t.Fatalf("DownloadSeriesQuads() error = %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("DownloadSeriesQuads() = %d results, want 4", len(results))
	}

	for _, p := range []string{
		filepath.Join(dir, "global_monthly_2024_01_mosaic", "2-2.tif"),
		filepath.Join(dir, "global_monthly_2024_02_mosaic", "1-1.tif"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
	if got := readFile(t, filepath.Join(dir, "global_monthly_2024_02_mosaic", "1-1.tif")); got != "quad m2/1-1" {
		t.Errorf("m2 1-1.tif = %q", got)
	}
}

func TestDownloadSeriesQuads_Flat(t *testing.T) {
	bm := newTestClient(t, newMock(t))
	dir := t.TempDir()
	s := &Series{ID: "s1", Name: "Global Monthly"}

	_, err := collectResults(t, bm.DownloadSeriesQuads(context.Background(), s, SeriesDownloadOptions{
		DownloadOptions: DownloadOptions{OutputDir: dir},
		Flat:            true,
	}))
	if err != nil {
		t.Fatalf("DownloadSeriesQuads() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	want := []string{
		"global_monthly_2024_01_mosaic-L15-0001E-0001N.tif",
		"global_monthly_2024_01_mosaic-L15-0001E-0002N.tif",
		"global_monthly_2024_01_mosaic-L15-0002E-0002N.tif",
		"global_monthly_2024_02_mosaic-L15-0001E-0001N.tif",
	}
	if len(names) != len(want) {
		t.Fatalf("files = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("file[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestDownloadSeriesQuads_StopEarly(t *testing.T) {
	mock := newMock(t)
	bm := newTestClient(t, mock)
	s := &Series{ID: "s1", Name: "Global Monthly"}

	for _, err := range bm.DownloadSeriesQuads(context.Background(), s, SeriesDownloadOptions{
		DownloadOptions: DownloadOptions{OutputDir: t.TempDir(), Workers: 1},
	}) {
		if err != nil {
			t.Fatalf("DownloadSeriesQuads() error = %v", err)
		}
		break
	}
}
