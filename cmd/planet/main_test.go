package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/planet-client/internal/testutil"
	"github.com/Sternrassler/planet-client/pkg/client"
	"github.com/paulmach/orb"
)

func setupMock(t *testing.T) *testutil.MockPlanet {
	t.Helper()

	mock := testutil.NewMockPlanet()
	t.Cleanup(mock.Close)
	mock.APIKey = "cli-key"

	mock.AddSeries(testutil.Series{ID: "s1", Name: "Global Monthly", Interval: "1 mon"})
	mock.AddMosaics(
		testutil.Mosaic{
			ID:            "m1",
			Name:          "global_monthly_2024_01_mosaic",
			SeriesID:      "s1",
			Level:         15,
			FirstAcquired: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			LastAcquired:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			BBox:          orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}},
		},
		testutil.Mosaic{
			ID:            "m2",
			Name:          "global_monthly_2024_02_mosaic",
			SeriesID:      "s1",
			Level:         15,
			FirstAcquired: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			LastAcquired:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			BBox:          orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}},
		},
	)
	mock.AddQuads(
		testutil.Quad{MosaicID: "m1", X: 1, Y: 1, BBox: orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{0, 0}}, Downloadable: true},
		testutil.Quad{MosaicID: "m1", X: 2, Y: 1, BBox: orb.Bound{Min: orb.Point{0, -10}, Max: orb.Point{10, 0}}, Downloadable: true},
		testutil.Quad{MosaicID: "m1", X: 2, Y: 2, BBox: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}},
		testutil.Quad{MosaicID: "m2", X: 1, Y: 1, BBox: orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{0, 0}}, Downloadable: true},
	)

	t.Setenv("PL_API_KEY", "cli-key")
	t.Setenv("PL_BASEMAPS_URL", mock.BasemapsURL())
	t.Setenv("PL_ORDERS_URL", mock.OrdersURL())
	t.Setenv("PL_ORDERS_POLL_INTERVAL", "10ms")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	return mock
}

// runCLI runs the app with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := app.RunContext(ctx, append([]string{"planet"}, args...))
	return out.String(), err
}

func TestSeriesCommand(t *testing.T) {
	setupMock(t)

	out, err := runCLI(t, "series", "--name", "Monthly")
	if err != nil {
		t.Fatalf("series error = %v", err)
	}
	if !strings.Contains(out, "Global Monthly") || !strings.Contains(out, "1 mon") {
		t.Errorf("output = %q", out)
	}
}

func TestMosaicsCommand(t *testing.T) {
	setupMock(t)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{
			name: "all",
			args: []string{"mosaics"},
			want: []string{"global_monthly_2024_01_mosaic", "global_monthly_2024_02_mosaic", "2024-01-01"},
		},
		{
			name:    "name filter",
			args:    []string{"mosaics", "--name", "2024_02"},
			want:    []string{"global_monthly_2024_02_mosaic"},
			notWant: []string{"global_monthly_2024_01_mosaic"},
		},
		{
			name:    "series with start",
			args:    []string{"mosaics", "--series", "Global Monthly", "--start", "2024-02-15"},
			want:    []string{"global_monthly_2024_02_mosaic"},
			notWant: []string{"global_monthly_2024_01_mosaic"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, tt.args...)
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("output should not contain %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestQuadsCommand_STAC(t *testing.T) {
	setupMock(t)

	out, err := runCLI(t, "quads", "--mosaic", "global_monthly_2024_01_mosaic", "--bbox", "-9,-9,-1,-1", "--stac")
	if err != nil {
		t.Fatalf("quads error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d items, want 1:\n%s", len(lines), out)
	}
	var item struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item.ID != "global_monthly_2024_01_mosaic-1-1" {
		t.Errorf("id = %q", item.ID)
	}
	if strings.Contains(out, "cli-key") {
		t.Error("STAC output leaks the api key")
	}
}

func TestQuadsCommand_InvalidBBox(t *testing.T) {
	setupMock(t)

	_, err := runCLI(t, "quads", "--mosaic", "global_monthly_2024_01_mosaic", "--bbox", "10,10,0")
	if err == nil {
		t.Fatal("expected error for a three-value bbox")
	}
}

func TestDownloadCommand(t *testing.T) {
	setupMock(t)
	dir := t.TempDir()

	out, err := runCLI(t, "download", "--mosaic", "global_monthly_2024_01_mosaic", "--out", dir, "--no-progress")
	if err != nil {
		t.Fatalf("download error = %v", err)
	}
	if !strings.Contains(out, "2 downloaded") {
		t.Errorf("summary = %q, want 2 downloaded", out)
	}
	for _, name := range []string{"1-1.tif", "2-1.tif"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("missing %s: %v", name, err)
			continue
		}
		if want := "quad m1/" + strings.TrimSuffix(name, ".tif"); string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}

	out, err = runCLI(t, "download", "--mosaic", "global_monthly_2024_01_mosaic", "--out", dir, "--no-progress")
	if err != nil {
		t.Fatalf("second download error = %v", err)
	}
	if !strings.Contains(out, "2 skipped") {
		t.Errorf("second summary = %q, want 2 skipped", out)
	}
}

func TestDownloadCommand_SeriesFlat(t *testing.T) {
	setupMock(t)
	dir := t.TempDir()

	_, err := runCLI(t, "download", "--series", "Global Monthly", "--flat", "--bbox", "-9,-9,-1,-1",
		"--out", dir, "--no-progress")
	if err != nil {
		t.Fatalf("download error = %v", err)
	}
	for _, name := range []string{
		"global_monthly_2024_01_mosaic-L15-0001E-0001N.tif",
		"global_monthly_2024_02_mosaic-L15-0001E-0001N.tif",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestDownloadCommand_RequiresOneSource(t *testing.T) {
	setupMock(t)

	if _, err := runCLI(t, "download", "--no-progress"); err == nil {
		t.Error("expected error without --mosaic or --series")
	}
	if _, err := runCLI(t, "download", "--mosaic", "a", "--series", "b", "--no-progress"); err == nil {
		t.Error("expected error with both --mosaic and --series")
	}
}

func TestXMLCommand(t *testing.T) {
	setupMock(t)
	path := filepath.Join(t.TempDir(), "mosaic.xml")

	if _, err := runCLI(t, "xml", "--mosaic", "global_monthly_2024_01_mosaic", "--proc", "ndvi", "--out", path); err != nil {
		t.Fatalf("xml error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read xml: %v", err)
	}
	for _, want := range []string{"<GDAL_WMS>", "global_monthly_2024_01_mosaic", "proc=ndvi", "<BandsCount>1</BandsCount>"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("xml missing %q", want)
		}
	}
}

func TestOrderCreateAndDownload(t *testing.T) {
	mock := setupMock(t)
	mock.SetOrderPlan(testutil.OrderPlan{
		States: []string{"queued", "running", "success"},
		Results: map[string][]byte{
			"order/files/20240101_scene_AnalyticMS_SR.tif": []byte("pixels"),
			"order/files/20240101_scene_udm2.tif":          []byte("mask"),
			"order/manifest.json":                          []byte("{}"),
		},
	})
	dir := t.TempDir()

	out, err := runCLI(t, "order", "create",
		"--name", "harvest",
		"--item", "20240101_scene",
		"--download", "--out", dir, "--no-progress")
	if err != nil {
		t.Fatalf("order create error = %v", err)
	}
	if !strings.Contains(out, "order-1 success") {
		t.Errorf("output = %q, want final state", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "20240101_scene_AnalyticMS_SR_harvest.tif"))
	if err != nil {
		t.Fatalf("imagery not downloaded: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("imagery = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "20240101_scene_udm2_harvest.tif")); err == nil {
		t.Error("udm mask should not be downloaded")
	}

	var req struct {
		Products []struct {
			ItemIDs       []string `json:"item_ids"`
			ItemType      string   `json:"item_type"`
			ProductBundle string   `json:"product_bundle"`
		} `json:"products"`
	}
	if err := json.Unmarshal(mock.OrderRequest("order-1"), &req); err != nil {
		t.Fatalf("decode order request: %v", err)
	}
	if len(req.Products) != 1 || req.Products[0].ItemType != "PSScene" || req.Products[0].ItemIDs[0] != "20240101_scene" {
		t.Errorf("order request = %+v", req)
	}
}

func TestOrderWaitFailed(t *testing.T) {
	mock := setupMock(t)
	mock.SetOrderPlan(testutil.OrderPlan{States: []string{"queued", "failed"}})

	id, err := runCLI(t, "order", "create", "--name", "broken", "--item", "x")
	if err != nil {
		t.Fatalf("order create error = %v", err)
	}

	_, err = runCLI(t, "order", "wait", strings.TrimSpace(id))
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Errorf("wait error = %v, want failed order", err)
	}
}

func TestOrderCommands_RequireID(t *testing.T) {
	setupMock(t)

	for _, sub := range []string{"get", "wait", "download"} {
		if _, err := runCLI(t, "order", sub); err == nil {
			t.Errorf("order %s without id should fail", sub)
		}
	}
}

func TestLogFlagsOverrideInvalidEnv(t *testing.T) {
	setupMock(t)
	t.Setenv("LOG_LEVEL", "verbose")
	t.Setenv("LOG_FORMAT", "xml")

	if _, err := runCLI(t, "series"); err == nil {
		t.Fatal("invalid LOG_LEVEL without a flag should fail")
	}

	out, err := runCLI(t, "--log-level", "error", "--log-format", "console", "series")
	if err != nil {
		t.Fatalf("series with log flags error = %v", err)
	}
	if !strings.Contains(out, "Global Monthly") {
		t.Errorf("output = %q", out)
	}
}

func TestMissingAPIKey(t *testing.T) {
	setupMock(t)
	t.Setenv("PL_API_KEY", "")

	_, err := runCLI(t, "series")
	if !errors.Is(err, client.ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
}
