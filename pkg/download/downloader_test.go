package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeFile struct {
	body        string
	disposition string
	err         error
}

// fakeOpener serves canned bodies by URL and counts opens.
type fakeOpener struct {
	mu    sync.Mutex
	files map[string]fakeFile
	opens map[string]int
}

func newFakeOpener(files map[string]fakeFile) *fakeOpener {
	return &fakeOpener{files: files, opens: make(map[string]int)}
}

func (f *fakeOpener) Open(ctx context.Context, url string) (*http.Response, error) {
	f.mu.Lock()
	f.opens[url]++
	file, ok := f.files[url]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("404 not found")
	}
	if file.err != nil {
		return nil, file.err
	}

	h := http.Header{}
	if file.disposition != "" {
		h.Set("Content-Disposition", file.disposition)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(file.body)),
	}, nil
}

func (f *fakeOpener) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[url]
}

func TestFilenameFromHeader(t *testing.T) {
	tests := []struct {
		name        string
		disposition string
		want        string
		wantErr     bool
	}{
		{name: "quoted filename", disposition: `attachment; filename="L15-1234E-1340N.tif"`, want: "L15-1234E-1340N.tif"},
		{name: "bare filename", disposition: `attachment; filename=quad.tif`, want: "quad.tif"},
		{name: "rfc 2231 filename", disposition: `attachment; filename*=UTF-8''quad%20one.tif`, want: "quad one.tif"},
		{name: "path stripped", disposition: `attachment; filename="../../etc/passwd"`, want: "passwd"},
		{name: "missing header", disposition: "", wantErr: true},
		{name: "no filename param", disposition: "attachment", wantErr: true},
		{name: "malformed", disposition: `attachment; filename="unterminated`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.disposition != "" {
				h.Set("Content-Disposition", tt.disposition)
			}
			got, err := FilenameFromHeader(h)
			if tt.wantErr {
				if !errors.Is(err, ErrNoFilename) {
					t.Errorf("FilenameFromHeader() error = %v, want ErrNoFilename", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FilenameFromHeader() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FilenameFromHeader() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDownload_FilenameFromHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	opener := newFakeOpener(map[string]fakeFile{
		"https://example.com/q1": {body: "QUAD1", disposition: `attachment; filename="1-2.tif"`},
	})
	d := NewDownloader(opener, Options{})

	res, err := d.Download(context.Background(), Descriptor{URL: "https://example.com/q1", Dir: dir})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	want := filepath.Join(dir, "1-2.tif")
	if res.Path != want {
		t.Errorf("Path = %q, want %q", res.Path, want)
	}
	if res.Bytes != 5 || res.Skipped {
		t.Errorf("Result = %+v", res)
	}

	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "QUAD1" {
		t.Errorf("file contents = %q", data)
	}
	if _, err := os.Stat(want + partSuffix); !os.IsNotExist(err) {
		t.Error(".part file left behind")
	}
}

func TestDownload_NoFilename(t *testing.T) {
	opener := newFakeOpener(map[string]fakeFile{
		"https://example.com/q1": {body: "QUAD1"},
	})
	d := NewDownloader(opener, Options{})

	_, err := d.Download(context.Background(), Descriptor{URL: "https://example.com/q1", Dir: t.TempDir()})
	if !errors.Is(err, ErrNoFilename) {
		t.Errorf("Download() error = %v, want ErrNoFilename", err)
	}
}

func TestDownload_NoURL(t *testing.T) {
	d := NewDownloader(newFakeOpener(nil), Options{})
	if _, err := d.Download(context.Background(), Descriptor{Filename: "x.tif"}); !errors.Is(err, ErrNoURL) {
		t.Errorf("Download() error = %v, want ErrNoURL", err)
	}
}

func TestDownload_SkipsClaimedPath(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener(map[string]fakeFile{
		"https://example.com/a": {body: "A"},
		"https://example.com/b": {body: "B"},
	})
	d := NewDownloader(opener, Options{Overwrite: true})
	ctx := context.Background()

	first, err := d.Download(ctx, Descriptor{URL: "https://example.com/a", Filename: "same.tif", Dir: dir})
	if err != nil || first.Skipped {
		t.Fatalf("first Download() = %+v, %v", first, err)
	}

	second, err := d.Download(ctx, Descriptor{URL: "https://example.com/b", Filename: "same.tif", Dir: dir})
	if err != nil {
		t.Fatalf("second Download() error = %v", err)
	}
	if !second.Skipped || second.Bytes != 0 {
		t.Errorf("second Result = %+v, want skipped", second)
	}
	if opener.count("https://example.com/b") != 0 {
		t.Error("skipped download should not open the URL")
	}

	data, _ := os.ReadFile(filepath.Join(dir, "same.tif"))
	if string(data) != "A" {
		t.Errorf("file contents = %q, want A", data)
	}
}

func TestDownload_ExistingFile(t *testing.T) {
	tests := []struct {
		name      string
		overwrite bool
		want      string
		skipped   bool
	}{
		{name: "skip existing", overwrite: false, want: "OLD", skipped: true},
		{name: "overwrite existing", overwrite: true, want: "NEW", skipped: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "q.tif")
			if err := os.WriteFile(path, []byte("OLD"), 0o644); err != nil {
				t.Fatal(err)
			}

			opener := newFakeOpener(map[string]fakeFile{
				"https://example.com/q": {body: "NEW", disposition: `attachment; filename="q.tif"`},
			})
			d := NewDownloader(opener, Options{Overwrite: tt.overwrite})

			res, err := d.Download(context.Background(), Descriptor{URL: "https://example.com/q", Dir: dir})
			if err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			if res.Skipped != tt.skipped {
				t.Errorf("Skipped = %v, want %v", res.Skipped, tt.skipped)
			}
			data, _ := os.ReadFile(path)
			if string(data) != tt.want {
				t.Errorf("file contents = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestDownload_FailureReleasesClaim(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener(map[string]fakeFile{
		"https://example.com/q": {err: errors.New("connection reset")},
	})
	d := NewDownloader(opener, Options{})
	ctx := context.Background()
	desc := Descriptor{URL: "https://example.com/q", Filename: "q.tif", Dir: dir}

	if _, err := d.Download(ctx, desc); err == nil {
		t.Fatal("expected error")
	}

	opener.mu.Lock()
	opener.files["https://example.com/q"] = fakeFile{body: "OK"}
	opener.mu.Unlock()

	res, err := d.Download(ctx, desc)
	if err != nil || res.Skipped {
		t.Fatalf("retry Download() = %+v, %v; want fresh download", res, err)
	}
}

func TestDownload_Progress(t *testing.T) {
	var progress bytes.Buffer
	opener := newFakeOpener(map[string]fakeFile{
		"https://example.com/q": {body: "0123456789"},
	})
	d := NewDownloader(opener, Options{Progress: &progress})

	if _, err := d.Download(context.Background(), Descriptor{URL: "https://example.com/q", Filename: "q.tif", Dir: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if progress.Len() != 10 {
		t.Errorf("progress received %d bytes, want 10", progress.Len())
	}
}
