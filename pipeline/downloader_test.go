package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/booru-fetch/config"
	"github.com/aluiziolira/booru-fetch/models"
	"github.com/aluiziolira/booru-fetch/scraper"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const cdn = "http://cdn.test/"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Workers = 4
	cfg.MaxRetries = 3
	return cfg
}

func newTestDownloader(cfg *config.Config, c *models.Container, transport http.RoundTripper, m *scraper.Metrics) *Downloader {
	return NewDownloader(cfg, c,
		WithHTTPClient(&http.Client{Transport: transport}),
		WithMetrics(m),
		WithLogger(discardLogger()),
	)
}

func mkItem(label, name string) models.Item {
	return models.Item{GroupLabel: label, Name: name, Extension: "png", SourceURL: cdn + name + ".png"}
}

// servePayloads registers a responder per item that returns "payload-<name>".
func servePayloads(transport *httpmock.MockTransport, items ...models.Item) *atomic.Int64 {
	var calls atomic.Int64
	for _, it := range items {
		if !it.HasSource() {
			continue
		}
		body := "payload-" + it.Name
		transport.RegisterResponder("GET", it.SourceURL, func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return httpmock.NewStringResponse(http.StatusOK, body), nil
		})
	}
	return &calls
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be absent, stat err=%v", path, err)
	}
}

func TestDownloaderWritesEveryItem(t *testing.T) {
	cfg := testConfig(t)
	c := &models.Container{Label: "wolf"}
	for i := 0; i < 12; i++ {
		c.Items = append(c.Items, mkItem("wolf", fmt.Sprintf("hash%02d", i)))
	}
	transport := httpmock.NewMockTransport()
	calls := servePayloads(transport, c.Items...)
	m := scraper.NewMetrics()

	d := newTestDownloader(cfg, c, transport, m)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}

	dir := filepath.Join(cfg.OutputDir, config.DownloadsDir, "wolf")
	if d.Dir() != dir {
		t.Fatalf("dir=%s, want %s", d.Dir(), dir)
	}
	for _, it := range c.Items {
		if got := readFile(t, filepath.Join(dir, it.FileName())); got != "payload-"+it.Name {
			t.Fatalf("%s contents=%q", it.FileName(), got)
		}
	}
	if calls.Load() != 12 {
		t.Fatalf("transfers=%d, want 12", calls.Load())
	}
	stats := d.Stats()
	if stats.Downloaded != 12 || stats.Retries != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if got := testutil.ToFloat64(m.DownloadsTotal.WithLabelValues(scraper.OutcomeDownloaded)); got != 12 {
		t.Fatalf("downloaded metric=%v, want 12", got)
	}
	if got := testutil.ToFloat64(m.BytesWritten); got <= 0 {
		t.Fatalf("bytes written metric=%v", got)
	}
}

func TestDownloaderSingleItemIsFlattened(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 8
	it := mkItem("42", "solo")
	c := &models.Container{Label: "42", Items: []models.Item{it}}
	transport := httpmock.NewMockTransport()
	servePayloads(transport, it)

	d := newTestDownloader(cfg, c, transport, nil)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}

	if got := readFile(t, filepath.Join(cfg.OutputDir, config.DownloadsDir, "solo.png")); got != "payload-solo" {
		t.Fatalf("contents=%q", got)
	}
	assertMissing(t, filepath.Join(cfg.OutputDir, config.DownloadsDir, "42"))
}

func TestDownloaderSafeModeDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.SafeMode = true
	c := &models.Container{Label: "fox", Items: []models.Item{mkItem("fox", "a"), mkItem("fox", "b")}}
	transport := httpmock.NewMockTransport()
	servePayloads(transport, c.Items...)

	d := newTestDownloader(cfg, c, transport, nil)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	readFile(t, filepath.Join(cfg.OutputDir, config.SafeDownloadsDir, "fox", "a.png"))
	readFile(t, filepath.Join(cfg.OutputDir, config.SafeDownloadsDir, "fox", "b.png"))
}

func TestDownloaderLabelCannotEscape(t *testing.T) {
	cfg := testConfig(t)
	c := &models.Container{Label: "../../etc", Items: []models.Item{mkItem("x", "a"), mkItem("x", "b")}}

	d := newTestDownloader(cfg, c, httpmock.NewMockTransport(), nil)
	base := filepath.Join(cfg.OutputDir, config.DownloadsDir)
	if filepath.Dir(d.Dir()) != base {
		t.Fatalf("dir=%s escapes %s", d.Dir(), base)
	}
}

func TestDownloaderSoftSkipsMissingURL(t *testing.T) {
	cfg := testConfig(t)
	hidden := models.Item{GroupLabel: "wolf", Name: "hidden", Extension: "png"}
	c := &models.Container{Label: "wolf", Items: []models.Item{mkItem("wolf", "shown"), hidden}}
	transport := httpmock.NewMockTransport()
	servePayloads(transport, c.Items...)
	m := scraper.NewMetrics()

	d := newTestDownloader(cfg, c, transport, m)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}

	dir := filepath.Join(cfg.OutputDir, config.DownloadsDir, "wolf")
	assertMissing(t, filepath.Join(dir, "hidden.png"))
	readFile(t, filepath.Join(dir, "shown.png"))

	stats := d.Stats()
	if stats.SkippedNoURL != 1 || stats.Retries != 0 {
		t.Fatalf("stats=%+v, want one no-url skip and no retries", stats)
	}
	if got := testutil.ToFloat64(m.RetriesTotal); got != 0 {
		t.Fatalf("retries metric=%v, want 0", got)
	}
}

func TestDownloaderRetryExhaustion(t *testing.T) {
	cfg := testConfig(t)
	bad := mkItem("wolf", "bad")
	good := mkItem("wolf", "good")
	c := &models.Container{Label: "wolf", Items: []models.Item{bad, good}}

	transport := httpmock.NewMockTransport()
	servePayloads(transport, good)
	var badCalls atomic.Int64
	transport.RegisterResponder("GET", bad.SourceURL, func(*http.Request) (*http.Response, error) {
		badCalls.Add(1)
		return httpmock.NewStringResponse(http.StatusBadGateway, "upstream down"), nil
	})
	m := scraper.NewMetrics()

	d := newTestDownloader(cfg, c, transport, m)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download should not surface item failures: %v", err)
	}

	dir := filepath.Join(cfg.OutputDir, config.DownloadsDir, "wolf")
	assertMissing(t, filepath.Join(dir, "bad.png"))
	assertMissing(t, filepath.Join(dir, "bad.png"+partialSuffix))
	readFile(t, filepath.Join(dir, "good.png"))

	if badCalls.Load() != int64(cfg.MaxRetries) {
		t.Fatalf("attempts=%d, want %d", badCalls.Load(), cfg.MaxRetries)
	}
	stats := d.Stats()
	if stats.Abandoned != 1 || stats.Downloaded != 1 || stats.Retries != int64(cfg.MaxRetries) {
		t.Fatalf("stats=%+v", stats)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("http_status")); got != float64(cfg.MaxRetries) {
		t.Fatalf("http_status errors=%v, want %d", got, cfg.MaxRetries)
	}
}

func TestDownloaderRetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	it := mkItem("wolf", "flaky")
	c := &models.Container{Label: "wolf", Items: []models.Item{it}}

	transport := httpmock.NewMockTransport()
	var attempts atomic.Int64
	transport.RegisterResponder("GET", it.SourceURL, func(*http.Request) (*http.Response, error) {
		switch attempts.Add(1) {
		case 1:
			return nil, errors.New("connection reset by peer")
		case 2:
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(&failingReader{data: "partial"}),
				Header:     http.Header{},
			}, nil
		default:
			return httpmock.NewStringResponse(http.StatusOK, "complete"), nil
		}
	})

	d := newTestDownloader(cfg, c, transport, nil)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}

	if got := readFile(t, filepath.Join(cfg.OutputDir, config.DownloadsDir, "flaky.png")); got != "complete" {
		t.Fatalf("contents=%q, want complete", got)
	}
	if stats := d.Stats(); stats.Retries != 2 || stats.Downloaded != 1 {
		t.Fatalf("stats=%+v, want 2 retries and 1 download", stats)
	}
}

func TestDownloaderRetryCounterIsPerItem(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 1
	cfg.MaxRetries = 2
	first := mkItem("wolf", "first")
	second := mkItem("wolf", "second")
	c := &models.Container{Label: "wolf", Items: []models.Item{first, second}}

	transport := httpmock.NewMockTransport()
	for _, it := range c.Items {
		var n atomic.Int64
		transport.RegisterResponder("GET", it.SourceURL, func(*http.Request) (*http.Response, error) {
			if n.Add(1) == 1 {
				return nil, errors.New("timeout")
			}
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})
	}

	d := newTestDownloader(cfg, c, transport, nil)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	if stats := d.Stats(); stats.Downloaded != 2 || stats.Abandoned != 0 {
		t.Fatalf("stats=%+v, want both items downloaded", stats)
	}
}

func TestDownloaderIdempotentRerun(t *testing.T) {
	cfg := testConfig(t)
	c := &models.Container{Label: "wolf", Items: []models.Item{mkItem("wolf", "a"), mkItem("wolf", "b"), mkItem("wolf", "c")}}
	transport := httpmock.NewMockTransport()
	calls := servePayloads(transport, c.Items...)

	if err := newTestDownloader(cfg, c, transport, nil).Download(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	dir := filepath.Join(cfg.OutputDir, config.DownloadsDir, "wolf")
	first := listDir(t, dir)

	marker := filepath.Join(dir, "a.png")
	if err := os.WriteFile(marker, []byte("local edit"), 0o644); err != nil {
		t.Fatalf("edit: %v", err)
	}

	d := newTestDownloader(cfg, c, transport, nil)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second := listDir(t, dir); strings.Join(first, ",") != strings.Join(second, ",") {
		t.Fatalf("file set changed: %v -> %v", first, second)
	}
	if got := readFile(t, marker); got != "local edit" {
		t.Fatalf("existing file was overwritten: %q", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("transfers=%d, want 3 (second run must not fetch)", calls.Load())
	}
	if stats := d.Stats(); stats.SkippedExisting != 3 {
		t.Fatalf("stats=%+v, want 3 existing skips", stats)
	}
}

func TestDownloaderSetupFailure(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.OutputDir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.OutputDir = blocker
	c := &models.Container{Label: "wolf", Items: []models.Item{mkItem("wolf", "a"), mkItem("wolf", "b")}}

	if err := newTestDownloader(cfg, c, httpmock.NewMockTransport(), nil).Download(context.Background()); err == nil {
		t.Fatalf("expected setup error when the output directory cannot be created")
	}
}

func TestDownloaderEmptyContainer(t *testing.T) {
	cfg := testConfig(t)
	c := &models.Container{Label: "empty"}

	d := newTestDownloader(cfg, c, httpmock.NewMockTransport(), nil)
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	assertMissing(t, filepath.Join(cfg.OutputDir, config.DownloadsDir))
}

func TestDownloaderBackoff(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDownloader(cfg, &models.Container{}, httpmock.NewMockTransport(), nil)

	if got := d.backoff(3); got != 0 {
		t.Fatalf("default backoff=%v, want 0", got)
	}

	cfg.RetryBackoff = 100 * time.Millisecond
	cfg.RetryBackoffMax = 250 * time.Millisecond
	if got := d.backoff(2); got != 200*time.Millisecond {
		t.Fatalf("backoff(2)=%v, want 200ms", got)
	}
	if got := d.backoff(40); got != cfg.RetryBackoffMax {
		t.Fatalf("backoff(40)=%v, want cap %v", got, cfg.RetryBackoffMax)
	}
}

func TestSleepCtxCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Hour) {
		t.Fatalf("sleep should stop on a canceled context")
	}
	if !sleepCtx(context.Background(), 0) {
		t.Fatalf("zero sleep should report success")
	}
}

type failingReader struct {
	data string
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("unexpected EOF from peer")
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
