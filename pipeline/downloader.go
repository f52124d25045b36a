package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/booru-fetch/config"
	"github.com/aluiziolira/booru-fetch/models"
	"github.com/aluiziolira/booru-fetch/parser"
	"github.com/aluiziolira/booru-fetch/scraper"
	"github.com/google/uuid"
)

// progressInterval is how often verbose runs log download progress.
var progressInterval = 10 * time.Second

// Option customises a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets the client used for payload transfers.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		if c != nil {
			d.client = c
		}
	}
}

// WithMetrics records download outcomes on m.
func WithMetrics(m *scraper.Metrics) Option {
	return func(d *Downloader) {
		d.metrics = m
	}
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// Stats counts how the downloader disposed of its items.
type Stats struct {
	Downloaded      int64
	SkippedExisting int64
	SkippedNoURL    int64
	Abandoned       int64
	WriteFailed     int64
	Retries         int64
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Downloaded += other.Downloaded
	s.SkippedExisting += other.SkippedExisting
	s.SkippedNoURL += other.SkippedNoURL
	s.Abandoned += other.Abandoned
	s.WriteFailed += other.WriteFailed
	s.Retries += other.Retries
}

// Downloader drains one container to disk through a fixed number of workers.
// Every item is queued before the first worker starts and the queue is closed
// right away, so a worker that finds it drained knows no more work will come.
// Retries happen inside the worker holding the item; nothing is re-queued.
type Downloader struct {
	cfg     *config.Config
	label   string
	total   int
	store   fileStore
	queue   chan models.Item
	client  *http.Client
	metrics *scraper.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup

	handled         atomic.Int64
	downloaded      atomic.Int64
	skippedExisting atomic.Int64
	skippedNoURL    atomic.Int64
	abandoned       atomic.Int64
	writeFailed     atomic.Int64
	retries         atomic.Int64
}

// NewDownloader moves the container's items into the work queue. The
// container's label becomes a subdirectory only when it holds more than one
// item.
func NewDownloader(cfg *config.Config, c *models.Container, opts ...Option) *Downloader {
	items := c.Items
	queue := make(chan models.Item, len(items))
	for _, it := range items {
		queue <- it
	}
	close(queue)

	dir := filepath.Join(cfg.OutputDir, cfg.ModeDir())
	if len(items) > 1 {
		dir = filepath.Join(dir, parser.SanitizeLabel(c.Label))
	}

	d := &Downloader{
		cfg:    cfg,
		label:  c.Label,
		total:  len(items),
		store:  fileStore{dir: dir},
		queue:  queue,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = newHTTPClient(cfg)
	}
	d.logger = d.logger.With(
		slog.String("run_id", uuid.NewString()),
		slog.String("label", c.Label),
	)
	return d
}

// Dir returns the directory the container is written to.
func (d *Downloader) Dir() string {
	return d.store.dir
}

// Download blocks until every worker has exited. The only error it reports is
// failing to create the output directory; per-item failures are logged and
// counted but never returned.
func (d *Downloader) Download(ctx context.Context) error {
	if d.total == 0 {
		d.logger.Info("nothing to download")
		return nil
	}
	if err := d.store.ensure(); err != nil {
		return err
	}

	d.logger.Info("downloading",
		slog.String("dir", d.store.dir),
		slog.Int("items", d.total),
		slog.Int("workers", d.cfg.Workers),
	)

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	done := make(chan struct{})
	if d.cfg.Verbose {
		go d.reportProgress(done)
	}
	d.wg.Wait()
	close(done)

	stats := d.Stats()
	d.logger.Info("download finished",
		slog.Int64("downloaded", stats.Downloaded),
		slog.Int64("skipped", stats.SkippedExisting+stats.SkippedNoURL),
		slog.Int64("abandoned", stats.Abandoned+stats.WriteFailed),
		slog.Int64("retries", stats.Retries),
	)
	return nil
}

// Stats returns a snapshot of the item counters.
func (d *Downloader) Stats() Stats {
	return Stats{
		Downloaded:      d.downloaded.Load(),
		SkippedExisting: d.skippedExisting.Load(),
		SkippedNoURL:    d.skippedNoURL.Load(),
		Abandoned:       d.abandoned.Load(),
		WriteFailed:     d.writeFailed.Load(),
		Retries:         d.retries.Load(),
	}
}

func (d *Downloader) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.logger.Debug("worker started", slog.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, id, it)
			d.handled.Add(1)
		}
	}
}

func (d *Downloader) process(ctx context.Context, worker int, it models.Item) {
	if !it.HasSource() {
		d.skippedNoURL.Add(1)
		d.metrics.IncDownload(scraper.OutcomeSkippedNoURL)
		d.logger.Debug("no source url", slog.String("file", it.FileName()))
		return
	}

	name := it.FileName()
	if d.store.exists(name) {
		d.skippedExisting.Add(1)
		d.metrics.IncDownload(scraper.OutcomeSkippedExisting)
		return
	}

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		n, err := d.fetch(ctx, it.SourceURL, name)
		if err == nil {
			d.downloaded.Add(1)
			d.metrics.IncDownload(scraper.OutcomeDownloaded)
			d.metrics.AddBytes(n)
			d.logger.Debug("downloaded",
				slog.Int("worker", worker),
				slog.String("file", name),
				slog.Int64("bytes", n),
			)
			return
		}

		var werr writeError
		if errors.As(err, &werr) {
			d.writeFailed.Add(1)
			d.metrics.IncDownload(scraper.OutcomeWriteFailed)
			d.logger.Error("write failed", slog.String("file", name), slog.Any("error", err))
			return
		}
		if ctx.Err() != nil {
			return
		}

		d.retries.Add(1)
		d.metrics.IncRetries()
		d.metrics.IncError(scraper.ErrorTypeLabel(err))
		d.logger.Debug("download attempt failed",
			slog.Int("worker", worker),
			slog.String("file", name),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if !sleepCtx(ctx, d.backoff(attempt)) {
			return
		}
	}

	d.abandoned.Add(1)
	d.metrics.IncDownload(scraper.OutcomeAbandoned)
	d.logger.Warn("giving up on item",
		slog.String("file", name),
		slog.String("url", it.SourceURL),
		slog.Int("attempts", d.cfg.MaxRetries),
	)
}

// fetch performs one transfer attempt and stores the body under name.
func (d *Downloader) fetch(ctx context.Context, src, name string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, scraper.ClassifyError(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, scraper.ClassifyError(fmt.Errorf("unexpected status %d", resp.StatusCode), resp.StatusCode)
	}

	return d.store.write(name, resp.Body)
}

func (d *Downloader) backoff(attempt int) time.Duration {
	base := d.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := d.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (d *Downloader) reportProgress(done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.logger.Info("download progress",
				slog.Int64("handled", d.handled.Load()),
				slog.Int("total", d.total),
				slog.Int64("retries", d.retries.Load()),
			)
		case <-done:
			return
		}
	}
}

// sleepCtx waits for d or until ctx is done and reports whether it waited the
// full duration.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func newHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   cfg.Workers,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		},
	}
}
