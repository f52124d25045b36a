// Package pipeline downloads the containers produced by the walker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aluiziolira/booru-fetch/config"
	"github.com/aluiziolira/booru-fetch/models"
	"github.com/aluiziolira/booru-fetch/scraper"
)

// Summary aggregates a whole run for the caller's report.
type Summary struct {
	Queries    int
	Containers int
	Items      int
	Failures   int
	Stats
}

// Runner drives discovery and then the per-container downloads.
type Runner struct {
	cfg     *config.Config
	walker  *scraper.Walker
	metrics *scraper.Metrics
	logger  *slog.Logger
	client  *http.Client
}

// NewRunner wires a runner. metrics and logger may be nil.
func NewRunner(cfg *config.Config, walker *scraper.Walker, metrics *scraper.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		walker:  walker,
		metrics: metrics,
		logger:  logger,
		client:  newHTTPClient(cfg),
	}
}

// SetHTTPClient replaces the client shared by every downloader of the run.
func (r *Runner) SetHTTPClient(c *http.Client) {
	if c != nil {
		r.client = c
	}
}

// Run discovers every query, then downloads the resulting containers one at a
// time, each fully drained before the next starts. Discovery failures and
// directory setup failures are logged and joined into the returned error; the
// rest of the run carries on.
func (r *Runner) Run(ctx context.Context, q models.Queries) (Summary, error) {
	summary := Summary{Queries: q.Total()}
	if q.Empty() {
		r.logger.Info("no queries to run")
		return summary, nil
	}

	r.logger.Info("scraping posts", slog.Int("queries", summary.Queries))
	containers, discoverErr := r.walker.DiscoverAll(ctx, q)
	var errs []error
	if discoverErr != nil {
		errs = append(errs, discoverErr)
		summary.Failures += summary.Queries - len(containers)
	}
	if ctx.Err() != nil {
		return summary, errors.Join(errs...)
	}

	r.logger.Info("downloading files", slog.Int("containers", len(containers)))
	for _, c := range containers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Containers++
		summary.Items += c.Len()

		d := NewDownloader(r.cfg, c,
			WithHTTPClient(r.client),
			WithMetrics(r.metrics),
			WithLogger(r.logger),
		)
		if err := d.Download(ctx); err != nil {
			summary.Failures++
			r.logger.Error("download setup failed", slog.String("label", c.Label), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("download %s: %w", c.Label, err))
		}
		summary.Stats.Add(d.Stats())
	}

	return summary, errors.Join(errs...)
}
