package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aluiziolira/booru-fetch/config"
	"github.com/aluiziolira/booru-fetch/models"
	"github.com/aluiziolira/booru-fetch/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Query kinds used in logs and metrics.
const (
	KindTag  = "tag"
	KindPool = "pool"
	KindPost = "post"
)

// Walker turns queries into fully populated work containers by paging
// through the listing API.
type Walker struct {
	cfg     *config.Config
	client  *apiClient
	Metrics *Metrics
	logger  *slog.Logger

	// Pool metadata and verification fetches keyed by the requested id. A nil
	// post records an empty page.
	pools *lru.Cache[uint64, *pool]
	posts *lru.Cache[uint64, *post]
}

// NewWalker builds a walker against the host selected by cfg.SafeMode.
// metrics and logger may be nil.
func NewWalker(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*Walker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := newAPIClient(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	pools, err := lru.New[uint64, *pool](cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create pool cache: %w", err)
	}
	posts, err := lru.New[uint64, *post](cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create post cache: %w", err)
	}

	return &Walker{
		cfg:     cfg,
		client:  client,
		Metrics: metrics,
		logger:  logger,
		pools:   pools,
		posts:   posts,
	}, nil
}

// SetTransport replaces the HTTP transport used for API requests.
func (w *Walker) SetTransport(rt http.RoundTripper) {
	w.client.setTransport(rt)
}

// DiscoverAll runs every query in q, tags first, then pools, then single
// posts. A failing query does not stop the others; all failures are joined
// into the returned error.
func (w *Walker) DiscoverAll(ctx context.Context, q models.Queries) ([]*models.Container, error) {
	containers := make([]*models.Container, 0, q.Total())
	var errs []error

	collect := func(kind, name string, c *models.Container, err error) {
		if err != nil {
			w.Metrics.IncQuery(kind, "failed")
			w.logger.Error("discovery failed",
				slog.String("kind", kind),
				slog.String("query", name),
				slog.String("category", ErrorTypeLabel(err)),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, name, err))
			return
		}
		w.Metrics.IncQuery(kind, "ok")
		containers = append(containers, c)
	}

	for _, tag := range q.Tags {
		if ctx.Err() != nil {
			break
		}
		c, err := w.DiscoverByTag(ctx, tag)
		collect(KindTag, tag, c, err)
	}
	for _, id := range q.Pools {
		if ctx.Err() != nil {
			break
		}
		c, err := w.DiscoverByPool(ctx, id)
		collect(KindPool, strconv.FormatUint(id, 10), c, err)
	}
	for _, id := range q.Posts {
		if ctx.Err() != nil {
			break
		}
		c, err := w.DiscoverSingle(ctx, id)
		collect(KindPost, strconv.FormatUint(id, 10), c, err)
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return containers, errors.Join(errs...)
}

// DiscoverByTag walks every listing page for tag until a page comes back
// empty. The upstream pages relative to an id watermark, so the next cursor is
// the largest id seen on the current page rather than a page counter.
func (w *Walker) DiscoverByTag(ctx context.Context, tag string) (*models.Container, error) {
	w.logger.Info("scraping tag", slog.String("tag", tag))

	container := &models.Container{Label: tag}
	var head uint64

	for page := 1; ; page++ {
		if w.cfg.MaxPages > 0 && page > w.cfg.MaxPages {
			w.logger.Warn("tag walk stopped at page limit",
				slog.String("tag", tag),
				slog.Int("max_pages", w.cfg.MaxPages),
			)
			break
		}

		query := url.Values{}
		query.Set("limit", strconv.Itoa(w.cfg.PageSize))
		query.Set("tags", tag)
		query.Set("page", cursor(head))

		var payload postsPayload
		if err := w.client.getJSON(ctx, "/posts.json", query, &payload); err != nil {
			return nil, err
		}
		if len(payload.Posts) == 0 {
			break
		}

		// Listings may page downward, so only a repeated cursor is a stall.
		next := maxID(payload.Posts)
		if next == head {
			return nil, fmt.Errorf("tag %q at %s: %w", tag, cursor(head), ErrCursorStalled)
		}
		head = next

		for _, p := range payload.Posts {
			w.appendItem(container, p.item(tag, p.File.MD5))
		}

		w.logger.Debug("tag page scraped",
			slog.String("tag", tag),
			slog.Int("page", page),
			slog.Uint64("head", head),
			slog.Int("size", container.Len()),
		)
	}

	return container, nil
}

// DiscoverByPool resolves every member of a pool. Members whose verification
// fetch returns a different post are dropped; accepted items are named by
// their position in the pool, so a dropped member leaves a gap in the names.
func (w *Walker) DiscoverByPool(ctx context.Context, poolID uint64) (*models.Container, error) {
	w.logger.Info("scraping pool", slog.Uint64("pool", poolID))

	p, err := w.lookupPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	container := &models.Container{Label: p.Name}
	for idx, memberID := range p.PostIDs {
		found, err := w.lookupPost(ctx, memberID)
		if err != nil {
			return nil, fmt.Errorf("pool %d member %d: %w", poolID, memberID, err)
		}
		if found == nil || found.ID != memberID {
			w.logger.Debug("pool member missing upstream",
				slog.Uint64("pool", poolID),
				slog.Uint64("post", memberID),
				slog.Int("position", idx),
			)
			continue
		}
		w.appendItem(container, found.item(p.Name, strconv.Itoa(idx)))
	}

	w.logger.Debug("pool scraped",
		slog.Uint64("pool", poolID),
		slog.String("name", p.Name),
		slog.Int("members", len(p.PostIDs)),
		slog.Int("size", container.Len()),
	)
	return container, nil
}

// DiscoverSingle resolves one post through the same adjacent-cursor fetch as
// pool members but accepts whatever post sits at that position.
func (w *Walker) DiscoverSingle(ctx context.Context, postID uint64) (*models.Container, error) {
	w.logger.Info("scraping single post", slog.Uint64("post", postID))

	found, err := w.lookupPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
	}
	if found.ID != postID {
		w.logger.Warn("single post lookup returned a different post",
			slog.Uint64("requested", postID),
			slog.Uint64("returned", found.ID),
		)
	}

	label := strconv.FormatUint(postID, 10)
	container := &models.Container{Label: label}
	w.appendItem(container, found.item(label, found.File.MD5))
	return container, nil
}

func (w *Walker) lookupPool(ctx context.Context, poolID uint64) (*pool, error) {
	if cached, ok := w.pools.Get(poolID); ok {
		return cached, nil
	}

	query := url.Values{}
	query.Set("search[id]", strconv.FormatUint(poolID, 10))

	var pools []pool
	if err := w.client.getJSON(ctx, "/pools.json", query, &pools); err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("pool %d: %w", poolID, ErrPoolNotFound)
	}

	p := &pools[0]
	w.pools.Add(poolID, p)
	return p, nil
}

// lookupPost performs the verification fetch for id: one post at cursor id-1.
func (w *Walker) lookupPost(ctx context.Context, id uint64) (*post, error) {
	if id == 0 {
		return nil, fmt.Errorf("post id must be positive")
	}
	if cached, ok := w.posts.Get(id); ok {
		return cached, nil
	}

	query := url.Values{}
	query.Set("limit", "1")
	query.Set("page", cursor(id-1))

	var payload postsPayload
	if err := w.client.getJSON(ctx, "/posts.json", query, &payload); err != nil {
		return nil, err
	}

	var found *post
	if len(payload.Posts) > 0 {
		found = &payload.Posts[0]
	}
	w.posts.Add(id, found)
	return found, nil
}

func (w *Walker) appendItem(c *models.Container, it models.Item) {
	if err := parser.ValidateItem(it); err != nil {
		w.Metrics.IncInvalid()
		w.logger.Debug("dropping invalid record", slog.String("label", c.Label), slog.Any("error", err))
		return
	}
	c.Items = append(c.Items, it)
	w.Metrics.IncItems()
}

func cursor(id uint64) string {
	return "a" + strconv.FormatUint(id, 10)
}
