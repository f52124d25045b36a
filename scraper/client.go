package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/booru-fetch/config"
	"github.com/gocolly/colly/v2"
)

const (
	ctxKeyBody   = "body"
	ctxKeyStatus = "status"

	// requestTokenHeader carries the key of the caller's context from getJSON
	// to ctxTransport. It never leaves the process.
	requestTokenHeader = "X-Fetch-Request-Token"
)

// ctxTransport binds outgoing requests to the context getJSON was called
// with. colly builds its own *http.Request without one, so the context is
// looked up by a token header that is stripped before the request is sent.
type ctxTransport struct {
	base http.RoundTripper

	mu       sync.Mutex
	seq      uint64
	inflight map[string]context.Context
}

func newCtxTransport(base http.RoundTripper) *ctxTransport {
	return &ctxTransport{base: base, inflight: make(map[string]context.Context)}
}

func (t *ctxTransport) register(ctx context.Context) (string, func()) {
	t.mu.Lock()
	t.seq++
	token := strconv.FormatUint(t.seq, 10)
	t.inflight[token] = ctx
	t.mu.Unlock()

	return token, func() {
		t.mu.Lock()
		delete(t.inflight, token)
		t.mu.Unlock()
	}
}

func (t *ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := req.Header.Get(requestTokenHeader)
	if token == "" {
		return t.base.RoundTrip(req)
	}

	t.mu.Lock()
	ctx, ok := t.inflight[token]
	t.mu.Unlock()
	if !ok {
		ctx = req.Context()
	}

	out := req.Clone(ctx)
	out.Header.Del(requestTokenHeader)
	return t.base.RoundTrip(out)
}

// apiClient performs single GET requests against the listing API and decodes
// the JSON body. The collector runs synchronously, so each request returns
// only once its callbacks have fired.
type apiClient struct {
	host      string
	collector *colly.Collector
	transport *ctxTransport
	metrics   *Metrics
	logger    *slog.Logger
}

func newAPIClient(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*apiClient, error) {
	host := strings.TrimSuffix(cfg.Host(), "/")
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse api host: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("api host must include a host")
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(0),
	)
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(cfg.Timeout)
	transport := newCtxTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	collector.WithTransport(transport)

	c := &apiClient{
		host:      host,
		collector: collector,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
	}
	c.configureHandlers()
	return c, nil
}

// setTransport swaps the round tripper underneath the context binding.
func (c *apiClient) setTransport(rt http.RoundTripper) {
	c.transport.base = rt
}

func (c *apiClient) configureHandlers() {
	c.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		c.metrics.IncRequest("started")
		c.logger.Debug("api request", slog.String("url", r.URL.String()))
	})

	c.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxKeyBody, r.Body)
		r.Ctx.Put(ctxKeyStatus, r.StatusCode)
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			c.metrics.ObserveDuration(time.Since(start))
		}
		c.metrics.IncRequest("completed")
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Ctx != nil {
			r.Ctx.Put(ctxKeyStatus, r.StatusCode)
		}
	})
}

// getJSON issues GET <host><path>?<query> and decodes the body into dest.
func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reqURL := c.host + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	token, release := c.transport.register(ctx)
	defer release()

	hdr := http.Header{}
	hdr.Set("User-Agent", c.collector.UserAgent)
	hdr.Set("Accept", "application/json")
	hdr.Set(requestTokenHeader, token)

	reqCtx := colly.NewContext()
	err := c.collector.Request(http.MethodGet, reqURL, nil, reqCtx, hdr)
	status, _ := reqCtx.GetAny(ctxKeyStatus).(int)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("get %s: %w", reqURL, ctx.Err())
	}
	if err != nil {
		classified := ClassifyError(err, status)
		label := ErrorTypeLabel(classified)
		c.metrics.IncError(label)
		c.logger.Error("api request error",
			slog.String("url", reqURL),
			slog.String("category", label),
			slog.Any("error", err),
		)
		return fmt.Errorf("get %s: %w", reqURL, classified)
	}

	body, ok := reqCtx.GetAny(ctxKeyBody).([]byte)
	if !ok {
		c.metrics.IncError("decode")
		return fmt.Errorf("get %s: %w", reqURL, ErrDecode{Err: errors.New("empty response")})
	}
	if err := json.Unmarshal(body, dest); err != nil {
		c.metrics.IncError("decode")
		c.logger.Error("api decode error", slog.String("url", reqURL), slog.Int("body_len", len(body)), slog.Any("error", err))
		return fmt.Errorf("get %s: %w", reqURL, ErrDecode{Err: err})
	}
	return nil
}
