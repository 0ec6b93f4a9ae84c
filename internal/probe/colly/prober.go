// Package collyprobe implements validation.Prober using gocolly. A probe is a
// HEAD request, falling back to a one-byte ranged GET when the origin refuses HEAD.
package collyprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const acceptHeader = "image/*,video/*;q=0.9,*/*;q=0.5"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps how much of a ranged GET body is read when an origin
	// ignores the Range header.
	MaxBodySize int
}

// Prober implements validation.Prober using the Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type probeResult struct {
	status      int
	contentType string
	err         error
}

// New builds a Prober. Callers pace requests themselves so that waiting for a
// rate-limit slot never eats into the request timeout.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 * 1024
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(newHTTPTransport())
	// Clones share the base backend, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	return &Prober{cfg: cfg, baseCollector: c}
}

// Check probes url and returns the final status code and content type. A
// non-nil error means no HTTP response was obtained.
func (p *Prober) Check(ctx context.Context, url string) (int, string, error) {
	res, err := p.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, "", err
	}
	if res.status == http.StatusMethodNotAllowed || res.status == http.StatusNotImplemented {
		res, err = p.do(ctx, http.MethodGet, url)
		if err != nil {
			return 0, "", err
		}
	}
	return res.status, res.contentType, nil
}

func (p *Prober) do(ctx context.Context, method, url string) (probeResult, error) {
	var res probeResult
	collector := p.buildCollector(&res)
	if err := p.runCollector(ctx, collector, method, url, &res); err != nil {
		return probeResult{}, err
	}
	return res, nil
}

func (p *Prober) buildCollector(res *probeResult) *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	configureCollectorHooks(collector, res)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, res *probeResult) {
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		if r.Headers != nil {
			res.contentType = r.Headers.Get("Content-Type")
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.status = r.StatusCode
			if r.Headers != nil {
				res.contentType = r.Headers.Get("Content-Type")
			}
			return
		}
		res.err = err
	})
}

func (p *Prober) runCollector(ctx context.Context, collector *colly.Collector, method, url string, res *probeResult) error {
	hdr := http.Header{}
	hdr.Set("Accept", acceptHeader)
	if method == http.MethodGet {
		hdr.Set("Range", "bytes=0-0")
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, url, nil, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("probe %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if res.status != 0 {
			return nil
		}
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		if res.err != nil {
			return fmt.Errorf("probe %s: %w", url, res.err)
		}
		return fmt.Errorf("probe %s: no response", url)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
