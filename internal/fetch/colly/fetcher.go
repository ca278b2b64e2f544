// Package collyfetch implements the source fetcher using gocolly.
package collyfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/reelpipe/reelpipe/internal/fingerprint"
	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	// ListingURL is a template expanded with the source id, for example
	// "https://example.com/%s/media.json".
	ListingURL string
	UserAgent  string
	Timeout    time.Duration
	// RatePerSecond caps outbound requests across all sources.
	RatePerSecond float64
	// MaxItems truncates each source's listing; zero means no cap.
	MaxItems int
}

// Fetcher lists and downloads source items over HTTP.
type Fetcher struct {
	cfg           Config
	limiter       *rate.Limiter
	baseCollector *colly.Collector
}

// listing is the wire shape of a source's media index.
type listing struct {
	Items []struct {
		URL      string    `json:"url"`
		Caption  string    `json:"caption"`
		Author   string    `json:"author"`
		PostedAt time.Time `json:"posted_at"`
	} `json:"items"`
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.ListingURL == "" {
		return nil, &pipeline.ConfigurationError{Field: "fetch.listing_url", Reason: "must not be empty"}
	}
	if !strings.Contains(cfg.ListingURL, "%s") {
		return nil, &pipeline.ConfigurationError{Field: "fetch.listing_url", Reason: "must contain a %s placeholder for the source id"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = false
	// Listings are re-fetched every run; without this the shared visited
	// store rejects the second visit to the same URL.
	c.AllowURLRevisit = true
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Fetcher{
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		baseCollector: c,
	}, nil
}

// ListItems fetches the source's media index and maps it to items. Each
// item's fingerprint derives from its canonical payload URL.
func (f *Fetcher) ListItems(ctx context.Context, src pipeline.Source) ([]pipeline.Item, error) {
	body, err := f.get(ctx, fmt.Sprintf(f.cfg.ListingURL, src.ID))
	if err != nil {
		return nil, pipeline.Classify("list items", err)
	}
	var idx listing
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("decode listing for %s: %w", src.ID, err)
	}
	if f.cfg.MaxItems > 0 && len(idx.Items) > f.cfg.MaxItems {
		idx.Items = idx.Items[:f.cfg.MaxItems]
	}
	items := make([]pipeline.Item, 0, len(idx.Items))
	for _, raw := range idx.Items {
		fp, err := fingerprint.FromURL(raw.URL)
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s item: %w", src.ID, err)
		}
		items = append(items, pipeline.Item{
			Fingerprint: fp,
			SourceID:    src.ID,
			PayloadRef:  raw.URL,
			Caption:     raw.Caption,
			Author:      raw.Author,
			PostedAt:    raw.PostedAt,
		})
	}
	return items, nil
}

// Download retrieves the item's payload bytes.
func (f *Fetcher) Download(ctx context.Context, item pipeline.Item) ([]byte, error) {
	body, err := f.get(ctx, item.PayloadRef)
	if err != nil {
		return nil, pipeline.Classify("download item", err)
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		// Visit surfaces HTTP failures too; keep whichever error arrived
		// first so the status classification below applies to both.
		if err != nil && fetchErr == nil {
			fetchErr = err
		}
	}
	if fetchErr != nil {
		if status == http.StatusNotFound || status == http.StatusGone {
			return nil, &pipeline.PermanentItemError{Reason: fmt.Sprintf("upstream returned %d for %s", status, url)}
		}
		return nil, fmt.Errorf("fetch %s: status %d: %w", url, status, fetchErr)
	}
	return body, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
